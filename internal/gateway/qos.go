package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sngateway/internal/snpacket"
)

const (
	qosRetryTimeout = 1000 * time.Millisecond
	qosMaxRetries   = 3
	maxMessageID    = 0xFFFF
)

var (
	// ErrMsgIDExhausted means the whole 16-bit message-id space is in
	// flight, which signals something badly stuck downstream.
	ErrMsgIDExhausted = errors.New("gateway: message id space exhausted")
	// ErrDeliveryTimeout is the final outcome after all retries expire.
	ErrDeliveryTimeout = errors.New("gateway: delivery timed out")
)

// qosEngine tracks broker→device publishes in flight. QoS 1 waits for
// PUBACK, QoS 2 for PUBREC (PUBREL is sent right away and PUBCOMP is
// only logged). Each pending send owns a retry timer; entries never
// outlive their acknowledgment or final timeout.
type qosEngine struct {
	logger *slog.Logger
	send   func(addr uint16, p snpacket.Packet) error

	// retryTimeout is a field so tests can shorten the clock.
	retryTimeout time.Duration

	mu      sync.Mutex
	pending map[uint16]*qosEntry
}

type qosEntry struct {
	addr    uint16
	publish snpacket.Publish
	retries int
	timer   *time.Timer
	done    chan error
}

func newQoSEngine(logger *slog.Logger, send func(addr uint16, p snpacket.Packet) error) *qosEngine {
	return &qosEngine{
		logger:       logger,
		send:         send,
		retryTimeout: qosRetryTimeout,
		pending:      make(map[uint16]*qosEntry),
	}
}

// Deliver sends publish toward addr with the given qos. It returns once
// the packet is on its way; the channel resolves when the delivery is
// acknowledged, times out, or (qos 0) immediately.
func (e *qosEngine) Deliver(addr uint16, publish snpacket.Publish, qos uint8) (<-chan error, error) {
	done := make(chan error, 1)
	publish.QoS = qos

	if qos == 0 {
		publish.MsgID = 0
		if err := e.send(addr, publish); err != nil {
			return nil, err
		}
		done <- nil
		return done, nil
	}

	e.mu.Lock()
	msgID, err := e.nextMsgIDLocked()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	publish.MsgID = msgID
	entry := &qosEntry{
		addr:    addr,
		publish: publish,
		done:    done,
	}
	e.pending[msgID] = entry
	entry.timer = time.AfterFunc(e.retryTimeout, func() { e.onTimeout(msgID) })
	e.mu.Unlock()

	if err := e.send(addr, publish); err != nil {
		e.fail(msgID, err)
		return nil, err
	}
	return done, nil
}

// nextMsgIDLocked returns the smallest message id not in flight.
func (e *qosEngine) nextMsgIDLocked() (uint16, error) {
	for id := 1; id <= maxMessageID; id++ {
		if _, busy := e.pending[uint16(id)]; !busy {
			return uint16(id), nil
		}
	}
	return 0, ErrMsgIDExhausted
}

func (e *qosEngine) onTimeout(msgID uint16) {
	e.mu.Lock()
	entry, ok := e.pending[msgID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if entry.retries >= qosMaxRetries {
		delete(e.pending, msgID)
		e.mu.Unlock()
		e.logger.Warn("delivery failed", "addr", entry.addr, "msg_id", msgID, "retries", entry.retries)
		entry.done <- ErrDeliveryTimeout
		return
	}
	entry.retries++
	entry.publish.Dup = true
	entry.timer = time.AfterFunc(e.retryTimeout, func() { e.onTimeout(msgID) })
	resend := entry.publish
	addr := entry.addr
	retries := entry.retries
	e.mu.Unlock()

	e.logger.Debug("delivery retry", "addr", addr, "msg_id", msgID, "retry", retries)
	if err := e.send(addr, resend); err != nil {
		e.logger.Warn("delivery retry send failed", "addr", addr, "msg_id", msgID, "error", err)
	}
}

func (e *qosEngine) fail(msgID uint16, err error) {
	e.mu.Lock()
	entry, ok := e.pending[msgID]
	if ok {
		entry.timer.Stop()
		delete(e.pending, msgID)
	}
	e.mu.Unlock()
	if ok {
		entry.done <- err
	}
}

// HandlePuback resolves a QoS 1 delivery.
func (e *qosEngine) HandlePuback(msgID uint16, rc snpacket.ReturnCode) {
	e.mu.Lock()
	entry, ok := e.pending[msgID]
	if !ok || entry.publish.QoS != 1 {
		e.mu.Unlock()
		e.logger.Debug("puback without pending qos1 delivery", "msg_id", msgID)
		return
	}
	entry.timer.Stop()
	delete(e.pending, msgID)
	e.mu.Unlock()

	if rc != snpacket.Accepted {
		entry.done <- fmt.Errorf("delivery rejected: %s", rc)
		return
	}
	entry.done <- nil
}

// HandlePubrec resolves a QoS 2 delivery and fires the PUBREL
// immediately; PUBCOMP is not waited for.
func (e *qosEngine) HandlePubrec(msgID uint16) {
	e.mu.Lock()
	entry, ok := e.pending[msgID]
	if !ok || entry.publish.QoS != 2 {
		e.mu.Unlock()
		e.logger.Debug("pubrec without pending qos2 delivery", "msg_id", msgID)
		return
	}
	entry.timer.Stop()
	delete(e.pending, msgID)
	e.mu.Unlock()

	if err := e.send(entry.addr, snpacket.Pubrel{MsgID: msgID}); err != nil {
		e.logger.Warn("pubrel send failed", "addr", entry.addr, "msg_id", msgID, "error", err)
	}
	entry.done <- nil
}

// HandlePubcomp is informational only.
func (e *qosEngine) HandlePubcomp(msgID uint16) {
	e.logger.Debug("pubcomp received", "msg_id", msgID)
}

// Pending reports the number of deliveries in flight.
func (e *qosEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
