// Package forwarder implements the link-layer protocol between the
// gateway and the radio bridge: an addressing envelope with stop-and-wait
// ACK/NACK flow control, a pairing sub-protocol for onboarding new
// devices, and network configuration push.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sngateway/internal/bus"
	"sngateway/internal/events"
	"sngateway/internal/session"
	"sngateway/internal/snpacket"
	"sngateway/internal/transport"
)

// Link frame message types.
const (
	msgTypeNACK   = 0x00
	msgTypeACK    = 0x01
	msgTypeConfig = 0x02
	msgTypePair   = 0x03
	msgTypeData   = 0xFE
)

// Pair sub-protocol bytes.
const (
	pairExit    = 0x00
	pairEnter   = 0x01
	pairCtrlReq = 0x02
	pairSubCmd  = 0x03
)

const (
	// dataCtrl is the reserved control byte of data envelopes.
	dataCtrl = 0x01

	ackTimeout      = 5 * time.Second
	queueCapacity   = 10
	configPushDelay = 2100 * time.Millisecond

	reconnectBackoffStart = time.Second
	reconnectBackoffMax   = 15 * time.Second
)

// ErrPairMode is returned by Send while the forwarder is in pair mode.
var ErrPairMode = errors.New("forwarder: in pair mode")

// Config is the radio network configuration pushed to the bridge.
type Config struct {
	PANID uint8
	Key   [16]byte
}

// Forwarder drives one framed transport. At most one data frame is in
// flight toward the bridge; ACK, NACK or the ack timeout free the slot.
// A NACK does not retry the frame: link reliability is the QoS engine's
// job one layer up.
type Forwarder struct {
	logger *slog.Logger
	bus    bus.MessageBus
	tr     transport.Transport
	framed *transport.Framed
	store  session.Store
	netCfg Config

	mu       sync.Mutex
	queue    [][]byte
	inflight bool
	ackTimer *time.Timer
	pairMode bool
}

func New(logger *slog.Logger, b bus.MessageBus, tr transport.Transport, store session.Store, netCfg Config) *Forwarder {
	return &Forwarder{
		logger: logger,
		bus:    b,
		tr:     tr,
		framed: transport.NewFramed(logger, tr),
		store:  store,
		netCfg: netCfg,
	}
}

// Send queues an application packet for the device at addr. When the
// queue is full the frame is silently dropped and a flush of the
// existing queue is attempted; that lossy backpressure is deliberate.
func (f *Forwarder) Send(addr uint16, packet []byte) error {
	frame := encodeDataFrame(addr, packet)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairMode {
		return ErrPairMode
	}
	if len(f.queue) >= queueCapacity {
		f.logger.Warn("outbound queue full, frame dropped", "addr", addr, "packet_len", len(packet))
		f.drainLocked()
		return nil
	}
	f.queue = append(f.queue, frame)
	f.drainLocked()
	return nil
}

func encodeDataFrame(addr uint16, packet []byte) []byte {
	frame := make([]byte, 0, 5+len(packet))
	frame = append(frame, byte(4+len(packet)), msgTypeData, dataCtrl, byte(addr&0xFF), byte(addr>>8))
	return append(frame, packet...)
}

// drainLocked dispatches the next queued frame if the slot is free.
func (f *Forwarder) drainLocked() {
	if f.inflight || len(f.queue) == 0 {
		return
	}
	frame := f.queue[0]
	f.queue = f.queue[1:]
	f.inflight = true
	f.framed.Write(frame)
	f.ackTimer = time.AfterFunc(ackTimeout, f.onAckTimeout)
}

func (f *Forwarder) onAckTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inflight {
		return
	}
	// The frame is considered lost; it is not retried at this layer.
	f.logger.Warn("link ack timeout, frame lost")
	f.inflight = false
	f.ackTimer = nil
	f.drainLocked()
}

func (f *Forwarder) freeSlot(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackTimer != nil {
		f.ackTimer.Stop()
		f.ackTimer = nil
	}
	if !f.inflight {
		f.logger.Debug("unexpected link response", "reason", reason)
		return
	}
	f.inflight = false
	f.logger.Debug("send slot freed", "reason", reason)
	f.drainLocked()
}

// EnterPairMode switches the forwarder to pairing. Application sends are
// rejected until pairing finishes or ExitPairMode is called.
func (f *Forwarder) EnterPairMode() {
	f.mu.Lock()
	f.pairMode = true
	f.mu.Unlock()
	f.framed.Write([]byte{2, msgTypePair, pairEnter})
	f.logger.Info("entering pair mode")
	f.bus.Publish(events.TopicForwarderMode, events.ForwarderMode{Mode: f.Mode()})
}

func (f *Forwarder) ExitPairMode() {
	f.mu.Lock()
	f.pairMode = false
	f.mu.Unlock()
	f.framed.Write([]byte{2, msgTypePair, pairExit})
	f.logger.Info("exiting pair mode")
	f.bus.Publish(events.TopicForwarderMode, events.ForwarderMode{Mode: f.Mode()})
}

// Mode reports "pair" or "normal".
func (f *Forwarder) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairMode {
		return "pair"
	}
	return "normal"
}

// SetFake drops writes at the transport boundary, for tests.
func (f *Forwarder) SetFake(on bool) {
	f.framed.SetFake(on)
}

// Run supervises the transport: connect with backoff, push the network
// config, read frames until the link fails, repeat. The first connect
// error is returned to the caller so startup failures stay fatal.
func (f *Forwarder) Run(ctx context.Context) error {
	go f.consumeEvents(ctx)

	backoff := reconnectBackoffStart
	firstAttempt := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f.publishLinkStatus(events.LinkStateConnecting, nil)
		if err := f.tr.Connect(ctx); err != nil {
			if firstAttempt {
				return fmt.Errorf("connect bridge transport: %w", err)
			}
			f.publishLinkStatus(events.LinkStateReconnecting, err)
			f.logger.Error("transport connect failed", "error", err)
			if !sleepWithContext(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < reconnectBackoffMax {
				backoff *= 2
			}
			continue
		}

		firstAttempt = false
		backoff = reconnectBackoffStart
		f.publishLinkStatus(events.LinkStateConnected, nil)

		// The bridge bootloader needs a beat before it accepts config.
		configTimer := time.AfterFunc(configPushDelay, f.sendConfig)

		err := f.framed.Run(ctx)
		configTimer.Stop()
		_ = f.tr.Close()
		if ctx.Err() != nil {
			f.publishLinkStatus(events.LinkStateDisconnected, err)
			return ctx.Err()
		}
		f.publishLinkStatus(events.LinkStateReconnecting, err)

		if !sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		if backoff < reconnectBackoffMax {
			backoff *= 2
		}
	}
}

func (f *Forwarder) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.framed.Events():
			switch ev.Kind {
			case transport.EventFrame:
				f.handleFrame(ctx, ev.Payload)
			case transport.EventCRCError:
				f.logger.Warn("crc error frame discarded", "payload_len", len(ev.Payload))
			case transport.EventFramingError:
				f.logger.Warn("framing error on bridge stream")
			case transport.EventEscapeError:
				f.logger.Warn("escape error on bridge stream")
			}
		}
	}
}

func (f *Forwarder) handleFrame(ctx context.Context, payload []byte) {
	if len(payload) < 2 {
		f.logger.Warn("short link frame ignored", "len", len(payload))
		return
	}
	if int(payload[0]) != len(payload)-1 {
		f.logger.Warn("link frame length mismatch", "declared", payload[0], "actual", len(payload)-1)
		return
	}

	switch payload[1] {
	case msgTypeACK:
		f.freeSlot("ack")
	case msgTypeNACK:
		f.freeSlot("nack")
	case msgTypeConfig:
		f.logger.Info("bridge requested network config")
		f.sendConfig()
	case msgTypePair:
		f.handlePairFrame(ctx, payload)
	case msgTypeData:
		f.handleDataFrame(payload)
	default:
		f.logger.Warn("unknown link frame type", "type", payload[1])
	}
}

func (f *Forwarder) handleDataFrame(payload []byte) {
	if len(payload) < 6 {
		f.logger.Warn("short data frame ignored", "len", len(payload))
		return
	}
	if payload[2] != dataCtrl {
		f.logger.Warn("unexpected data control byte", "ctrl", payload[2])
		return
	}
	addr := uint16(payload[3]) | uint16(payload[4])<<8

	f.mu.Lock()
	pairing := f.pairMode
	f.mu.Unlock()
	if pairing && addr != session.BroadcastAddress {
		f.logger.Debug("data frame ignored in pair mode", "addr", addr)
		return
	}

	// The bridge appends LQI and RSSI after the MQTT-SN packet; the
	// packet's own length header tells us where they start.
	body := payload[5:]
	var lqi, rssi uint8
	if pktLen, err := snpacket.Length(body); err == nil && len(body) >= pktLen+2 {
		lqi = body[pktLen]
		rssi = body[pktLen+1]
		body = body[:pktLen]
	}

	f.bus.Publish(events.TopicForwarderData, events.ForwarderData{
		Addr:   addr,
		Packet: body,
		LQI:    lqi,
		RSSI:   rssi,
	})
}

func (f *Forwarder) handlePairFrame(ctx context.Context, payload []byte) {
	f.mu.Lock()
	pairing := f.pairMode
	f.mu.Unlock()
	if !pairing {
		f.logger.Debug("pair frame outside pair mode ignored")
		return
	}
	if len(payload) < 7 {
		f.logger.Warn("short pair frame ignored", "len", len(payload))
		return
	}
	ctrl := payload[2]
	addr := uint16(payload[3]) | uint16(payload[4])<<8
	subCmd := payload[5]
	randomID := payload[6]
	if ctrl != pairCtrlReq || addr != session.BroadcastAddress || subCmd != pairSubCmd {
		f.logger.Warn("malformed pair request ignored", "ctrl", ctrl, "addr", addr, "subcmd", subCmd)
		return
	}

	newAddr, err := f.store.NextDeviceAddress(ctx)
	if err != nil {
		// The device will retry or time out on its own.
		f.logger.Warn("pair request failed", "error", err)
		return
	}
	device := session.NewDevice(newAddr)
	if err := f.store.SaveDevice(ctx, device); err != nil {
		f.logger.Error("persist paired device failed", "error", err)
		return
	}

	resp := make([]byte, 0, 26)
	resp = append(resp, 25, msgTypePair, pairSubCmd, 0x00, 0x00, 21, pairSubCmd, randomID, byte(newAddr), f.netCfg.PANID)
	resp = append(resp, f.netCfg.Key[:]...)
	f.framed.Write(resp)
	f.logger.Info("device paired", "addr", newAddr, "random_id", randomID)

	f.ExitPairMode()
	f.bus.Publish(events.TopicDevicePaired, events.DeviceEvent{Device: device})
}

func (f *Forwarder) sendConfig() {
	frame := make([]byte, 0, 19)
	frame = append(frame, byte(2+len(f.netCfg.Key)), msgTypeConfig, f.netCfg.PANID)
	frame = append(frame, f.netCfg.Key[:]...)
	f.framed.Write(frame)
	f.logger.Debug("network config pushed", "pan_id", f.netCfg.PANID)
}

func (f *Forwarder) publishLinkStatus(state events.LinkState, err error) {
	status := events.LinkStatus{
		State:         state,
		TransportName: f.tr.Name(),
		Timestamp:     time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	f.bus.Publish(events.TopicLinkStatus, status)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
