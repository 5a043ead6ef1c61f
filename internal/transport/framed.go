package transport

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"sngateway/internal/logging"
)

// EventKind discriminates framed endpoint events.
type EventKind int

const (
	// EventFrame is a fully decoded, CRC-verified payload.
	EventFrame EventKind = iota + 1
	// EventCRCError carries the CRC-stripped payload of a frame whose
	// checksum did not match.
	EventCRCError
	// EventFramingError reports a SLIP framing violation.
	EventFramingError
	// EventEscapeError reports an invalid SLIP escape sequence.
	EventEscapeError
)

// Event is a decode-path notification from a framed endpoint.
type Event struct {
	Kind    EventKind
	Payload []byte
}

const frameWriteTimeout = 5 * time.Second

// Framed layers the bridge wire format over a byte transport: outbound
// payloads get a CRC-16 trailer and SLIP encoding, inbound bytes are
// SLIP-decoded and CRC-checked. Writes are serialized: one frame is in
// flight at a time and the queue drains to empty before yielding.
type Framed struct {
	logger *slog.Logger
	tr     Transport
	events chan Event

	mu      sync.Mutex
	queue   [][]byte
	writing bool
	fake    bool
	ctx     context.Context
}

func NewFramed(logger *slog.Logger, tr Transport) *Framed {
	return &Framed{
		logger: logger,
		tr:     tr,
		events: make(chan Event, 64),
	}
}

// Events returns the decode event stream.
func (f *Framed) Events() <-chan Event {
	return f.events
}

// SetFake silently drops writes at the transport boundary. Queued frames
// are still considered sent so the queue keeps draining.
func (f *Framed) SetFake(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fake = on
}

// Write frames payload and queues it for transmission. The frame is
// dispatched immediately if the channel is idle.
func (f *Framed) Write(payload []byte) {
	frame := slipEncode(appendCRC(payload))

	f.mu.Lock()
	f.queue = append(f.queue, frame)
	if f.writing {
		f.mu.Unlock()
		return
	}
	f.writing = true
	ctx := f.ctx
	f.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go f.drain(ctx)
}

func (f *Framed) drain(ctx context.Context) {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.writing = false
			f.mu.Unlock()
			return
		}
		frame := f.queue[0]
		f.queue = f.queue[1:]
		fake := f.fake
		f.mu.Unlock()

		if fake {
			f.logger.Debug("fake write dropped", "frame_len", len(frame))
			continue
		}

		writeCtx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
		err := f.tr.Write(writeCtx, frame)
		cancel()
		if err != nil {
			f.logger.Warn("frame write failed", "frame_len", len(frame), "error", err)
			continue
		}
		f.logger.Log(ctx, logging.LevelTrace, "frame out", "hex", hex.EncodeToString(frame))
	}
}

// Run reads from the transport and decodes frames until the context ends
// or the transport fails. The caller owns transport Connect/Close.
func (f *Framed) Run(ctx context.Context) error {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()

	var dec slipDecoder
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.tr.Read(ctx, buf)
		if err != nil {
			return err
		}
		f.logger.Log(ctx, logging.LevelTrace, "bytes in", "hex", hex.EncodeToString(buf[:n]))

		for _, ev := range dec.feed(buf[:n]) {
			if !f.emit(ctx, f.translate(ev)) {
				return ctx.Err()
			}
		}
	}
}

func (f *Framed) translate(ev slipEvent) Event {
	switch ev.kind {
	case slipFramingViolation:
		f.logger.Warn("slip framing violation")
		return Event{Kind: EventFramingError}
	case slipEscapeViolation:
		f.logger.Warn("slip escape violation")
		return Event{Kind: EventEscapeError}
	}

	payload, ok := checkCRC(ev.frame)
	if !ok {
		f.logger.Warn("crc mismatch", "frame_len", len(ev.frame))
		return Event{Kind: EventCRCError, Payload: payload}
	}

	return Event{Kind: EventFrame, Payload: payload}
}

func (f *Framed) emit(ctx context.Context, ev Event) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
