package forwarder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"sngateway/internal/bus"
	"sngateway/internal/events"
	"sngateway/internal/session"
)

// captureTransport records every frame written to the wire.
type captureTransport struct {
	writes chan []byte
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{writes: make(chan []byte, 32)}
}

func (c *captureTransport) Name() string { return "capture" }

func (c *captureTransport) Connect(ctx context.Context) error { return nil }

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) Read(ctx context.Context, p []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (c *captureTransport) Write(ctx context.Context, p []byte) error {
	c.writes <- append([]byte(nil), p...)
	return nil
}

func waitWire(t *testing.T, c *captureTransport) []byte {
	t.Helper()
	select {
	case frame := <-c.writes:
		return unwrapWire(t, frame)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a wire frame")
		return nil
	}
}

func expectNoWire(t *testing.T, c *captureTransport) {
	t.Helper()
	select {
	case frame := <-c.writes:
		t.Fatalf("unexpected wire frame %x", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

// unwrapWire reverses SLIP encoding and strips the CRC trailer.
func unwrapWire(t *testing.T, wire []byte) []byte {
	t.Helper()
	var out []byte
	esc := false
	for _, b := range wire {
		switch {
		case b == 0xC0:
		case esc && b == 0xDC:
			out = append(out, 0xC0)
			esc = false
		case esc && b == 0xDD:
			out = append(out, 0xDB)
			esc = false
		case b == 0xDB:
			esc = true
		default:
			out = append(out, b)
		}
	}
	if len(out) < 2 {
		t.Fatalf("wire frame too short: %x", wire)
	}
	return out[:len(out)-2]
}

func newTestForwarder(t *testing.T) (*Forwarder, *captureTransport, *session.MemoryStore, bus.MessageBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := newCaptureTransport()
	store := session.NewMemoryStore()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	var key [16]byte
	for i := range key {
		key[i] = byte(i)
	}
	f := New(logger, b, tr, store, Config{PANID: 7, Key: key})
	return f, tr, store, b
}

func TestSendFramesPacket(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)

	if err := f.Send(0x0102, []byte{0x02, 0x16}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got := waitWire(t, tr)
	want := []byte{6, 0xFE, 0x01, 0x02, 0x01, 0x02, 0x16}
	if !bytes.Equal(got, want) {
		t.Fatalf("data frame = %x, want %x", got, want)
	}
}

func TestStopAndWaitHoldsSecondFrame(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)
	ctx := context.Background()

	if err := f.Send(1, []byte{0x02, 0x16}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := f.Send(2, []byte{0x02, 0x17}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	first := waitWire(t, tr)
	if first[3] != 1 {
		t.Fatalf("first frame addr = %d, want 1", first[3])
	}
	expectNoWire(t, tr)

	f.handleFrame(ctx, []byte{1, msgTypeACK})

	second := waitWire(t, tr)
	if second[3] != 2 {
		t.Fatalf("second frame addr = %d, want 2", second[3])
	}
}

func TestNACKFreesSlotWithoutRetry(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)
	ctx := context.Background()

	if err := f.Send(1, []byte{0x02, 0x16}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := f.Send(2, []byte{0x02, 0x17}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitWire(t, tr)

	f.handleFrame(ctx, []byte{1, msgTypeNACK})

	// The NACKed frame must not reappear; only the queued one follows.
	next := waitWire(t, tr)
	if next[3] != 2 {
		t.Fatalf("frame after nack addr = %d, want 2", next[3])
	}
	expectNoWire(t, tr)
}

func TestAckTimeoutFreesSlot(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)

	if err := f.Send(1, []byte{0x02, 0x16}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := f.Send(2, []byte{0x02, 0x17}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitWire(t, tr)
	expectNoWire(t, tr)

	f.onAckTimeout()

	next := waitWire(t, tr)
	if next[3] != 2 {
		t.Fatalf("frame after timeout addr = %d, want 2", next[3])
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)
	ctx := context.Background()

	// One in flight plus a full queue, then one over the limit.
	for i := 0; i < queueCapacity+2; i++ {
		if err := f.Send(uint16(i+1), []byte{0x02, 0x16}); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}

	sent := 0
	for {
		select {
		case <-tr.writes:
			sent++
			f.handleFrame(ctx, []byte{1, msgTypeACK})
		case <-time.After(200 * time.Millisecond):
			if want := queueCapacity + 1; sent != want {
				t.Fatalf("frames sent = %d, want %d", sent, want)
			}
			return
		}
	}
}

func TestSendRejectedInPairMode(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)

	f.EnterPairMode()
	enter := waitWire(t, tr)
	if want := []byte{2, msgTypePair, pairEnter}; !bytes.Equal(enter, want) {
		t.Fatalf("enter frame = %x, want %x", enter, want)
	}
	if mode := f.Mode(); mode != "pair" {
		t.Fatalf("Mode() = %q, want %q", mode, "pair")
	}

	if err := f.Send(1, []byte{0x02, 0x16}); err != ErrPairMode {
		t.Fatalf("Send() error = %v, want ErrPairMode", err)
	}

	f.ExitPairMode()
	exit := waitWire(t, tr)
	if want := []byte{2, msgTypePair, pairExit}; !bytes.Equal(exit, want) {
		t.Fatalf("exit frame = %x, want %x", exit, want)
	}
	if mode := f.Mode(); mode != "normal" {
		t.Fatalf("Mode() = %q, want %q", mode, "normal")
	}
}

func TestPairRequestAssignsAddress(t *testing.T) {
	f, tr, store, b := newTestForwarder(t)
	ctx := context.Background()
	paired := b.Subscribe(events.TopicDevicePaired)

	f.EnterPairMode()
	waitWire(t, tr) // enter frame

	f.handleFrame(ctx, []byte{6, msgTypePair, pairCtrlReq, 0x00, 0x00, pairSubCmd, 0x42})

	resp := waitWire(t, tr)
	want := []byte{25, msgTypePair, pairSubCmd, 0x00, 0x00, 21, pairSubCmd, 0x42, 1, 7}
	for i := 0; i < 16; i++ {
		want = append(want, byte(i))
	}
	if !bytes.Equal(resp, want) {
		t.Fatalf("pair response = %x, want %x", resp, want)
	}

	// Pairing completion leaves pair mode on its own.
	exit := waitWire(t, tr)
	if want := []byte{2, msgTypePair, pairExit}; !bytes.Equal(exit, want) {
		t.Fatalf("exit frame = %x, want %x", exit, want)
	}
	if mode := f.Mode(); mode != "normal" {
		t.Fatalf("Mode() after pairing = %q, want %q", mode, "normal")
	}

	dev, err := store.Device(ctx, session.ByAddress(1))
	if err != nil {
		t.Fatalf("Device(addr 1) error: %v", err)
	}
	if dev.State != session.StateDisconnected {
		t.Fatalf("paired device state = %q, want %q", dev.State, session.StateDisconnected)
	}

	select {
	case msg := <-paired:
		ev, ok := msg.(events.DeviceEvent)
		if !ok {
			t.Fatalf("paired event type = %T", msg)
		}
		if ev.Device.Address != 1 {
			t.Fatalf("paired event addr = %d, want 1", ev.Device.Address)
		}
	case <-time.After(time.Second):
		t.Fatalf("no device paired event")
	}
}

func TestPairRequestIgnoredOutsidePairMode(t *testing.T) {
	f, tr, store, _ := newTestForwarder(t)
	ctx := context.Background()

	f.handleFrame(ctx, []byte{6, msgTypePair, pairCtrlReq, 0x00, 0x00, pairSubCmd, 0x42})

	expectNoWire(t, tr)
	if _, err := store.Device(ctx, session.ByAddress(1)); err != session.ErrNotFound {
		t.Fatalf("Device() error = %v, want ErrNotFound", err)
	}
}

func TestMalformedPairRequestIgnored(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)
	ctx := context.Background()

	f.EnterPairMode()
	waitWire(t, tr)

	// Non-zero source address.
	f.handleFrame(ctx, []byte{6, msgTypePair, pairCtrlReq, 0x05, 0x00, pairSubCmd, 0x42})
	expectNoWire(t, tr)
	if mode := f.Mode(); mode != "pair" {
		t.Fatalf("Mode() = %q, want %q", mode, "pair")
	}
}

func TestConfigRequestPushesConfig(t *testing.T) {
	f, tr, _, _ := newTestForwarder(t)
	ctx := context.Background()

	f.handleFrame(ctx, []byte{1, msgTypeConfig})

	got := waitWire(t, tr)
	want := []byte{18, msgTypeConfig, 7}
	for i := 0; i < 16; i++ {
		want = append(want, byte(i))
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("config frame = %x, want %x", got, want)
	}
}

func TestDataFramePublishesWithMetrics(t *testing.T) {
	f, _, _, b := newTestForwarder(t)
	ctx := context.Background()
	data := b.Subscribe(events.TopicForwarderData)

	// PINGREQ plus trailing LQI and RSSI bytes.
	f.handleFrame(ctx, []byte{8, msgTypeData, 0x01, 0x05, 0x00, 0x02, 0x16, 200, 180})

	select {
	case msg := <-data:
		ev, ok := msg.(events.ForwarderData)
		if !ok {
			t.Fatalf("data event type = %T", msg)
		}
		if ev.Addr != 5 {
			t.Fatalf("addr = %d, want 5", ev.Addr)
		}
		if !bytes.Equal(ev.Packet, []byte{0x02, 0x16}) {
			t.Fatalf("packet = %x, want 0216", ev.Packet)
		}
		if ev.LQI != 200 || ev.RSSI != 180 {
			t.Fatalf("metrics = %d/%d, want 200/180", ev.LQI, ev.RSSI)
		}
	case <-time.After(time.Second):
		t.Fatalf("no forwarder data event")
	}
}

func TestDataFrameWithoutMetrics(t *testing.T) {
	f, _, _, b := newTestForwarder(t)
	ctx := context.Background()
	data := b.Subscribe(events.TopicForwarderData)

	f.handleFrame(ctx, []byte{6, msgTypeData, 0x01, 0x05, 0x00, 0x02, 0x16})

	select {
	case msg := <-data:
		ev := msg.(events.ForwarderData)
		if !bytes.Equal(ev.Packet, []byte{0x02, 0x16}) {
			t.Fatalf("packet = %x, want 0216", ev.Packet)
		}
		if ev.LQI != 0 || ev.RSSI != 0 {
			t.Fatalf("metrics = %d/%d, want 0/0", ev.LQI, ev.RSSI)
		}
	case <-time.After(time.Second):
		t.Fatalf("no forwarder data event")
	}
}

func TestLengthMismatchIgnored(t *testing.T) {
	f, _, _, b := newTestForwarder(t)
	ctx := context.Background()
	data := b.Subscribe(events.TopicForwarderData)

	f.handleFrame(ctx, []byte{9, msgTypeData, 0x01, 0x05, 0x00, 0x02, 0x16})

	select {
	case msg := <-data:
		t.Fatalf("unexpected event %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
