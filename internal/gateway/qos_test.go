package gateway

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sngateway/internal/snpacket"
)

type qosRecorder struct {
	mu   sync.Mutex
	sent []snpacket.Packet
}

func (r *qosRecorder) send(addr uint16, p snpacket.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return nil
}

func (r *qosRecorder) packets() []snpacket.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snpacket.Packet(nil), r.sent...)
}

func newTestEngine(t *testing.T) (*qosEngine, *qosRecorder) {
	t.Helper()
	rec := &qosRecorder{}
	e := newQoSEngine(slog.New(slog.NewTextHandler(io.Discard, nil)), rec.send)
	e.retryTimeout = 20 * time.Millisecond
	return e, rec
}

func TestQoS0ResolvesImmediately(t *testing.T) {
	e, rec := newTestEngine(t)

	done, err := e.Deliver(5, snpacket.Publish{TopicID: 1, Data: []byte("x")}, 0)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("qos0 delivery error: %v", err)
		}
	default:
		t.Fatalf("qos0 delivery did not resolve immediately")
	}
	if got := rec.packets(); len(got) != 1 {
		t.Fatalf("sent %d packets, want 1", len(got))
	}
	if e.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", e.Pending())
	}
}

func TestQoS1RetriesThenTimesOut(t *testing.T) {
	e, rec := newTestEngine(t)

	done, err := e.Deliver(5, snpacket.Publish{TopicID: 1, Data: []byte("x")}, 1)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}

	select {
	case err := <-done:
		if err != ErrDeliveryTimeout {
			t.Fatalf("delivery error = %v, want ErrDeliveryTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery never resolved")
	}

	sent := rec.packets()
	if len(sent) != 1+qosMaxRetries {
		t.Fatalf("sent %d packets, want %d", len(sent), 1+qosMaxRetries)
	}
	if first := sent[0].(snpacket.Publish); first.Dup {
		t.Fatalf("first send has dup set")
	}
	for i, p := range sent[1:] {
		if !p.(snpacket.Publish).Dup {
			t.Fatalf("retry %d lacks dup flag", i+1)
		}
	}
	if e.Pending() != 0 {
		t.Fatalf("pending = %d after final timeout", e.Pending())
	}
}

func TestQoS1PubackStopsRetries(t *testing.T) {
	e, rec := newTestEngine(t)

	done, err := e.Deliver(5, snpacket.Publish{TopicID: 1, Data: []byte("x")}, 1)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	msgID := rec.packets()[0].(snpacket.Publish).MsgID

	e.HandlePuback(msgID, snpacket.Accepted)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("delivery error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("delivery never resolved")
	}

	time.Sleep(3 * e.retryTimeout)
	if got := rec.packets(); len(got) != 1 {
		t.Fatalf("sent %d packets after ack, want 1", len(got))
	}
}

func TestQoS1PubackRejection(t *testing.T) {
	e, rec := newTestEngine(t)

	done, err := e.Deliver(5, snpacket.Publish{TopicID: 1}, 1)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	msgID := rec.packets()[0].(snpacket.Publish).MsgID

	e.HandlePuback(msgID, snpacket.RejectedCongestion)

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("rejected delivery resolved without error")
		}
	case <-time.After(time.Second):
		t.Fatalf("delivery never resolved")
	}
}

func TestQoS2PubrecSendsPubrel(t *testing.T) {
	e, rec := newTestEngine(t)

	done, err := e.Deliver(5, snpacket.Publish{TopicID: 1, Data: []byte("x")}, 2)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	msgID := rec.packets()[0].(snpacket.Publish).MsgID

	e.HandlePubrec(msgID)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("delivery error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("delivery never resolved")
	}

	sent := rec.packets()
	if len(sent) != 2 {
		t.Fatalf("sent %d packets, want publish+pubrel", len(sent))
	}
	rel, ok := sent[1].(snpacket.Pubrel)
	if !ok {
		t.Fatalf("second packet = %T, want Pubrel", sent[1])
	}
	if rel.MsgID != msgID {
		t.Fatalf("pubrel msg id = %d, want %d", rel.MsgID, msgID)
	}
}

func TestMessageIDAllocationSmallestFree(t *testing.T) {
	e, _ := newTestEngine(t)
	e.retryTimeout = time.Minute

	for want := uint16(1); want <= 3; want++ {
		e.mu.Lock()
		got, err := e.nextMsgIDLocked()
		if err != nil {
			e.mu.Unlock()
			t.Fatalf("nextMsgIDLocked() error: %v", err)
		}
		e.pending[got] = &qosEntry{timer: time.NewTimer(time.Minute)}
		e.mu.Unlock()
		if got != want {
			t.Fatalf("allocated id %d, want %d", got, want)
		}
	}

	// Free the middle slot; it must be reused first.
	e.mu.Lock()
	delete(e.pending, 2)
	got, err := e.nextMsgIDLocked()
	e.mu.Unlock()
	if err != nil {
		t.Fatalf("nextMsgIDLocked() error: %v", err)
	}
	if got != 2 {
		t.Fatalf("allocated id %d, want 2", got)
	}
}

func TestMessageIDExhaustion(t *testing.T) {
	e, _ := newTestEngine(t)

	e.mu.Lock()
	for id := 1; id <= maxMessageID; id++ {
		e.pending[uint16(id)] = &qosEntry{}
	}
	_, err := e.nextMsgIDLocked()
	e.mu.Unlock()
	if err != ErrMsgIDExhausted {
		t.Fatalf("error = %v, want ErrMsgIDExhausted", err)
	}
}
