package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"sngateway/internal/broker"
	"sngateway/internal/bus"
	"sngateway/internal/events"
	"sngateway/internal/session"
)

type fakeBroker struct {
	mu         sync.Mutex
	published  map[string][][]byte
	subscribed map[string]broker.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		published:  make(map[string][][]byte),
		subscribed: make(map[string]broker.MessageHandler),
	}
}

func (b *fakeBroker) Connect(ctx context.Context) error { return nil }

func (b *fakeBroker) Close() {}

func (b *fakeBroker) Publish(topic string, qos byte, retain bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *fakeBroker) Subscribe(topic string, qos byte, h broker.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[topic] = h
	return nil
}

func (b *fakeBroker) Unsubscribe(topics ...string) error { return nil }

// request invokes the handler registered for topic and returns the
// first response published on resTopic.
func (b *fakeBroker) request(t *testing.T, topic, resTopic string, payload []byte) []byte {
	t.Helper()
	b.mu.Lock()
	h, ok := b.subscribed[topic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no handler subscribed for %q", topic)
	}
	h(topic, payload, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		msgs := b.published[resTopic]
		b.mu.Unlock()
		if len(msgs) > 0 {
			return msgs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response on %q", resTopic)
	return nil
}

func (b *fakeBroker) waitPublish(t *testing.T, topic string) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		msgs := b.published[topic]
		b.mu.Unlock()
		if len(msgs) > 0 {
			return msgs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nothing published on %q", topic)
	return nil
}

type fakePair struct {
	mu      sync.Mutex
	mode    string
	entered int
	exited  int
}

func (p *fakePair) EnterPairMode() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = "pair"
	p.entered++
}

func (p *fakePair) ExitPairMode() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = "normal"
	p.exited++
}

func (p *fakePair) Mode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == "" {
		return "normal"
	}
	return p.mode
}

func startMonitor(t *testing.T) (*fakeBroker, *fakePair, *session.MemoryStore, bus.MessageBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	store := session.NewMemoryStore()
	brk := newFakeBroker()
	pair := &fakePair{}

	m := New(logger, b, store, brk, pair, "gw")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Run(ctx) }()

	// Wait until the RPC topics are wired.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		brk.mu.Lock()
		n := len(brk.subscribed)
		brk.mu.Unlock()
		if n >= 7 {
			return brk, pair, store, b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor never subscribed its topics")
	return nil, nil, nil, nil
}

func TestDevicesRequest(t *testing.T) {
	brk, _, store, _ := startMonitor(t)
	ctx := context.Background()
	dev := session.NewDevice(3)
	dev.Connected = true
	dev.State = session.StateActive
	if err := store.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("SaveDevice() error: %v", err)
	}

	resp := brk.request(t, "gw/devices/req", "gw/devices/res", nil)

	var got []deviceDTO
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("response unmarshal error: %v", err)
	}
	if len(got) != 1 || got[0].Address != 3 || got[0].State != "active" {
		t.Fatalf("devices response = %+v", got)
	}
}

func TestDeviceRemoveRequest(t *testing.T) {
	brk, _, store, _ := startMonitor(t)
	ctx := context.Background()
	if err := store.SaveDevice(ctx, session.NewDevice(3)); err != nil {
		t.Fatalf("SaveDevice() error: %v", err)
	}

	resp := brk.request(t, "gw/devices/remove/req", "gw/devices/remove/res", []byte(`{"address":3}`))

	var got successResponse
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("response unmarshal error: %v", err)
	}
	if !got.Success {
		t.Fatalf("remove response = %+v, want success", got)
	}
	if _, err := store.Device(ctx, session.ByAddress(3)); err != session.ErrNotFound {
		t.Fatalf("device still present: %v", err)
	}
}

func TestSubscriptionsAndTopicsRequests(t *testing.T) {
	brk, _, store, _ := startMonitor(t)
	ctx := context.Background()
	dev := session.NewDevice(3)
	if err := store.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("SaveDevice() error: %v", err)
	}
	if _, err := store.EnsureTopic(ctx, session.ByAddress(3), "a/b"); err != nil {
		t.Fatalf("EnsureTopic() error: %v", err)
	}
	if err := store.SaveSubscription(ctx, session.ByAddress(3), "a/b", 1); err != nil {
		t.Fatalf("SaveSubscription() error: %v", err)
	}

	subsResp := brk.request(t, "gw/subscriptions/req", "gw/subscriptions/res", nil)
	var subs []subscriptionDTO
	if err := json.Unmarshal(subsResp, &subs); err != nil {
		t.Fatalf("subscriptions unmarshal error: %v", err)
	}
	if len(subs) != 1 || subs[0].TopicName != "a/b" || subs[0].QoS != 1 {
		t.Fatalf("subscriptions response = %+v", subs)
	}

	topicsResp := brk.request(t, "gw/topics/req", "gw/topics/res", nil)
	var topics []topicDTO
	if err := json.Unmarshal(topicsResp, &topics); err != nil {
		t.Fatalf("topics unmarshal error: %v", err)
	}
	if len(topics) != 1 || topics[0].Name != "a/b" {
		t.Fatalf("topics response = %+v", topics)
	}
}

func TestPairModeControl(t *testing.T) {
	brk, pair, _, _ := startMonitor(t)

	brk.mu.Lock()
	enter := brk.subscribed["gw/forwarder/enterpair"]
	exit := brk.subscribed["gw/forwarder/exitpair"]
	brk.mu.Unlock()

	enter("gw/forwarder/enterpair", nil, 0)
	resp := brk.request(t, "gw/forwarder/mode/req", "gw/forwarder/mode/res", nil)
	var got modeResponse
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("mode unmarshal error: %v", err)
	}
	if got.Mode != "pair" {
		t.Fatalf("mode = %q, want pair", got.Mode)
	}

	exit("gw/forwarder/exitpair", nil, 0)
	pair.mu.Lock()
	entered, exited := pair.entered, pair.exited
	pair.mu.Unlock()
	if entered != 1 || exited != 1 {
		t.Fatalf("pair transitions = %d/%d, want 1/1", entered, exited)
	}
}

func TestDeviceLifecyclePush(t *testing.T) {
	brk, _, _, b := startMonitor(t)
	dev := session.NewDevice(4)
	dev.Connected = true
	dev.State = session.StateActive

	b.Publish(events.TopicDeviceConnected, events.DeviceEvent{Device: dev})

	payload := brk.waitPublish(t, "gw/devices/connected")
	var got deviceDTO
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("push unmarshal error: %v", err)
	}
	if got.Address != 4 || !got.Connected {
		t.Fatalf("pushed device = %+v", got)
	}
}
