package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	tunnelConnectTimeout = 10 * time.Second
	// The tunnel rides an unreliable last-mile network, so both
	// directions use QoS 2.
	tunnelQoS = 2
)

// MQTTTransport tunnels bridge bytes through an MQTT broker as base64
// payloads: outbound chunks are published on <base>/bridge/in, inbound
// chunks arrive on <base>/bridge/out.
type MQTTTransport struct {
	brokerURL string
	baseTopic string

	mu     sync.Mutex
	client mqtt.Client
	rx     chan []byte
	rest   []byte
}

func NewMQTTTransport(brokerURL, baseTopic string) *MQTTTransport {
	return &MQTTTransport{
		brokerURL: brokerURL,
		baseTopic: baseTopic,
		rx:        make(chan []byte, 64),
	}
}

func (t *MQTTTransport) Name() string {
	return "mqtt"
}

func (t *MQTTTransport) inTopic() string  { return t.baseTopic + "/bridge/in" }
func (t *MQTTTransport) outTopic() string { return t.baseTopic + "/bridge/out" }

func (t *MQTTTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil && t.client.IsConnected() {
		return nil
	}

	logger := transportLogger("mqtt", "broker", t.brokerURL, "base", t.baseTopic)

	opts := mqtt.NewClientOptions().
		AddBroker(t.brokerURL).
		SetClientID("sngateway-tunnel-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(tunnelConnectTimeout) {
		return errors.New("tunnel connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect tunnel broker: %w", err)
	}

	sub := client.Subscribe(t.outTopic(), tunnelQoS, func(_ mqtt.Client, msg mqtt.Message) {
		raw, err := base64.StdEncoding.DecodeString(string(msg.Payload()))
		if err != nil {
			logger.Warn("tunnel payload is not base64", "error", err)
			return
		}
		select {
		case t.rx <- raw:
		default:
			logger.Warn("tunnel receive buffer full, chunk dropped", "len", len(raw))
		}
	})
	if !sub.WaitTimeout(tunnelConnectTimeout) || sub.Error() != nil {
		client.Disconnect(0)
		return fmt.Errorf("subscribe tunnel topic: %w", sub.Error())
	}

	t.client = client
	logger.Info("tunnel connected")

	return ctx.Err()
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	t.client.Disconnect(250)
	t.client = nil
	return nil
}

func (t *MQTTTransport) Read(ctx context.Context, p []byte) (int, error) {
	t.mu.Lock()
	rest := t.rest
	t.rest = nil
	t.mu.Unlock()

	if len(rest) == 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case chunk, ok := <-t.rx:
			if !ok {
				return 0, errors.New("tunnel closed")
			}
			rest = chunk
		}
	}

	n := copy(p, rest)
	if n < len(rest) {
		t.mu.Lock()
		t.rest = rest[n:]
		t.mu.Unlock()
	}
	return n, nil
}

func (t *MQTTTransport) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return errors.New("transport is not connected")
	}

	encoded := base64.StdEncoding.EncodeToString(p)
	token := client.Publish(t.inTopic(), tunnelQoS, false, encoded)

	deadline := tunnelConnectTimeout
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		return errors.New("tunnel publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish tunnel chunk: %w", err)
	}
	return nil
}
