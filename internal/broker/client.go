// Package broker wraps the MQTT client used for the uplink to the real
// broker. The gateway talks to the Client interface so tests can swap in
// a fake.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const tokenTimeout = 10 * time.Second

// MessageHandler receives a message published on a subscribed topic.
// msgID is the broker-side MQTT message id, zero for QoS 0 traffic.
type MessageHandler func(topic string, payload []byte, msgID uint16)

// Client is the broker uplink surface the gateway depends on.
type Client interface {
	Connect(ctx context.Context) error
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Subscribe(topic string, qos byte, h MessageHandler) error
	Unsubscribe(topics ...string) error
	Close()
}

// PahoClient is the production Client backed by paho.mqtt.golang. It
// re-establishes its subscriptions after an auto-reconnect.
type PahoClient struct {
	logger *slog.Logger
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]subEntry
}

type subEntry struct {
	qos     byte
	handler MessageHandler
}

func NewPahoClient(logger *slog.Logger, brokerURL, clientID string) *PahoClient {
	if clientID == "" {
		clientID = "sngateway-" + uuid.NewString()[:8]
	}
	c := &PahoClient{
		logger: logger,
		subs:   make(map[string]subEntry),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("broker connection lost", "error", err)
		})
	c.client = mqtt.NewClient(opts)
	return c
}

func (c *PahoClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	return nil
}

func (c *PahoClient) onConnect(client mqtt.Client) {
	c.logger.Info("broker connected")
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, entry := range c.subs {
		entry := entry
		token := client.Subscribe(topic, entry.qos, func(_ mqtt.Client, msg mqtt.Message) {
			entry.handler(msg.Topic(), msg.Payload(), msg.MessageID())
		})
		go func(topic string) {
			if token.WaitTimeout(tokenTimeout) && token.Error() != nil {
				c.logger.Error("resubscribe failed", "topic", topic, "error", token.Error())
			}
		}(topic)
	}
}

func (c *PahoClient) Publish(topic string, qos byte, retain bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("publish %q: token timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

func (c *PahoClient) Subscribe(topic string, qos byte, h MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subEntry{qos: qos, handler: h}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload(), msg.MessageID())
	})
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("subscribe %q: token timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	return nil
}

func (c *PahoClient) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("unsubscribe: token timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (c *PahoClient) Close() {
	c.client.Disconnect(250)
}
