// Package monitor exposes the gateway's administrative surface as a
// JSON-over-MQTT RPC: state inspection on <prefix>/.../req topics with
// answers on the matching /res topics, plus push notifications for
// device lifecycle events.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"sngateway/internal/broker"
	"sngateway/internal/bus"
	"sngateway/internal/events"
	"sngateway/internal/session"
)

// PairController is the forwarder surface the monitor drives.
type PairController interface {
	EnterPairMode()
	ExitPairMode()
	Mode() string
}

type Monitor struct {
	logger *slog.Logger
	bus    bus.MessageBus
	store  session.Store
	broker broker.Client
	pair   PairController
	prefix string
}

func New(logger *slog.Logger, b bus.MessageBus, store session.Store, brokerClient broker.Client, pair PairController, prefix string) *Monitor {
	if prefix == "" {
		prefix = "gw"
	}
	return &Monitor{
		logger: logger,
		bus:    b,
		store:  store,
		broker: brokerClient,
		pair:   pair,
		prefix: prefix,
	}
}

type deviceDTO struct {
	ID             string    `json:"id"`
	Address        uint16    `json:"address"`
	Connected      bool      `json:"connected"`
	State          string    `json:"state"`
	WaitingPingres bool      `json:"waitingPingres"`
	LQI            uint8     `json:"lqi"`
	RSSI           uint8     `json:"rssi"`
	Duration       uint16    `json:"duration"`
	LastSeen       time.Time `json:"lastSeen"`
	WillTopic      string    `json:"willTopic,omitempty"`
}

func toDeviceDTO(d session.Device) deviceDTO {
	dto := deviceDTO{
		ID:             d.ID,
		Address:        d.Address,
		Connected:      d.Connected,
		State:          string(d.State),
		WaitingPingres: d.WaitingPingres,
		LQI:            d.LQI,
		RSSI:           d.RSSI,
		Duration:       d.Duration,
		LastSeen:       d.LastSeen,
	}
	if d.Will != nil {
		dto.WillTopic = d.Will.Topic
	}
	return dto
}

type subscriptionDTO struct {
	DeviceID  string `json:"deviceId"`
	TopicName string `json:"topicName"`
	QoS       uint8  `json:"qos"`
}

type topicDTO struct {
	DeviceID string `json:"deviceId"`
	ID       uint16 `json:"id"`
	Name     string `json:"name"`
}

type removeRequest struct {
	ID      string  `json:"id"`
	Address *uint16 `json:"address"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type modeResponse struct {
	Mode string `json:"mode"`
}

// Run wires the RPC topics and the push notifications, then blocks
// until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	handlers := map[string]broker.MessageHandler{
		m.topic("devices/req"):        m.onDevicesReq,
		m.topic("devices/remove/req"): m.onDeviceRemoveReq,
		m.topic("subscriptions/req"):  m.onSubscriptionsReq,
		m.topic("topics/req"):         m.onTopicsReq,
		m.topic("forwarder/enterpair"): func(string, []byte, uint16) {
			m.pair.EnterPairMode()
		},
		m.topic("forwarder/exitpair"): func(string, []byte, uint16) {
			m.pair.ExitPairMode()
		},
		m.topic("forwarder/mode/req"): m.onModeReq,
	}
	topics := make([]string, 0, len(handlers))
	for topic, h := range handlers {
		if err := m.broker.Subscribe(topic, 1, h); err != nil {
			return err
		}
		topics = append(topics, topic)
	}
	defer func() {
		if err := m.broker.Unsubscribe(topics...); err != nil {
			m.logger.Warn("monitor unsubscribe failed", "error", err)
		}
	}()

	connected := m.bus.Subscribe(events.TopicDeviceConnected)
	defer m.bus.Unsubscribe(connected, events.TopicDeviceConnected)
	disconnected := m.bus.Subscribe(events.TopicDeviceDisconnected)
	defer m.bus.Unsubscribe(disconnected, events.TopicDeviceDisconnected)
	paired := m.bus.Subscribe(events.TopicDevicePaired)
	defer m.bus.Unsubscribe(paired, events.TopicDevicePaired)
	mode := m.bus.Subscribe(events.TopicForwarderMode)
	defer m.bus.Unsubscribe(mode, events.TopicForwarderMode)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-connected:
			m.pushDevice("devices/connected", msg)
		case msg := <-disconnected:
			m.pushDevice("devices/disconnected", msg)
		case msg := <-paired:
			m.pushDevice("devices/paired", msg)
		case msg := <-mode:
			if ev, ok := msg.(events.ForwarderMode); ok {
				m.respond(m.topic("forwarder/mode/res"), modeResponse{Mode: ev.Mode})
			}
		}
	}
}

func (m *Monitor) topic(path string) string {
	return m.prefix + "/" + path
}

// resTopic maps a request topic to its response topic.
func resTopic(reqTopic string) string {
	return reqTopic[:len(reqTopic)-len("req")] + "res"
}

func (m *Monitor) respond(topicName string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("monitor response marshal failed", "topic", topicName, "error", err)
		return
	}
	if err := m.broker.Publish(topicName, 1, false, data); err != nil {
		m.logger.Warn("monitor response publish failed", "topic", topicName, "error", err)
	}
}

func (m *Monitor) onDevicesReq(topicName string, _ []byte, _ uint16) {
	devices, err := m.store.Devices(context.Background())
	if err != nil {
		m.logger.Error("device listing failed", "error", err)
		return
	}
	dtos := make([]deviceDTO, 0, len(devices))
	for _, d := range devices {
		dtos = append(dtos, toDeviceDTO(d))
	}
	m.respond(resTopic(topicName), dtos)
}

func (m *Monitor) onDeviceRemoveReq(topicName string, payload []byte, _ uint16) {
	var req removeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("malformed remove request", "error", err)
		m.respond(resTopic(topicName), successResponse{})
		return
	}

	var key session.DeviceKey
	switch {
	case req.ID != "":
		key = session.ByID(req.ID)
	case req.Address != nil:
		key = session.ByAddress(*req.Address)
	default:
		m.respond(resTopic(topicName), successResponse{})
		return
	}

	err := m.store.RemoveDevice(context.Background(), key)
	if err != nil && err != session.ErrNotFound {
		m.logger.Error("device removal failed", "key", key.String(), "error", err)
	}
	m.respond(resTopic(topicName), successResponse{Success: err == nil})
}

func (m *Monitor) onSubscriptionsReq(topicName string, _ []byte, _ uint16) {
	subs, err := m.store.Subscriptions(context.Background())
	if err != nil {
		m.logger.Error("subscription listing failed", "error", err)
		return
	}
	dtos := make([]subscriptionDTO, 0, len(subs))
	for _, s := range subs {
		dtos = append(dtos, subscriptionDTO{DeviceID: s.DeviceID, TopicName: s.TopicName, QoS: s.QoS})
	}
	m.respond(resTopic(topicName), dtos)
}

func (m *Monitor) onTopicsReq(topicName string, _ []byte, _ uint16) {
	topics, err := m.store.Topics(context.Background())
	if err != nil {
		m.logger.Error("topic listing failed", "error", err)
		return
	}
	dtos := make([]topicDTO, 0, len(topics))
	for _, t := range topics {
		dtos = append(dtos, topicDTO{DeviceID: t.DeviceID, ID: t.ID, Name: t.Name})
	}
	m.respond(resTopic(topicName), dtos)
}

func (m *Monitor) onModeReq(topicName string, _ []byte, _ uint16) {
	m.respond(resTopic(topicName), modeResponse{Mode: m.pair.Mode()})
}

func (m *Monitor) pushDevice(path string, msg any) {
	ev, ok := msg.(events.DeviceEvent)
	if !ok {
		return
	}
	m.respond(m.topic(path), toDeviceDTO(ev.Device))
}
