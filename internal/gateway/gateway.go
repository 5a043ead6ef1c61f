// Package gateway implements the MQTT-SN session state machine: it
// decodes device packets coming off the link layer, drives per-device
// connect/sleep/keep-alive transitions, translates publishes and
// subscriptions to the upstream broker, and runs the QoS delivery
// engine for broker→device traffic.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sngateway/internal/broker"
	"sngateway/internal/bus"
	"sngateway/internal/events"
	"sngateway/internal/session"
	"sngateway/internal/snpacket"
)

const (
	subscribeSettleDelay = 500 * time.Millisecond
	pubrelWaitTimeout    = 15 * time.Second
	advertiseInterval    = 15 * time.Minute
	advertisePeriodSecs  = 900

	// maxDevicePayload is the radio frame budget for broker→device
	// publishes; anything longer is dropped.
	maxDevicePayload = 100
)

// Sender pushes a raw MQTT-SN packet toward a device address. The
// forwarder satisfies this.
type Sender interface {
	Send(addr uint16, packet []byte) error
}

// Options are the gateway's protocol policies. ReconnectLostOnPing and
// ConnectOnSleep are extensions beyond MQTT-SN proper and can be turned
// off individually.
type Options struct {
	GatewayID uint8
	// AllowUnknown admits CONNECT from addresses that were never paired.
	AllowUnknown bool
	// ReconnectLostOnPing resurrects a lost device when it pings.
	ReconnectLostOnPing bool
	// ConnectOnSleep lets a sleep request from a disconnected device
	// count as a reconnect.
	ConnectOnSleep bool
}

// willCollect is the state of a connect-with-will handshake between
// WILLTOPICREQ and WILLMSG.
type willCollect struct {
	device session.Device
	will   session.Will
}

type pubrelKey struct {
	addr  uint16
	msgID uint16
}

// Gateway handlers are serialized by a single mutex, so in-memory
// session decisions never race; the store is the durable truth.
type Gateway struct {
	logger *slog.Logger
	bus    bus.MessageBus
	store  session.Store
	broker broker.Client
	sender Sender
	opts   Options

	decoder *snpacket.Decoder
	qos     *qosEngine

	// settleDelay is a field so tests can shorten the clock.
	settleDelay time.Duration

	mu           sync.Mutex
	pendingWills map[uint16]*willCollect
	pubrelWait   map[pubrelKey]*time.Timer
}

func New(logger *slog.Logger, b bus.MessageBus, store session.Store, brokerClient broker.Client, sender Sender, opts Options) *Gateway {
	g := &Gateway{
		logger:       logger,
		bus:          b,
		store:        store,
		broker:       brokerClient,
		sender:       sender,
		opts:         opts,
		decoder:      snpacket.NewDecoder(),
		settleDelay:  subscribeSettleDelay,
		pendingWills: make(map[uint16]*willCollect),
		pubrelWait:   make(map[pubrelKey]*time.Timer),
	}
	g.qos = newQoSEngine(logger, g.sendPacket)
	return g
}

// Run consumes link frames off the bus and drives the keep-alive and
// advertise timers until the context ends.
func (g *Gateway) Run(ctx context.Context) error {
	frames := g.bus.Subscribe(events.TopicForwarderData)
	defer g.bus.Unsubscribe(frames, events.TopicForwarderData)

	keepAlive := time.NewTicker(keepAliveTick)
	defer keepAlive.Stop()
	advertise := time.NewTicker(advertiseInterval)
	defer advertise.Stop()

	g.sendAdvertise()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-frames:
			fd, ok := msg.(events.ForwarderData)
			if !ok {
				continue
			}
			g.HandleFrame(ctx, fd)
		case <-keepAlive.C:
			g.keepAliveTick(ctx)
		case <-advertise.C:
			g.sendAdvertise()
		}
	}
}

// HandleFrame decodes and dispatches one application frame from a
// device.
func (g *Gateway) HandleFrame(ctx context.Context, fd events.ForwarderData) {
	pkt, err := g.decoder.Decode(fd.Packet)
	if err != nil {
		g.logger.Warn("undecodable packet", "addr", fd.Addr, "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Debug("packet in", "addr", fd.Addr, "cmd", pkt.Type().String())
	g.touch(ctx, fd)

	switch p := pkt.(type) {
	case snpacket.SearchGW:
		g.handleSearchGW(fd.Addr)
	case snpacket.Connect:
		g.handleConnect(ctx, fd, p)
	case snpacket.Disconnect:
		g.handleDisconnect(ctx, fd, p)
	case snpacket.Pingreq:
		g.handlePingreq(ctx, fd)
	case snpacket.Pingresp:
		g.handlePingresp(ctx, fd.Addr)
	case snpacket.Subscribe:
		g.handleSubscribe(ctx, fd.Addr, p)
	case snpacket.Unsubscribe:
		g.handleUnsubscribe(ctx, fd.Addr, p)
	case snpacket.Register:
		g.handleRegister(ctx, fd.Addr, p)
	case snpacket.Publish:
		g.handlePublish(ctx, fd.Addr, p)
	case snpacket.Pubrel:
		g.handlePubrel(fd.Addr, p.MsgID)
	case snpacket.Puback:
		g.qos.HandlePuback(p.MsgID, p.ReturnCode)
	case snpacket.Pubrec:
		g.qos.HandlePubrec(p.MsgID)
	case snpacket.Pubcomp:
		g.qos.HandlePubcomp(p.MsgID)
	case snpacket.WillTopic:
		g.handleWillTopic(fd.Addr, p)
	case snpacket.WillMsg:
		g.handleWillMsg(ctx, fd.Addr, p)
	case snpacket.WillTopicUpd:
		g.handleWillTopicUpd(ctx, fd.Addr, p)
	case snpacket.WillMsgUpd:
		g.handleWillMsgUpd(ctx, fd.Addr, p)
	case snpacket.Advertise, snpacket.GWInfo, snpacket.Connack,
		snpacket.WillTopicReq, snpacket.WillMsgReq, snpacket.Regack,
		snpacket.Suback, snpacket.Unsuback, snpacket.WillTopicResp,
		snpacket.WillMsgResp:
		g.logger.Warn("gateway-bound command from device ignored", "addr", fd.Addr, "cmd", pkt.Type().String())
	default:
		g.logger.Warn("unhandled command", "addr", fd.Addr, "cmd", pkt.Type().String())
	}
}

// touch refreshes keep-alive metrics for an already connected device.
func (g *Gateway) touch(ctx context.Context, fd events.ForwarderData) {
	dev, err := g.store.Device(ctx, session.ByAddress(fd.Addr))
	if err != nil || !dev.Connected {
		return
	}
	dev.LastSeen = time.Now()
	dev.LQI = fd.LQI
	dev.RSSI = fd.RSSI
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("refresh device metrics failed", "addr", fd.Addr, "error", err)
	}
}

func (g *Gateway) sendPacket(addr uint16, p snpacket.Packet) error {
	g.logger.Debug("packet out", "addr", addr, "cmd", p.Type().String())
	return g.sender.Send(addr, snpacket.Marshal(p))
}

// reply logs instead of propagating: a failed reply must not abort the
// session transition that was already committed.
func (g *Gateway) reply(addr uint16, p snpacket.Packet) {
	if err := g.sendPacket(addr, p); err != nil {
		g.logger.Warn("reply send failed", "addr", addr, "cmd", p.Type().String(), "error", err)
	}
}

func (g *Gateway) sendAdvertise() {
	g.reply(session.BroadcastAddress, snpacket.Advertise{
		GatewayID: g.opts.GatewayID,
		Duration:  advertisePeriodSecs,
	})
}

func (g *Gateway) handleSearchGW(addr uint16) {
	g.reply(addr, snpacket.GWInfo{GatewayID: g.opts.GatewayID})
}

func (g *Gateway) handleConnect(ctx context.Context, fd events.ForwarderData, p snpacket.Connect) {
	dev, err := g.store.Device(ctx, session.ByAddress(fd.Addr))
	switch {
	case err == session.ErrNotFound:
		if !g.opts.AllowUnknown {
			g.logger.Warn("connect from unknown device rejected", "addr", fd.Addr, "client_id", p.ClientID)
			g.reply(fd.Addr, snpacket.Connack{ReturnCode: snpacket.RejectedNotSupported})
			return
		}
		dev = session.NewDevice(fd.Addr)
	case err != nil:
		g.logger.Error("device lookup failed", "addr", fd.Addr, "error", err)
		return
	}

	if p.CleanSession {
		dev.Will = nil
		if err := g.store.RemoveDeviceSubscriptions(ctx, session.ByAddress(fd.Addr)); err != nil && err != session.ErrNotFound {
			g.logger.Error("clean session wipe failed", "addr", fd.Addr, "error", err)
			return
		}
	}

	dev.Connected = true
	dev.State = session.StateActive
	dev.WaitingPingres = false
	dev.Duration = p.Duration
	dev.LastSeen = time.Now()
	dev.LQI = fd.LQI
	dev.RSSI = fd.RSSI

	if p.Will {
		g.pendingWills[fd.Addr] = &willCollect{device: dev}
		g.reply(fd.Addr, snpacket.WillTopicReq{})
		return
	}

	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist connect failed", "addr", fd.Addr, "error", err)
		return
	}
	g.reply(fd.Addr, snpacket.Connack{ReturnCode: snpacket.Accepted})
	g.bus.Publish(events.TopicDeviceConnected, events.DeviceEvent{Device: dev})
}

func (g *Gateway) handleWillTopic(addr uint16, p snpacket.WillTopic) {
	pending, ok := g.pendingWills[addr]
	if !ok {
		g.logger.Warn("willtopic without pending connect", "addr", addr)
		return
	}
	pending.will.Topic = p.Topic
	pending.will.QoS = p.QoS
	pending.will.Retain = p.Retain
	g.reply(addr, snpacket.WillMsgReq{})
}

func (g *Gateway) handleWillMsg(ctx context.Context, addr uint16, p snpacket.WillMsg) {
	pending, ok := g.pendingWills[addr]
	if !ok {
		g.logger.Warn("willmsg without pending connect", "addr", addr)
		return
	}
	delete(g.pendingWills, addr)

	pending.will.Message = p.Message
	dev := pending.device
	will := pending.will
	dev.Will = &will
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist connect failed", "addr", addr, "error", err)
		return
	}
	g.reply(addr, snpacket.Connack{ReturnCode: snpacket.Accepted})
	g.bus.Publish(events.TopicDeviceConnected, events.DeviceEvent{Device: dev})
}

func (g *Gateway) handleWillTopicUpd(ctx context.Context, addr uint16, p snpacket.WillTopicUpd) {
	dev, err := g.store.Device(ctx, session.ByAddress(addr))
	if err != nil || !dev.Connected {
		g.logger.Warn("willtopicupd from unconnected device", "addr", addr)
		return
	}
	if p.Topic == "" {
		dev.Will = nil
	} else {
		if dev.Will == nil {
			dev.Will = &session.Will{}
		}
		dev.Will.Topic = p.Topic
		dev.Will.QoS = p.QoS
		dev.Will.Retain = p.Retain
	}
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist will update failed", "addr", addr, "error", err)
		return
	}
	g.reply(addr, snpacket.WillTopicResp{ReturnCode: snpacket.Accepted})
}

func (g *Gateway) handleWillMsgUpd(ctx context.Context, addr uint16, p snpacket.WillMsgUpd) {
	dev, err := g.store.Device(ctx, session.ByAddress(addr))
	if err != nil || !dev.Connected {
		g.logger.Warn("willmsgupd from unconnected device", "addr", addr)
		return
	}
	if dev.Will == nil {
		dev.Will = &session.Will{}
	}
	dev.Will.Message = p.Message
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist will update failed", "addr", addr, "error", err)
		return
	}
	g.reply(addr, snpacket.WillMsgResp{ReturnCode: snpacket.Accepted})
}

func (g *Gateway) handleDisconnect(ctx context.Context, fd events.ForwarderData, p snpacket.Disconnect) {
	dev, err := g.store.Device(ctx, session.ByAddress(fd.Addr))
	if err != nil {
		g.logger.Warn("disconnect from unknown device", "addr", fd.Addr)
		return
	}

	if p.HasDuration {
		wasConnected := dev.Connected
		dev.Connected = true
		dev.State = session.StateAsleep
		dev.Duration = p.Duration
		dev.LastSeen = time.Now()
		dev.LQI = fd.LQI
		dev.RSSI = fd.RSSI
		if err := g.store.SaveDevice(ctx, dev); err != nil {
			g.logger.Error("persist sleep failed", "addr", fd.Addr, "error", err)
			return
		}
		g.reply(fd.Addr, snpacket.Disconnect{})
		if !wasConnected && g.opts.ConnectOnSleep {
			g.bus.Publish(events.TopicDeviceConnected, events.DeviceEvent{Device: dev})
		}
		g.logger.Info("device asleep", "addr", fd.Addr, "duration_s", p.Duration)
		return
	}

	dev.Connected = false
	dev.State = session.StateDisconnected
	dev.WaitingPingres = false
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist disconnect failed", "addr", fd.Addr, "error", err)
		return
	}
	g.reply(fd.Addr, snpacket.Disconnect{})
	g.bus.Publish(events.TopicDeviceDisconnected, events.DeviceEvent{Device: dev})
	g.logger.Info("device disconnected", "addr", fd.Addr)
}

func (g *Gateway) handlePingreq(ctx context.Context, fd events.ForwarderData) {
	dev, err := g.store.Device(ctx, session.ByAddress(fd.Addr))
	if err != nil {
		return
	}

	switch {
	case dev.State == session.StateAsleep:
		g.drainBuffered(ctx, dev)
		g.reply(fd.Addr, snpacket.Pingresp{})
	case dev.State == session.StateLost && g.opts.ReconnectLostOnPing:
		dev.Connected = true
		dev.State = session.StateActive
		dev.WaitingPingres = false
		dev.LastSeen = time.Now()
		dev.LQI = fd.LQI
		dev.RSSI = fd.RSSI
		if err := g.store.SaveDevice(ctx, dev); err != nil {
			g.logger.Error("persist ping reconnect failed", "addr", fd.Addr, "error", err)
			return
		}
		g.bus.Publish(events.TopicDeviceConnected, events.DeviceEvent{Device: dev})
		g.reply(fd.Addr, snpacket.Pingresp{})
		g.logger.Info("lost device reconnected on ping", "addr", fd.Addr)
	case dev.Connected:
		g.reply(fd.Addr, snpacket.Pingresp{})
	default:
		// Unknown-to-the-session pings get no answer at all.
	}
}

// drainBuffered flushes an asleep device's queued messages through the
// QoS engine. The awake sub-state only exists inside this call.
func (g *Gateway) drainBuffered(ctx context.Context, dev session.Device) {
	key := session.ByAddress(dev.Address)

	msgs, err := g.store.TakeBufferedMessages(ctx, key)
	if err != nil {
		g.logger.Error("take buffered messages failed", "addr", dev.Address, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	dev.State = session.StateAwake
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist awake failed", "addr", dev.Address, "error", err)
		return
	}

	for _, m := range msgs {
		pub := snpacket.Publish{
			Dup:         m.Dup,
			Retain:      m.Retain,
			TopicIDType: snpacket.TopicIDType(m.TopicIDType),
			TopicID:     m.TopicID,
			Data:        m.Payload,
		}
		done, err := g.qos.Deliver(dev.Address, pub, m.QoS)
		if err != nil {
			g.logger.Warn("buffered delivery failed to start", "addr", dev.Address, "error", err)
			continue
		}
		go g.logDelivery(dev.Address, done)
	}
	g.logger.Info("buffered messages flushed", "addr", dev.Address, "count", len(msgs))

	dev.State = session.StateAsleep
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist asleep failed", "addr", dev.Address, "error", err)
	}
}

func (g *Gateway) logDelivery(addr uint16, done <-chan error) {
	if err := <-done; err != nil {
		g.logger.Warn("delivery unresolved", "addr", addr, "error", err)
	}
}

func (g *Gateway) handlePingresp(ctx context.Context, addr uint16) {
	dev, err := g.store.Device(ctx, session.ByAddress(addr))
	if err != nil {
		return
	}
	dev.WaitingPingres = false
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist pingresp failed", "addr", addr, "error", err)
	}
}

// topicNameFor resolves the topic name referenced by a subscribe or
// unsubscribe packet.
func (g *Gateway) topicNameFor(ctx context.Context, addr uint16, tt snpacket.TopicIDType, name string, id uint16) (string, error) {
	switch tt {
	case snpacket.TopicIDPredefined:
		topic, err := g.store.Topic(ctx, session.ByAddress(addr), id)
		if err != nil {
			return "", err
		}
		return topic.Name, nil
	case snpacket.TopicIDShortName:
		// Subscribe and unsubscribe carry the two-character short name in
		// the name field; only publish packs it into the topic id.
		return name, nil
	default:
		return name, nil
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, addr uint16, p snpacket.Subscribe) {
	dev, err := g.store.Device(ctx, session.ByAddress(addr))
	if err != nil || !dev.Connected {
		g.logger.Warn("subscribe from unconnected device", "addr", addr)
		return
	}

	name, err := g.topicNameFor(ctx, addr, p.TopicIDType, p.TopicName, p.TopicID)
	if err != nil {
		g.reply(addr, snpacket.Suback{MsgID: p.MsgID, ReturnCode: snpacket.RejectedInvalidTopicID})
		return
	}

	topic, err := g.store.EnsureTopic(ctx, session.ByAddress(addr), name)
	if err != nil {
		g.logger.Error("ensure topic failed", "addr", addr, "topic", name, "error", err)
		g.reply(addr, snpacket.Suback{MsgID: p.MsgID, ReturnCode: snpacket.RejectedCongestion})
		return
	}
	if err := g.store.SaveSubscription(ctx, session.ByAddress(addr), name, p.QoS); err != nil {
		g.logger.Error("save subscription failed", "addr", addr, "topic", name, "error", err)
		g.reply(addr, snpacket.Suback{MsgID: p.MsgID, ReturnCode: snpacket.RejectedCongestion})
		return
	}

	g.reply(addr, snpacket.Suback{
		QoS:        p.QoS,
		TopicID:    topic.ID,
		MsgID:      p.MsgID,
		ReturnCode: snpacket.Accepted,
	})

	// Give the device a beat before retained messages start flowing.
	qos := p.QoS
	time.AfterFunc(g.settleDelay, func() {
		if err := g.broker.Subscribe(name, qos, g.OnBrokerMessage); err != nil {
			g.logger.Error("broker subscribe failed", "topic", name, "error", err)
		}
	})
	g.logger.Info("device subscribed", "addr", addr, "topic", name, "qos", p.QoS)
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, addr uint16, p snpacket.Unsubscribe) {
	dev, err := g.store.Device(ctx, session.ByAddress(addr))
	if err != nil || !dev.Connected {
		g.logger.Warn("unsubscribe from unconnected device", "addr", addr)
		return
	}
	name, err := g.topicNameFor(ctx, addr, p.TopicIDType, p.TopicName, p.TopicID)
	if err != nil {
		g.logger.Warn("unsubscribe for unknown topic id", "addr", addr, "topic_id", p.TopicID)
		g.reply(addr, snpacket.Unsuback{MsgID: p.MsgID})
		return
	}
	if err := g.store.RemoveSubscription(ctx, session.ByAddress(addr), name); err != nil && err != session.ErrNotFound {
		g.logger.Error("remove subscription failed", "addr", addr, "topic", name, "error", err)
		return
	}
	g.reply(addr, snpacket.Unsuback{MsgID: p.MsgID})

	// Drop the broker subscription once nobody is left on the topic.
	subs, err := g.store.SubscriptionsForTopic(ctx, name)
	if err == nil && len(subs) == 0 {
		if err := g.broker.Unsubscribe(name); err != nil {
			g.logger.Warn("broker unsubscribe failed", "topic", name, "error", err)
		}
	}
	g.logger.Info("device unsubscribed", "addr", addr, "topic", name)
}

func (g *Gateway) handleRegister(ctx context.Context, addr uint16, p snpacket.Register) {
	topic, err := g.store.EnsureTopic(ctx, session.ByAddress(addr), p.TopicName)
	if err != nil {
		g.logger.Error("register topic failed", "addr", addr, "topic", p.TopicName, "error", err)
		g.reply(addr, snpacket.Regack{MsgID: p.MsgID, ReturnCode: snpacket.RejectedCongestion})
		return
	}
	g.reply(addr, snpacket.Regack{
		TopicID:    topic.ID,
		MsgID:      p.MsgID,
		ReturnCode: snpacket.Accepted,
	})
}

func (g *Gateway) handlePublish(ctx context.Context, addr uint16, p snpacket.Publish) {
	var name string
	switch p.TopicIDType {
	case snpacket.TopicIDShortName:
		name = string([]byte{byte(p.TopicID >> 8), byte(p.TopicID)})
	default:
		topic, err := g.store.Topic(ctx, session.ByAddress(addr), p.TopicID)
		if err != nil {
			g.logger.Warn("publish with unknown topic id", "addr", addr, "topic_id", p.TopicID)
			g.reply(addr, snpacket.Puback{
				TopicID:    p.TopicID,
				MsgID:      p.MsgID,
				ReturnCode: snpacket.RejectedInvalidTopicID,
			})
			return
		}
		name = topic.Name
	}

	if err := g.broker.Publish(name, p.QoS, p.Retain, p.Data); err != nil {
		g.logger.Error("broker publish failed", "addr", addr, "topic", name, "error", err)
		g.reply(addr, snpacket.Puback{
			TopicID:    p.TopicID,
			MsgID:      p.MsgID,
			ReturnCode: snpacket.RejectedCongestion,
		})
		return
	}

	switch p.QoS {
	case 1:
		g.reply(addr, snpacket.Puback{
			TopicID:    p.TopicID,
			MsgID:      p.MsgID,
			ReturnCode: snpacket.Accepted,
		})
	case 2:
		g.reply(addr, snpacket.Pubrec{MsgID: p.MsgID})
		g.armPubrelWait(addr, p.MsgID)
	}
}

// armPubrelWait tracks a device-initiated QoS 2 exchange until its
// PUBREL arrives or the correlation entry expires.
func (g *Gateway) armPubrelWait(addr, msgID uint16) {
	key := pubrelKey{addr: addr, msgID: msgID}
	if t, ok := g.pubrelWait[key]; ok {
		t.Stop()
	}
	g.pubrelWait[key] = time.AfterFunc(pubrelWaitTimeout, func() {
		g.mu.Lock()
		delete(g.pubrelWait, key)
		g.mu.Unlock()
		g.logger.Warn("pubrel never arrived", "addr", addr, "msg_id", msgID)
	})
}

func (g *Gateway) handlePubrel(addr, msgID uint16) {
	key := pubrelKey{addr: addr, msgID: msgID}
	t, ok := g.pubrelWait[key]
	if !ok {
		g.logger.Warn("pubrel without pending exchange", "addr", addr, "msg_id", msgID)
		return
	}
	t.Stop()
	delete(g.pubrelWait, key)
	g.reply(addr, snpacket.Pubcomp{MsgID: msgID})
}

// OnBrokerMessage fans a broker publish out to every subscribed device:
// live devices get a QoS-engine delivery, asleep ones get the message
// buffered.
func (g *Gateway) OnBrokerMessage(topicName string, payload []byte, msgID uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ctx := context.Background()

	if len(payload) > maxDevicePayload {
		g.logger.Warn("broker message exceeds radio frame budget, dropped", "topic", topicName, "len", len(payload))
		return
	}

	subs, err := g.store.SubscriptionsForTopic(ctx, topicName)
	if err != nil {
		g.logger.Error("subscription lookup failed", "topic", topicName, "error", err)
		return
	}

	for _, sub := range subs {
		dev, err := g.store.Device(ctx, session.ByID(sub.DeviceID))
		if err != nil || !dev.Connected {
			continue
		}
		topic, err := g.store.TopicByName(ctx, session.ByID(sub.DeviceID), topicName)
		if err != nil {
			g.logger.Error("topic record missing for subscription", "device", sub.DeviceID, "topic", topicName)
			continue
		}

		if dev.State == session.StateAsleep {
			err := g.store.BufferMessage(ctx, session.BufferedMessage{
				DeviceID:    dev.ID,
				MsgID:       msgID,
				QoS:         sub.QoS,
				TopicIDType: uint8(snpacket.TopicIDNormal),
				TopicID:     topic.ID,
				Payload:     payload,
			})
			if err != nil {
				g.logger.Error("buffer message failed", "addr", dev.Address, "error", err)
			}
			continue
		}

		pub := snpacket.Publish{
			TopicIDType: snpacket.TopicIDNormal,
			TopicID:     topic.ID,
			Data:        payload,
		}
		done, err := g.qos.Deliver(dev.Address, pub, sub.QoS)
		if err != nil {
			g.logger.Warn("delivery failed to start", "addr", dev.Address, "error", err)
			continue
		}
		go g.logDelivery(dev.Address, done)
	}
}
