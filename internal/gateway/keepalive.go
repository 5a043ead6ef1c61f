package gateway

import (
	"context"
	"time"

	"sngateway/internal/events"
	"sngateway/internal/session"
	"sngateway/internal/snpacket"
)

const (
	keepAliveTick      = 1000 * time.Millisecond
	keepAliveTolerance = 5000 * time.Millisecond
	pingresGrace       = 1000 * time.Millisecond
)

// keepAliveTick supervises every connected device. A device past its
// promised interval gets one gateway-initiated PINGREQ; if the response
// does not arrive within the grace window the device is declared lost
// and its will, if any, is published.
func (g *Gateway) keepAliveTick(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	devices, err := g.store.Devices(ctx)
	if err != nil {
		g.logger.Error("device listing failed", "error", err)
		return
	}

	now := time.Now()
	for _, dev := range devices {
		if !dev.Connected {
			continue
		}
		deadline := time.Duration(dev.Duration)*time.Second + keepAliveTolerance
		elapsed := now.Sub(dev.LastSeen)
		if elapsed <= deadline {
			continue
		}

		if !dev.WaitingPingres {
			dev.WaitingPingres = true
			if err := g.store.SaveDevice(ctx, dev); err != nil {
				g.logger.Error("persist ping probe failed", "addr", dev.Address, "error", err)
				continue
			}
			g.logger.Debug("keep-alive expired, probing", "addr", dev.Address)
			g.reply(dev.Address, snpacket.Pingreq{})
			continue
		}

		if elapsed > deadline+pingresGrace {
			g.markLost(ctx, dev)
		}
	}
}

func (g *Gateway) markLost(ctx context.Context, dev session.Device) {
	dev.Connected = false
	dev.State = session.StateLost
	dev.WaitingPingres = false
	if err := g.store.SaveDevice(ctx, dev); err != nil {
		g.logger.Error("persist lost device failed", "addr", dev.Address, "error", err)
		return
	}
	g.logger.Warn("device lost", "addr", dev.Address)

	if dev.Will != nil {
		if err := g.broker.Publish(dev.Will.Topic, dev.Will.QoS, dev.Will.Retain, dev.Will.Message); err != nil {
			g.logger.Error("will publish failed", "addr", dev.Address, "topic", dev.Will.Topic, "error", err)
		}
	}
	g.bus.Publish(events.TopicDeviceDisconnected, events.DeviceEvent{Device: dev})
}
