// Package events defines the typed payloads and topic names exchanged
// over the internal message bus. One payload type per producer boundary:
// the forwarder publishes link-layer events, the gateway publishes
// device session events.
package events

import (
	"time"

	"sngateway/internal/session"
)

const (
	TopicLinkStatus         = "link.status"
	TopicForwarderData      = "forwarder.data"
	TopicForwarderMode      = "forwarder.mode"
	TopicDevicePaired       = "device.paired"
	TopicDeviceConnected    = "device.connected"
	TopicDeviceDisconnected = "device.disconnected"
)

// LinkState describes the bridge transport lifecycle.
type LinkState string

const (
	LinkStateDisconnected LinkState = "disconnected"
	LinkStateConnecting   LinkState = "connecting"
	LinkStateConnected    LinkState = "connected"
	LinkStateReconnecting LinkState = "reconnecting"
)

// LinkStatus is a bus event snapshot of current bridge link status.
type LinkStatus struct {
	State         LinkState
	Err           string
	TransportName string
	Timestamp     time.Time
}

// ForwarderData is a decoded application frame received from a device.
type ForwarderData struct {
	Addr   uint16
	Packet []byte
	LQI    uint8
	RSSI   uint8
}

// ForwarderMode reports pair-mode transitions.
type ForwarderMode struct {
	Mode string
}

// DeviceEvent carries a device session transition.
type DeviceEvent struct {
	Device session.Device
}
