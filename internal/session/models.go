// Package session holds the persistent per-device protocol state: the
// devices themselves, their topic registrations, their subscriptions and
// messages buffered while they sleep.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Reserved network addresses. Device addresses live in [1, 0xFE] with
// the bridge's own address excluded.
const (
	BroadcastAddress uint16 = 0x00
	BridgeAddress    uint16 = 0xF0
	MaxDeviceAddress uint16 = 0xFE
)

// State is a device session state.
type State string

const (
	StateActive       State = "active"
	StateAsleep       State = "asleep"
	StateAwake        State = "awake"
	StateLost         State = "lost"
	StateDisconnected State = "disconnected"
)

// Will is a device's last-will message. The fields are stored and
// cleared together.
type Will struct {
	Topic   string
	Message []byte
	QoS     uint8
	Retain  bool
}

// Device is one paired sensor node. ID is stable for the life of the
// record; Address may be reused after the device is removed.
type Device struct {
	ID             string
	Address        uint16
	Connected      bool
	State          State
	WaitingPingres bool
	LQI            uint8
	RSSI           uint8
	// Duration is the keep-alive interval in seconds promised by the
	// device on CONNECT or sleep-DISCONNECT.
	Duration uint16
	LastSeen time.Time
	Will     *Will
}

// NewDevice builds a fresh, not yet connected device record for addr.
func NewDevice(addr uint16) Device {
	return Device{
		ID:       uuid.NewString(),
		Address:  addr,
		State:    StateDisconnected,
		Duration: 10,
	}
}

// Topic maps a per-device numeric topic id to a full MQTT topic name.
type Topic struct {
	DeviceID string
	ID       uint16
	Name     string
}

// Subscription is one (device, topic) subscription row.
type Subscription struct {
	DeviceID  string
	TopicName string
	QoS       uint8
}

// BufferedMessage is a publish queued for an asleep device, drained FIFO
// on its next ping.
type BufferedMessage struct {
	DeviceID    string
	Dup         bool
	Retain      bool
	QoS         uint8
	TopicIDType uint8
	TopicID     uint16
	MsgID       uint16
	Payload     []byte
}
