package session

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrNotFound is returned for lookups of unknown devices or topics.
	ErrNotFound = errors.New("session: not found")
	// ErrNoFreeAddress is returned once the device address pool is
	// exhausted.
	ErrNoFreeAddress = errors.New("session: address pool exhausted")
)

// Store is the single source of truth for device, topic, subscription
// and buffered-message state. Implementations serialize concurrent
// access internally; no multi-call atomicity is promised.
type Store interface {
	Device(ctx context.Context, key DeviceKey) (Device, error)
	Devices(ctx context.Context) ([]Device, error)
	SaveDevice(ctx context.Context, d Device) error
	RemoveDevice(ctx context.Context, key DeviceKey) error
	NextDeviceAddress(ctx context.Context) (uint16, error)
	// ResetSessions forces every device to disconnected state. Radio
	// sessions cannot be assumed valid after a process restart.
	ResetSessions(ctx context.Context) error

	Topic(ctx context.Context, key DeviceKey, topicID uint16) (Topic, error)
	TopicByName(ctx context.Context, key DeviceKey, name string) (Topic, error)
	// EnsureTopic returns the device's topic record for name, creating
	// it with the next free per-device topic id if absent.
	EnsureTopic(ctx context.Context, key DeviceKey, name string) (Topic, error)
	Topics(ctx context.Context) ([]Topic, error)

	SaveSubscription(ctx context.Context, key DeviceKey, topicName string, qos uint8) error
	RemoveSubscription(ctx context.Context, key DeviceKey, topicName string) error
	RemoveDeviceSubscriptions(ctx context.Context, key DeviceKey) error
	Subscriptions(ctx context.Context) ([]Subscription, error)
	SubscriptionsForTopic(ctx context.Context, topicName string) ([]Subscription, error)

	BufferMessage(ctx context.Context, m BufferedMessage) error
	// TakeBufferedMessages returns the device's queued messages in FIFO
	// order and removes them from the store.
	TakeBufferedMessages(ctx context.Context, key DeviceKey) ([]BufferedMessage, error)

	Close() error
}

// nextFreeAddress computes the smallest unused device address: sort,
// scan for the first gap, else max+1, skipping the bridge address and
// bounded by MaxDeviceAddress.
func nextFreeAddress(addrs []uint16) (uint16, error) {
	used := make(map[uint16]bool, len(addrs))
	sorted := make([]uint16, 0, len(addrs))
	for _, a := range addrs {
		used[a] = true
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var candidate, prev uint16
	for _, a := range sorted {
		if a > prev+1 {
			candidate = prev + 1
			break
		}
		if a > prev {
			prev = a
		}
	}
	if candidate == 0 {
		candidate = prev + 1
	}
	for candidate == BridgeAddress || used[candidate] {
		candidate++
	}
	if candidate < 1 || candidate > MaxDeviceAddress {
		return 0, ErrNoFreeAddress
	}

	return candidate, nil
}
