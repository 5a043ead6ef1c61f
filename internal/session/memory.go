package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and by gateways run
// without a data file. State does not survive restarts, which matches
// the restart contract trivially.
type MemoryStore struct {
	mu       sync.Mutex
	devices  map[string]Device
	topics   map[string][]Topic
	subs     map[string][]Subscription
	messages map[string][]BufferedMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]Device),
		topics:   make(map[string][]Topic),
		subs:     make(map[string][]Subscription),
		messages: make(map[string][]BufferedMessage),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) findLocked(key DeviceKey) (Device, bool) {
	if !key.byAddr {
		d, ok := s.devices[key.id]
		return d, ok
	}
	for _, d := range s.devices {
		if d.Address == key.addr {
			return d, true
		}
	}
	return Device{}, false
}

func (s *MemoryStore) Device(_ context.Context, key DeviceKey) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) Devices(_ context.Context) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStore) SaveDevice(_ context.Context, d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.devices[d.ID] = d
	return nil
}

func (s *MemoryStore) RemoveDevice(_ context.Context, key DeviceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return ErrNotFound
	}
	delete(s.devices, d.ID)
	delete(s.topics, d.ID)
	delete(s.subs, d.ID)
	delete(s.messages, d.ID)
	return nil
}

func (s *MemoryStore) NextDeviceAddress(_ context.Context) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]uint16, 0, len(s.devices))
	for _, d := range s.devices {
		addrs = append(addrs, d.Address)
	}
	return nextFreeAddress(addrs)
}

func (s *MemoryStore) ResetSessions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices {
		d.Connected = false
		d.WaitingPingres = false
		d.State = StateDisconnected
		s.devices[id] = d
	}
	return nil
}

func (s *MemoryStore) Topic(_ context.Context, key DeviceKey, topicID uint16) (Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return Topic{}, ErrNotFound
	}
	for _, t := range s.topics[d.ID] {
		if t.ID == topicID {
			return t, nil
		}
	}
	return Topic{}, ErrNotFound
}

func (s *MemoryStore) TopicByName(_ context.Context, key DeviceKey, name string) (Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return Topic{}, ErrNotFound
	}
	for _, t := range s.topics[d.ID] {
		if t.Name == name {
			return t, nil
		}
	}
	return Topic{}, ErrNotFound
}

func (s *MemoryStore) EnsureTopic(_ context.Context, key DeviceKey, name string) (Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return Topic{}, ErrNotFound
	}
	var maxID uint16
	for _, t := range s.topics[d.ID] {
		if t.Name == name {
			return t, nil
		}
		if t.ID > maxID {
			maxID = t.ID
		}
	}
	t := Topic{DeviceID: d.ID, ID: maxID + 1, Name: name}
	s.topics[d.ID] = append(s.topics[d.ID], t)
	return t, nil
}

func (s *MemoryStore) Topics(_ context.Context) ([]Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Topic
	for _, ts := range s.topics {
		out = append(out, ts...)
	}
	return out, nil
}

func (s *MemoryStore) SaveSubscription(_ context.Context, key DeviceKey, topicName string, qos uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return ErrNotFound
	}
	for i, sub := range s.subs[d.ID] {
		if sub.TopicName == topicName {
			s.subs[d.ID][i].QoS = qos
			return nil
		}
	}
	s.subs[d.ID] = append(s.subs[d.ID], Subscription{DeviceID: d.ID, TopicName: topicName, QoS: qos})
	return nil
}

func (s *MemoryStore) RemoveSubscription(_ context.Context, key DeviceKey, topicName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return ErrNotFound
	}
	subs := s.subs[d.ID]
	for i, sub := range subs {
		if sub.TopicName == topicName {
			s.subs[d.ID] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) RemoveDeviceSubscriptions(_ context.Context, key DeviceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return ErrNotFound
	}
	delete(s.subs, d.ID)
	return nil
}

func (s *MemoryStore) Subscriptions(_ context.Context) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, subs := range s.subs {
		out = append(out, subs...)
	}
	return out, nil
}

func (s *MemoryStore) SubscriptionsForTopic(_ context.Context, topicName string) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, subs := range s.subs {
		for _, sub := range subs {
			if sub.TopicName == topicName {
				out = append(out, sub)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) BufferMessage(_ context.Context, m BufferedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[m.DeviceID]; !ok {
		return ErrNotFound
	}
	s.messages[m.DeviceID] = append(s.messages[m.DeviceID], m)
	return nil
}

func (s *MemoryStore) TakeBufferedMessages(_ context.Context, key DeviceKey) ([]BufferedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.findLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := s.messages[d.ID]
	delete(s.messages, d.ID)
	return out, nil
}
