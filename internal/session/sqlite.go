package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLStore persists session state in sqlite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// resolveID maps a DeviceKey to the device's stable id.
func (s *SQLStore) resolveID(ctx context.Context, key DeviceKey) (string, error) {
	if !key.byAddr {
		return key.id, nil
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM devices WHERE address = ?`, key.addr).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve device key %s: %w", key, err)
	}
	return id, nil
}

const deviceColumns = `id, address, connected, state, waiting_pingres, lqi, rssi, duration, last_seen, will_topic, will_message, will_qos, will_retain`

func (s *SQLStore) Device(ctx context.Context, key DeviceKey) (Device, error) {
	var row *sql.Row
	if key.byAddr {
		row = s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE address = ?`, key.addr)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, key.id)
	}

	d, err := scanDevice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("load device %s: %w", key, err)
	}
	return d, nil
}

func (s *SQLStore) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}

func scanDevice(scan func(dest ...any) error) (Device, error) {
	var (
		d          Device
		connected  int64
		waiting    int64
		lastSeen   int64
		willTopic  sql.NullString
		willMsg    []byte
		willQoS    sql.NullInt64
		willRetain sql.NullInt64
	)
	err := scan(&d.ID, &d.Address, &connected, (*string)(&d.State), &waiting, &d.LQI, &d.RSSI, &d.Duration, &lastSeen, &willTopic, &willMsg, &willQoS, &willRetain)
	if err != nil {
		return Device{}, err
	}
	d.Connected = connected != 0
	d.WaitingPingres = waiting != 0
	d.LastSeen = fromUnixMillis(lastSeen)
	if willTopic.Valid {
		d.Will = &Will{
			Topic:   willTopic.String,
			Message: willMsg,
			QoS:     uint8(willQoS.Int64),
			Retain:  willRetain.Int64 != 0,
		}
	}
	return d, nil
}

func (s *SQLStore) SaveDevice(ctx context.Context, d Device) (err error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	var (
		willTopic  any
		willMsg    any
		willQoS    any
		willRetain any
	)
	if d.Will != nil {
		willTopic = d.Will.Topic
		willMsg = d.Will.Message
		willQoS = int64(d.Will.QoS)
		willRetain = boolToInt(d.Will.Retain)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices(`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			connected = excluded.connected,
			state = excluded.state,
			waiting_pingres = excluded.waiting_pingres,
			lqi = excluded.lqi,
			rssi = excluded.rssi,
			duration = excluded.duration,
			last_seen = excluded.last_seen,
			will_topic = excluded.will_topic,
			will_message = excluded.will_message,
			will_qos = excluded.will_qos,
			will_retain = excluded.will_retain
	`, d.ID, d.Address, boolToInt(d.Connected), string(d.State), boolToInt(d.WaitingPingres),
		d.LQI, d.RSSI, d.Duration, toUnixMillis(d.LastSeen), willTopic, willMsg, willQoS, willRetain)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveDevice(ctx context.Context, key DeviceKey) error {
	id, err := s.resolveID(ctx, key)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) NextDeviceAddress(ctx context.Context) (uint16, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM devices`)
	if err != nil {
		return 0, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var addrs []uint16
	for rows.Next() {
		var a uint16
		if err := rows.Scan(&a); err != nil {
			return 0, fmt.Errorf("scan address: %w", err)
		}
		addrs = append(addrs, a)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate addresses: %w", err)
	}
	return nextFreeAddress(addrs)
}

func (s *SQLStore) ResetSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET connected = 0, waiting_pingres = 0, state = ?
	`, string(StateDisconnected))
	if err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	return nil
}

func (s *SQLStore) Topic(ctx context.Context, key DeviceKey, topicID uint16) (Topic, error) {
	id, err := s.resolveID(ctx, key)
	if err != nil {
		return Topic{}, err
	}
	var t Topic
	err = s.db.QueryRowContext(ctx, `
		SELECT device_id, topic_id, name FROM topics WHERE device_id = ? AND topic_id = ?
	`, id, topicID).Scan(&t.DeviceID, &t.ID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrNotFound
	}
	if err != nil {
		return Topic{}, fmt.Errorf("load topic %d for %s: %w", topicID, key, err)
	}
	return t, nil
}

func (s *SQLStore) TopicByName(ctx context.Context, key DeviceKey, name string) (Topic, error) {
	id, err := s.resolveID(ctx, key)
	if err != nil {
		return Topic{}, err
	}
	var t Topic
	err = s.db.QueryRowContext(ctx, `
		SELECT device_id, topic_id, name FROM topics WHERE device_id = ? AND name = ?
	`, id, name).Scan(&t.DeviceID, &t.ID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrNotFound
	}
	if err != nil {
		return Topic{}, fmt.Errorf("load topic %q for %s: %w", name, key, err)
	}
	return t, nil
}

func (s *SQLStore) EnsureTopic(ctx context.Context, key DeviceKey, name string) (Topic, error) {
	if t, err := s.TopicByName(ctx, key, name); err == nil {
		return t, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Topic{}, err
	}

	id, err := s.resolveID(ctx, key)
	if err != nil {
		return Topic{}, err
	}
	var next int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(topic_id), 0) + 1 FROM topics WHERE device_id = ?
	`, id).Scan(&next)
	if err != nil {
		return Topic{}, fmt.Errorf("next topic id for %s: %w", key, err)
	}

	t := Topic{DeviceID: id, ID: uint16(next), Name: name}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO topics(device_id, topic_id, name) VALUES (?, ?, ?)
	`, t.DeviceID, t.ID, t.Name)
	if err != nil {
		return Topic{}, fmt.Errorf("insert topic %q for %s: %w", name, key, err)
	}
	return t, nil
}

func (s *SQLStore) Topics(ctx context.Context) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, topic_id, name FROM topics ORDER BY device_id, topic_id`)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.DeviceID, &t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveSubscription(ctx context.Context, key DeviceKey, topicName string, qos uint8) error {
	id, err := s.resolveID(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions(device_id, topic_name, qos) VALUES (?, ?, ?)
		ON CONFLICT(device_id, topic_name) DO UPDATE SET qos = excluded.qos
	`, id, topicName, qos)
	if err != nil {
		return fmt.Errorf("upsert subscription %q for %s: %w", topicName, key, err)
	}
	return nil
}

func (s *SQLStore) RemoveSubscription(ctx context.Context, key DeviceKey, topicName string) error {
	id, err := s.resolveID(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE device_id = ? AND topic_name = ?
	`, id, topicName)
	if err != nil {
		return fmt.Errorf("remove subscription %q for %s: %w", topicName, key, err)
	}
	return nil
}

func (s *SQLStore) RemoveDeviceSubscriptions(ctx context.Context, key DeviceKey) error {
	id, err := s.resolveID(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove subscriptions for %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT device_id, topic_name, qos FROM subscriptions ORDER BY device_id, topic_name`)
}

func (s *SQLStore) SubscriptionsForTopic(ctx context.Context, topicName string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT device_id, topic_name, qos FROM subscriptions WHERE topic_name = ?`, topicName)
}

func (s *SQLStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.DeviceID, &sub.TopicName, &sub.QoS); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) BufferMessage(ctx context.Context, m BufferedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(device_id, dup, retain, qos, topic_id_type, topic_id, msg_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.DeviceID, boolToInt(m.Dup), boolToInt(m.Retain), m.QoS, m.TopicIDType, m.TopicID, m.MsgID, m.Payload)
	if err != nil {
		return fmt.Errorf("buffer message for %s: %w", m.DeviceID, err)
	}
	return nil
}

func (s *SQLStore) TakeBufferedMessages(ctx context.Context, key DeviceKey) ([]BufferedMessage, error) {
	id, err := s.resolveID(ctx, key)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, dup, retain, qos, topic_id_type, topic_id, msg_id, payload
		FROM messages WHERE device_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list buffered messages for %s: %w", key, err)
	}
	defer rows.Close()

	var (
		out     []BufferedMessage
		lastSeq int64
	)
	for rows.Next() {
		var (
			m           BufferedMessage
			dup, retain int64
		)
		if err := rows.Scan(&lastSeq, &dup, &retain, &m.QoS, &m.TopicIDType, &m.TopicID, &m.MsgID, &m.Payload); err != nil {
			return nil, fmt.Errorf("scan buffered message: %w", err)
		}
		m.DeviceID = id
		m.Dup = dup != 0
		m.Retain = retain != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buffered messages: %w", err)
	}

	if len(out) > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE device_id = ? AND seq <= ?`, id, lastSeq); err != nil {
			return nil, fmt.Errorf("drain buffered messages for %s: %w", key, err)
		}
	}
	return out, nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
