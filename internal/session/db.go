package session

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver
)

const schemaVersion = 1

// OpenDB opens (and migrates) the gateway's sqlite database.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			address INTEGER NOT NULL UNIQUE,
			connected INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'disconnected',
			waiting_pingres INTEGER NOT NULL DEFAULT 0,
			lqi INTEGER NOT NULL DEFAULT 0,
			rssi INTEGER NOT NULL DEFAULT 0,
			duration INTEGER NOT NULL DEFAULT 10,
			last_seen INTEGER NOT NULL DEFAULT 0,
			will_topic TEXT,
			will_message BLOB,
			will_qos INTEGER,
			will_retain INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS topics (
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			topic_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (device_id, topic_id),
			UNIQUE (device_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			topic_name TEXT NOT NULL,
			qos INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (device_id, topic_name)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			dup INTEGER NOT NULL DEFAULT 0,
			retain INTEGER NOT NULL DEFAULT 0,
			qos INTEGER NOT NULL DEFAULT 0,
			topic_id_type INTEGER NOT NULL DEFAULT 0,
			topic_id INTEGER NOT NULL,
			msg_id INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	return nil
}
