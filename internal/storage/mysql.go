package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// MySQL keeps the mirror in a session_kv table:
//
//	CREATE TABLE session_kv (
//	  device_id  VARCHAR(64)  NOT NULL,
//	  k          VARCHAR(64)  NOT NULL,
//	  v          MEDIUMTEXT   NOT NULL,
//	  updated_at TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
//	  PRIMARY KEY (device_id, k)
//	);
type MySQL struct {
	DB     *sql.DB
	Device string
}

func NewMySQL(db *sql.DB, device string) *MySQL {
	if device == "" {
		device = "default"
	}
	return &MySQL{DB: db, Device: device}
}

func (m *MySQL) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := m.DB.QueryRowContext(ctx,
		"SELECT v FROM session_kv WHERE device_id=? AND k=? LIMIT 1",
		m.Device, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (m *MySQL) Set(ctx context.Context, key, value string) error {
	_, err := m.DB.ExecContext(ctx,
		"INSERT INTO session_kv (device_id, k, v) VALUES (?,?,?) ON DUPLICATE KEY UPDATE v=VALUES(v)",
		m.Device, key, value)
	return err
}

func (m *MySQL) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, m.Device)
	for _, k := range keys {
		args = append(args, k)
	}
	q := "DELETE FROM session_kv WHERE device_id=? AND k IN (?" + strings.Repeat(",?", len(keys)-1) + ")"
	_, err := m.DB.ExecContext(ctx, q, args...)
	return err
}
