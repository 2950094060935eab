// Package history keeps a local SQLite ledger of provisioning attempts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // register sqlite driver
)

// Attempt is one provisioning attempt that reached a terminal state.
type Attempt struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Serial     string    `json:"serial,omitempty"`
	SSID       string    `json:"ssid,omitempty"`
	FinalState string    `json:"final_state"`
	Error      string    `json:"error,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Registered bool      `json:"registered"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is the attempt ledger.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id          TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	serial      TEXT NOT NULL DEFAULT '',
	ssid        TEXT NOT NULL DEFAULT '',
	final_state TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	warnings    TEXT NOT NULL DEFAULT '[]',
	registered  INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS attempts_finished_at ON attempts(finished_at);
`

// Open opens or creates the ledger at path, creating parent directories.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create history directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate history schema")
	}

	return &Store{db: db}, nil
}

// Record inserts a. A missing ID is generated.
func (s *Store) Record(ctx context.Context, a Attempt) (string, error) {
	if a.DeviceID == "" {
		return "", errors.New("attempt has no device id")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	warnings, err := json.Marshal(nonNil(a.Warnings))
	if err != nil {
		return "", errors.Wrap(err, "encode warnings")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts(id, device_id, device_name, serial, ssid, final_state, error, warnings, registered, started_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.DeviceID, a.DeviceName, a.Serial, a.SSID, a.FinalState, a.Error, string(warnings),
		boolToInt(a.Registered), toUnixMillis(a.StartedAt), toUnixMillis(a.FinishedAt))
	if err != nil {
		return "", errors.Wrap(err, "insert attempt")
	}
	return a.ID, nil
}

// List returns up to limit attempts, most recent first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, device_name, serial, ssid, final_state, error, warnings, registered, started_at, finished_at
		FROM attempts
		ORDER BY finished_at DESC, started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Attempt
	for rows.Next() {
		var (
			a                   Attempt
			warnings            string
			registered          int
			started, finishedAt int64
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.DeviceName, &a.Serial, &a.SSID, &a.FinalState,
			&a.Error, &warnings, &registered, &started, &finishedAt); err != nil {
			return nil, errors.Wrap(err, "scan attempt")
		}
		if err := json.Unmarshal([]byte(warnings), &a.Warnings); err != nil {
			return nil, errors.Wrapf(err, "decode warnings of attempt %s", a.ID)
		}
		a.Registered = registered != 0
		a.StartedAt = fromUnixMillis(started)
		a.FinishedAt = fromUnixMillis(finishedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate attempts")
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
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
