// Package store persists agents, channel bindings, conversation history,
// pairing codes, cron jobs, transactions and the activity log in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultMaxMessages is how many messages a binding keeps when the store is
// not configured otherwise.
const DefaultMaxMessages = 100

// MaxResultLength bounds CronJobDef.LastResult.
const MaxResultLength = 500

// Store is the SQLite-backed repository. The tables must already exist
// (created by database.Open).
type Store struct {
	db          *sql.DB
	logger      *slog.Logger
	maxMessages int
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages sets the per-binding history retention.
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over an open database.
func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:          db,
		logger:      logger.With("component", "store"),
		maxMessages: DefaultMaxMessages,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeMeta(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMeta(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
