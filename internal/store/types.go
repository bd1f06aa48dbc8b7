package store

import (
	"context"
	"errors"
	"time"

	"blastbot/internal/model"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": JSON documents rewritten in full on every mutation
//   - "sqlite": SQLite database file
type Config struct {
	Driver string
	Path   string
	// LegacyPath points at an optional read-only document of jid-shaped
	// entries recorded by the previous system; a hit there counts as
	// "already sent" but the document is never written.
	LegacyPath  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type HistoryStats struct {
	Total     int
	SentToday int
}

// sameLocalDay reports whether at falls on ref's local calendar date. Both
// drivers count SentToday with this, so they agree near midnight regardless
// of the zone the timestamp was stored in.
func sameLocalDay(at, ref time.Time) bool {
	y, m, d := ref.Local().Date()
	ay, am, ad := at.Local().Date()
	return ay == y && am == m && ad == d
}

// Store persists the send history and the schedule list.
//
// Identifiers passed in are canonical (see internal/phone); the store does no
// normalization of its own. RecordSent persists before returning, so a
// successful call means the dedup record survives a restart.
type Store interface {
	HasSent(ctx context.Context, canonical string) (bool, error)
	RecordSent(ctx context.Context, canonical string) error
	ResetHistory(ctx context.Context) error
	HistoryStats(ctx context.Context) (HistoryStats, error)

	LoadSchedules(ctx context.Context) ([]model.Schedule, error)
	SaveSchedules(ctx context.Context, list []model.Schedule) error

	Close() error
}
