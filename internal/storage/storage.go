package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"postbot/internal/delivery"
	logx "postbot/pkg/logx"
)

var (
	// ErrDuplicate: an active row already carries the candidate's fingerprint.
	ErrDuplicate = errors.New("duplicate task")

	// ErrNotFound: no row with that id.
	ErrNotFound = errors.New("task not found")
)

// Config configures the store.
type Config struct {
	Driver      string // "sqlite" or "memory"
	Path        string // sqlite only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the core depends on. Implementations serialize
// all mutations behind a single mutex; the check-then-insert in Admit and the
// read-modify-write transitions therefore cannot interleave.
type Store interface {
	// Admit inserts the candidate's materialized row and returns its id.
	// Fails with ErrDuplicate when an active row shares the fingerprint.
	Admit(ctx context.Context, d delivery.ScheduledDelivery) (int64, error)

	// ListActive returns active rows ascending by publish time.
	ListActive(ctx context.Context) ([]delivery.ScheduledDelivery, error)

	// GetByID fails with ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id int64) (delivery.ScheduledDelivery, error)

	// Cancel deactivates the row. Idempotent: canceling an inactive or
	// unknown row is a no-op, not an error.
	Cancel(ctx context.Context, id int64) error

	// CancelChannel deactivates every active row targeting the channel in one
	// pass and returns how many it touched.
	CancelChannel(ctx context.Context, channelID int64) (int, error)

	// Advance moves publish_at forward on an active row. If the row went
	// inactive in the interim the update is dropped (lost race, logged, nil).
	Advance(ctx context.Context, id int64, next time.Time) error

	// PurgeInactive deletes rows that have been inactive since before cutoff.
	// Housekeeping only; the task lifecycle never calls this.
	PurgeInactive(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(log), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
