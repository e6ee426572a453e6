package suppress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// ErrStateStore wraps every backend read or write failure.
var ErrStateStore = errors.New("state store")

// Record is the suppression state for one condition.
//
// Streak is only used by availability records (see config.SourceStreakSuffix)
// and counts consecutive unavailable samples; LastNotifiedAt then holds the
// time of the sample that set it.
type Record struct {
	ConditionID    string    `json:"condition_id"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
	Streak         int       `json:"streak,omitempty"`
}

// Store is the durable record of the last confirmed notification per condition.
type Store interface {
	// Get returns the record for conditionID. A condition that was never
	// notified returns ok == false and a nil error.
	Get(ctx context.Context, conditionID string) (rec Record, ok bool, err error)

	// Put overwrites the record for rec.ConditionID.
	Put(ctx context.Context, rec Record) error

	Close() error
}

// Open returns the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.Path), nil
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("suppress: environment variable %q is empty", cfg.DSNEnv)
		}
		return NewPostgresStore(ctx, dsn)
	case "nats":
		return NewKVStore(ctx, cfg.NATSURL, cfg.Bucket)
	default:
		return nil, fmt.Errorf("suppress: unknown backend %q", cfg.Backend)
	}
}

func storeErr(op, conditionID string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrStateStore, op, conditionID, err)
}
