package suppress

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTable = `CREATE TABLE IF NOT EXISTS tripwire_suppression (
	condition_id       TEXT PRIMARY KEY,
	last_notified_at   TIMESTAMPTZ NOT NULL,
	unavailable_streak INTEGER NOT NULL DEFAULT 0
)`

// Tables created before the streak column existed.
const addStreakColumn = `ALTER TABLE tripwire_suppression
ADD COLUMN IF NOT EXISTS unavailable_streak INTEGER NOT NULL DEFAULT 0`

const selectRecord = `SELECT last_notified_at, unavailable_streak FROM tripwire_suppression WHERE condition_id = $1`

// The WHERE clause keeps the stored time monotonic when two agents race.
const upsertRecord = `INSERT INTO tripwire_suppression (condition_id, last_notified_at, unavailable_streak)
VALUES ($1, $2, $3)
ON CONFLICT (condition_id) DO UPDATE
SET last_notified_at = EXCLUDED.last_notified_at,
    unavailable_streak = EXCLUDED.unavailable_streak
WHERE tripwire_suppression.last_notified_at < EXCLUDED.last_notified_at`

// pgDB is the subset of *pgxpool.Pool used by PostgresStore.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps one row per condition in tripwire_suppression.
type PostgresStore struct {
	db pgDB
}

// NewPostgresStore connects to dsn, verifies the connection and creates the
// table when it does not exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %w", ErrStateStore, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrStateStore, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrStateStore, err)
	}
	return newPostgresStore(ctx, pool)
}

func newPostgresStore(ctx context.Context, db pgDB) (*PostgresStore, error) {
	for _, stmt := range []string{createTable, addStreakColumn} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: create table: %w", ErrStateStore, err)
		}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Get(ctx context.Context, conditionID string) (Record, bool, error) {
	rec := Record{ConditionID: conditionID}
	err := s.db.QueryRow(ctx, selectRecord, conditionID).Scan(&rec.LastNotifiedAt, &rec.Streak)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storeErr("get", conditionID, err)
	}
	rec.LastNotifiedAt = rec.LastNotifiedAt.UTC()
	return rec, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if _, err := s.db.Exec(ctx, upsertRecord, rec.ConditionID, rec.LastNotifiedAt.UTC(), rec.Streak); err != nil {
		return storeErr("put", rec.ConditionID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
