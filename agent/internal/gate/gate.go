// Package gate decides whether a violating verdict may notify now, based on
// the suppression record, and records confirmed deliveries.
//
// Per condition:
//
//	ok verdict                          → OutcomeQuiet, no store access
//	violating, now-last <= cooldown     → OutcomeSuppressed, no send
//	violating, absent or now-last > cd  → send; Put(now) only if confirmed
//
// The cooldown is not reset on recovery: a condition that flaps back to
// violating inside the window stays suppressed.
//
// Every store access is bounded by the gate's timeout. A store that does not
// answer in time yields OutcomeStoreError.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
	"github.com/obsidianstack/tripwire/agent/internal/evaluate"
	"github.com/obsidianstack/tripwire/agent/internal/suppress"
)

// Outcome is the result of one gate decision.
type Outcome string

const (
	OutcomeQuiet      Outcome = "quiet"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDelivered  Outcome = "delivered"
	OutcomeSkipped    Outcome = "skipped" // no channel attempted
	OutcomeFailed     Outcome = "failed"
	OutcomeStoreError Outcome = "store_error"
)

// Delivery is what a SendFunc reports back to the gate.
type Delivery struct {
	Attempted int
	Confirmed bool
	Err       error
}

// SendFunc performs one notification attempt.
type SendFunc func(ctx context.Context) Delivery

// Gate is safe for concurrent use. Decisions for the same condition ID are
// serialized; different conditions proceed in parallel.
type Gate struct {
	store   suppress.Store
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Gate over store. Each store call is bounded by timeout;
// zero uses config.DefaultStateTimeout. A nil now uses time.Now.
func New(store suppress.Store, timeout time.Duration, now func() time.Time) *Gate {
	if timeout <= 0 {
		timeout = config.DefaultStateTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{
		store:   store,
		timeout: timeout,
		now:     now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Decide applies the cooldown for conditionID to v and calls send when the
// gate opens. The returned error is non-nil for OutcomeFailed (the delivery
// error) and OutcomeStoreError (the wrapped suppress.ErrStateStore).
func (g *Gate) Decide(ctx context.Context, conditionID string, v evaluate.Verdict, cooldown time.Duration, send SendFunc) (Outcome, error) {
	if !v.Violating() {
		return OutcomeQuiet, nil
	}

	lock := g.lockFor(conditionID)
	lock.Lock()
	defer lock.Unlock()

	now := g.now()
	rec, ok, err := g.get(ctx, conditionID)
	if err != nil {
		slog.Error("gate: state store read failed", "condition", conditionID, "err", err)
		return OutcomeStoreError, err
	}
	if ok && now.Sub(rec.LastNotifiedAt) <= cooldown {
		slog.Debug("gate: suppressed",
			"condition", conditionID,
			"last_notified_at", rec.LastNotifiedAt,
			"remaining", cooldown-now.Sub(rec.LastNotifiedAt),
		)
		return OutcomeSuppressed, nil
	}

	d := send(ctx)
	switch {
	case d.Attempted == 0:
		slog.Warn("gate: no channel attempted, state unchanged", "condition", conditionID)
		return OutcomeSkipped, nil
	case !d.Confirmed:
		slog.Warn("gate: delivery failed, will retry next cycle", "condition", conditionID, "err", d.Err)
		return OutcomeFailed, d.Err
	}

	if err := g.put(ctx, suppress.Record{ConditionID: conditionID, LastNotifiedAt: now}); err != nil {
		slog.Error("gate: state store write failed after delivery", "condition", conditionID, "err", err)
		return OutcomeStoreError, err
	}
	return OutcomeDelivered, nil
}

// TrackAvailability records one sample of the source behind conditionID and
// returns the number of consecutive unavailable samples, including this one.
// The count is kept in the store under conditionID+config.SourceStreakSuffix
// so it carries across restarts and one-shot runs. The record is written only
// when the count changes.
func (g *Gate) TrackAvailability(ctx context.Context, conditionID string, up bool) (int, error) {
	key := conditionID + config.SourceStreakSuffix

	lock := g.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, _, err := g.get(ctx, key)
	if err != nil {
		return 0, err
	}
	streak := 0
	if !up {
		streak = rec.Streak + 1
	}
	if streak == rec.Streak {
		return streak, nil
	}
	if err := g.put(ctx, suppress.Record{ConditionID: key, LastNotifiedAt: g.now(), Streak: streak}); err != nil {
		return 0, err
	}
	return streak, nil
}

func (g *Gate) get(ctx context.Context, id string) (suppress.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	rec, ok, err := g.store.Get(ctx, id)
	if err != nil {
		return suppress.Record{}, false, asStoreErr("get", id, err)
	}
	return rec, ok, nil
}

func (g *Gate) put(ctx context.Context, rec suppress.Record) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.Put(ctx, rec); err != nil {
		return asStoreErr("put", rec.ConditionID, err)
	}
	return nil
}

// asStoreErr makes sure err matches suppress.ErrStateStore.
func asStoreErr(op, id string, err error) error {
	if errors.Is(err, suppress.ErrStateStore) {
		return err
	}
	return fmt.Errorf("%w: %s %q: %w", suppress.ErrStateStore, op, id, err)
}

func (g *Gate) lockFor(conditionID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[conditionID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[conditionID] = l
	}
	return l
}
