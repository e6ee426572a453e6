package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
	"github.com/obsidianstack/tripwire/agent/internal/evaluate"
	"github.com/obsidianstack/tripwire/agent/internal/export"
	"github.com/obsidianstack/tripwire/agent/internal/gate"
	"github.com/obsidianstack/tripwire/agent/internal/notify"
	"github.com/obsidianstack/tripwire/agent/internal/source"
)

// Report describes what one Cycle did. It is informational; Cycle has
// already logged every failure it carries.
type Report struct {
	ConditionID string
	Observation *source.Observation
	SampleErr   error

	// Verdict is nil when no Observation was produced.
	Verdict *evaluate.Verdict

	// Outcome is the gate outcome for the condition itself.
	Outcome gate.Outcome

	// SourceDown is the gate outcome for the derived source-down condition,
	// empty when the outage threshold was not reached.
	SourceDown gate.Outcome

	// Err holds a gate error (delivery or state store) or a recovered panic.
	Err error
}

// Monitor is one configured condition bound to its source, gate, notifier
// and exporter. Cycle calls are serialized.
type Monitor struct {
	cond      config.Condition
	src       source.Source
	threshold evaluate.Threshold
	gate      *gate.Gate
	notifier  *notify.Notifier
	exporter  *export.Exporter
	now       func() time.Time

	mu       sync.Mutex
	health   health
	storeOK  bool
	notifyOK bool

	// streakClear is set once the stored streak is known to be zero, so
	// healthy cycles skip the store.
	streakClear bool
}

// NewMonitor binds cond to its collaborators. n should already be
// restricted to cond.Channels. A nil now uses time.Now.
func NewMonitor(cond config.Condition, src source.Source, g *gate.Gate, n *notify.Notifier, exp *export.Exporter, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cond:      cond,
		src:       src,
		threshold: evaluate.FromCondition(cond),
		gate:      g,
		notifier:  n,
		exporter:  exp,
		now:       now,
		storeOK:   true,
		notifyOK:  true,
	}
}

// ID returns the condition ID.
func (m *Monitor) ID() string { return m.cond.ID }

// Interval returns the polling interval for this condition.
func (m *Monitor) Interval() time.Duration { return m.cond.Interval }

// Cycle runs one sample → evaluate → gate → export pass. It never panics.
func (m *Monitor) Cycle(ctx context.Context) (rep Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep.ConditionID = m.cond.ID
	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("panic: %v", r)
			slog.Error("engine: cycle panic recovered", "condition", m.cond.ID, "panic", r)
		}
	}()

	now := m.now()
	obs, err := m.src.Sample(ctx)
	rep.Observation, rep.SampleErr = obs, err

	sourceUp := true
	switch {
	case err == nil:
		v := evaluate.Evaluate(obs, m.threshold)
		rep.Verdict = &v
		slog.Debug("engine: evaluated",
			"condition", m.cond.ID,
			"state", v.State,
			"value", v.Value,
			"reason", v.Reason,
		)
	case errors.Is(err, source.ErrNoData), errors.Is(err, source.ErrMarkerMissing):
		slog.Info("engine: no observation this cycle", "condition", m.cond.ID, "err", err)
	default:
		// ErrSourceUnavailable and anything unclassified.
		sourceUp = false
		slog.Warn("engine: source unavailable", "condition", m.cond.ID, "err", err)
	}
	m.health.record(sourceUp)
	streak := m.unavailableStreak(ctx, sourceUp)

	if rep.Verdict != nil {
		v := *rep.Verdict
		gated := v
		if m.cond.AlwaysReport {
			// The list is sent every cooldown whether or not anything matches.
			gated.State = evaluate.StateViolating
		}
		rep.Outcome, rep.Err = m.decide(ctx, m.cond.ID, gated, func() notify.Message {
			return composeMessage(m.cond, m.src.Kind(), v, now)
		})
	} else {
		rep.Outcome = gate.OutcomeQuiet
	}

	if !sourceUp && m.cond.SourceDownAfter > 0 && streak >= m.cond.SourceDownAfter {
		v := evaluate.Verdict{
			State:     evaluate.StateViolating,
			Reason:    fmt.Sprintf("%d consecutive unavailable samples", streak),
			Value:     float64(streak),
			Threshold: float64(m.cond.SourceDownAfter),
		}
		var downErr error
		rep.SourceDown, downErr = m.decide(ctx, sourceDownID(m.cond.ID), v, func() notify.Message {
			return composeSourceDown(m.cond, streak, err, now)
		})
		if rep.Err == nil {
			rep.Err = downErr
		}
	}

	m.export(rep, sourceUp)
	return rep
}

// unavailableStreak returns the number of consecutive unavailable samples,
// read from the store so that it carries across restarts and one-shot runs.
// When the store fails the in-memory count is used.
func (m *Monitor) unavailableStreak(ctx context.Context, up bool) int {
	if m.cond.SourceDownAfter <= 0 {
		return m.health.streak
	}
	if up && m.streakClear {
		return 0
	}
	n, err := m.gate.TrackAvailability(ctx, m.cond.ID, up)
	if err != nil {
		m.storeOK = false
		slog.Warn("engine: source streak not persisted, using in-memory count",
			"condition", m.cond.ID,
			"streak", m.health.streak,
			"err", err,
		)
		m.streakClear = false
		return m.health.streak
	}
	m.streakClear = n == 0
	return n
}

// decide passes v through the gate, delivering the composed message when it
// opens, and updates the store and notifier health flags.
func (m *Monitor) decide(ctx context.Context, conditionID string, v evaluate.Verdict, compose func() notify.Message) (gate.Outcome, error) {
	var msgID string
	out, err := m.gate.Decide(ctx, conditionID, v, m.cond.Cooldown, func(ctx context.Context) gate.Delivery {
		msg := compose()
		msgID = msg.ID
		res := m.notifier.Deliver(ctx, msg)
		return gate.Delivery{Attempted: res.Attempted, Confirmed: res.Confirmed(), Err: res.Err()}
	})

	switch out {
	case gate.OutcomeStoreError:
		m.storeOK = false
	case gate.OutcomeSuppressed, gate.OutcomeSkipped:
		m.storeOK = true
	case gate.OutcomeFailed:
		m.storeOK = true
		m.notifyOK = false
	case gate.OutcomeDelivered:
		m.storeOK = true
		m.notifyOK = true
	}

	if out == gate.OutcomeDelivered {
		slog.Info("engine: notification delivered",
			"condition", conditionID,
			"message_id", msgID,
			"value", v.Value,
		)
	}
	return out, err
}

func (m *Monitor) export(rep Report, sourceUp bool) {
	if !m.exporter.Enabled() {
		return
	}
	snap := export.Snapshot{
		Name:         m.cond.MetricPrefix(),
		Kind:         m.src.Kind(),
		Threshold:    m.cond.Threshold,
		SourceUp:     sourceUp,
		StateStoreOK: m.storeOK,
		NotifierOK:   m.notifyOK,
		UptimeRatio:  m.health.uptimeRatio(),
	}
	if rep.Verdict != nil {
		snap.HasValue = true
		snap.Value = rep.Verdict.Value
		snap.OK = !rep.Verdict.Violating()
	}
	if err := m.exporter.Export(snap); err != nil {
		slog.Warn("engine: export failed", "condition", m.cond.ID, "err", err)
	}
}
