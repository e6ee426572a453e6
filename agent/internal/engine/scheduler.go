package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler drives a fixed set of Monitors.
type Scheduler struct {
	monitors []*Monitor
}

// NewScheduler returns a Scheduler over monitors.
func NewScheduler(monitors ...*Monitor) *Scheduler {
	return &Scheduler{monitors: monitors}
}

// Run starts one goroutine per Monitor. Each runs a cycle immediately, then
// one per Interval, until ctx is cancelled. Cycles of one Monitor never
// overlap; a slow cycle delays that Monitor's next tick only.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range s.monitors {
		m := m
		g.Go(func() error {
			s.loop(ctx, m)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, m *Monitor) {
	interval := m.Interval()
	if interval <= 0 {
		slog.Error("engine: non-positive interval, monitor disabled", "condition", m.ID(), "interval", interval)
		return
	}
	slog.Info("engine: monitor started", "condition", m.ID(), "interval", interval)

	logReport(m.Cycle(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("engine: monitor stopped", "condition", m.ID())
			return
		case <-ticker.C:
			logReport(m.Cycle(ctx))
		}
	}
}

// RunOnce runs exactly one cycle of every Monitor concurrently and returns
// the reports in Monitor order.
func (s *Scheduler) RunOnce(ctx context.Context) []Report {
	reports := make([]Report, len(s.monitors))
	var g errgroup.Group
	for i, m := range s.monitors {
		i, m := i, m
		g.Go(func() error {
			reports[i] = m.Cycle(ctx)
			logReport(reports[i])
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func logReport(r Report) {
	attrs := []any{"condition", r.ConditionID, "outcome", string(r.Outcome)}
	if r.Verdict != nil {
		attrs = append(attrs, "state", string(r.Verdict.State), "value", r.Verdict.Value)
	}
	if r.SourceDown != "" {
		attrs = append(attrs, "source_down", string(r.SourceDown))
	}
	slog.Debug("engine: cycle complete", attrs...)
}
