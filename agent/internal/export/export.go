// Package export writes one node_exporter textfile per condition so the
// observed signal and the agent's own health can be graphed and alerted on
// independently of notification delivery.
//
// For a condition with prefix "heartbeat" and a freshness source the file
// heartbeat.prom contains:
//
//	heartbeat_delay_seconds 2.5
//	heartbeat_threshold_seconds 1
//	heartbeat_ok 0
//	heartbeat_source_up 1
//	heartbeat_state_store_ok 1
//	heartbeat_notifier_ok 1
//	heartbeat_source_uptime_ratio 1
//
// (plus HELP and TYPE lines). Numeric sources use <p>_value and
// <p>_threshold; list sources use <p>_matched and <p>_threshold.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/obsidianstack/tripwire/agent/internal/config"
	"github.com/obsidianstack/tripwire/agent/internal/source"
)

// Snapshot is the per-cycle state written for one condition.
type Snapshot struct {
	// Name is the metric prefix and the file stem. It is sanitized again
	// before use.
	Name string
	Kind source.Kind

	// HasValue is false when the cycle produced no Observation; the value
	// and ok lines are then omitted.
	HasValue  bool
	Value     float64
	OK        bool
	Threshold float64

	SourceUp     bool
	StateStoreOK bool
	NotifierOK   bool
	UptimeRatio  float64
}

// Exporter writes Snapshots into a textfile collector directory.
// The zero Exporter (empty dir) is disabled and Export returns nil.
type Exporter struct {
	dir string
}

// New returns an Exporter writing into dir.
func New(dir string) *Exporter {
	return &Exporter{dir: dir}
}

// Enabled reports whether Export writes anything.
func (e *Exporter) Enabled() bool { return e != nil && e.dir != "" }

// Path returns the file written for a snapshot named name.
func (e *Exporter) Path(name string) string {
	return filepath.Join(e.dir, config.MetricName(name)+".prom")
}

// Export replaces the file for s atomically.
func (e *Exporter) Export(s Snapshot) error {
	if !e.Enabled() {
		return nil
	}
	prefix := config.MetricName(s.Name)

	reg := prometheus.NewRegistry()
	gauge := func(suffix, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: prefix + "_" + suffix, Help: help})
		g.Set(v)
		reg.MustRegister(g)
	}

	valueName, thresholdName := "value", "threshold"
	switch s.Kind {
	case source.KindFreshness:
		valueName, thresholdName = "delay_seconds", "threshold_seconds"
	case source.KindList:
		valueName = "matched"
	}

	if s.HasValue {
		gauge(valueName, "Last observed value.", s.Value)
		gauge("ok", "1 if the last observation was within threshold.", boolFloat(s.OK))
	}
	gauge(thresholdName, "Configured threshold.", s.Threshold)
	gauge("source_up", "1 if the last sample reached the source.", boolFloat(s.SourceUp))
	gauge("state_store_ok", "0 if the last suppression store access failed.", boolFloat(s.StateStoreOK))
	gauge("notifier_ok", "0 if the last notification attempt failed.", boolFloat(s.NotifierOK))
	gauge("source_uptime_ratio", "Fraction of recent samples that reached the source.", s.UptimeRatio)

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("export: create dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(e.Path(s.Name), reg); err != nil {
		return fmt.Errorf("export: write %s: %w", e.Path(s.Name), err)
	}
	return nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
