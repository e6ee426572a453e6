package engine

import (
	"fmt"
	"log/slog"

	"github.com/obsidianstack/tripwire/agent/internal/config"
	"github.com/obsidianstack/tripwire/agent/internal/export"
	"github.com/obsidianstack/tripwire/agent/internal/gate"
	"github.com/obsidianstack/tripwire/agent/internal/notify"
	"github.com/obsidianstack/tripwire/agent/internal/source"
)

// Build returns one Monitor per configured condition, sharing g, n and exp.
func Build(cfg *config.Config, g *gate.Gate, n *notify.Notifier, exp *export.Exporter) ([]*Monitor, error) {
	monitors := make([]*Monitor, 0, len(cfg.Conditions))
	for _, c := range cfg.Conditions {
		src, err := source.New(c.ID, c.Source)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", c.ID, err)
		}
		sub := n.For(c.Channels)
		if sub.Channels() == 0 {
			slog.Warn("engine: condition has no channels, violations will not notify", "condition", c.ID)
		}
		monitors = append(monitors, NewMonitor(c, src, g, sub, exp, nil))
		slog.Info("engine: registered condition",
			"condition", c.ID,
			"source", c.Source.Type,
			"threshold", c.Threshold,
			"cooldown", c.Cooldown,
			"channels", sub.Channels(),
		)
	}
	return monitors, nil
}
