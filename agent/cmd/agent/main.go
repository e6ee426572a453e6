package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/obsidianstack/tripwire/agent/internal/config"
	"github.com/obsidianstack/tripwire/agent/internal/engine"
	"github.com/obsidianstack/tripwire/agent/internal/export"
	"github.com/obsidianstack/tripwire/agent/internal/gate"
	"github.com/obsidianstack/tripwire/agent/internal/notify"
	"github.com/obsidianstack/tripwire/agent/internal/suppress"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	once := flag.Bool("once", false, "run every condition once and exit (cron / job mode)")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("tripwire-agent starting", "config", *configPath, "once", *once)

	if err := config.LoadEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "path", *envFile, "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"conditions", len(cfg.Conditions),
		"channels", len(cfg.Channels),
		"state_backend", cfg.State.Backend,
		"export_dir", cfg.Export.Dir,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := suppress.Open(ctx, cfg.State)
	if err != nil {
		slog.Error("failed to open state store", "backend", cfg.State.Backend, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	notifier, err := notify.New(cfg)
	if err != nil {
		slog.Error("failed to build notifier", "err", err)
		os.Exit(1)
	}

	monitors, err := engine.Build(cfg, gate.New(store, cfg.State.Timeout, nil), notifier, export.New(cfg.Export.Dir))
	if err != nil {
		slog.Error("failed to build monitors", "err", err)
		os.Exit(1)
	}
	if len(monitors) == 0 {
		slog.Warn("no conditions configured, agent will idle")
	}
	sched := engine.NewScheduler(monitors...)

	if *once {
		sched.RunOnce(ctx)
		slog.Info("tripwire-agent run complete")
		return
	}

	// Changes are reported but not applied: the running config is immutable.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			slog.Warn("config file changed, restart to apply", "conditions", len(updated.Conditions))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler stopped", "err", err)
	}
	slog.Info("tripwire-agent shutting down")
}
