// Package config loads and watches the agent configuration file.
//
// Top-level types:
//   - Config: interval, state, export, notify, channels [], conditions []
//   - StateConfig: suppression store backend (file | postgres | nats)
//   - Channel / SMTPConfig: notification targets; secrets via *_env fields
//   - Condition: one threshold check: source, threshold, op, entity
//     predicates, cooldown, severity, channels
//   - Source / AuthConfig / TLSConfig: where and how a condition samples
//
// Load(path) reads the YAML file, applies defaults (60s interval, 5m cooldown,
// 5s source and state timeouts, 10s notify timeout), then validates enums,
// required fields and metric name collisions. LoadEnv(path) pre-populates the
// environment from a .env file.
//
// Watch(ctx, path, onChange) uses fsnotify to report edits that load. The
// agent does not apply a changed file while running.
package config
