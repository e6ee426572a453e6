// Package notify fans a Message out to the configured human channels.
//
// Channel types:
//   - email   authenticated SMTP (STARTTLS or implicit TLS)
//   - slack   incoming webhook, {"text": ...}
//   - teams   incoming webhook, MessageCard
//   - discord webhook, {"content": ...}
//   - http    generic JSON POST of the full Message
//
// Webhook channels post through a per-channel circuit breaker, so an
// endpoint that keeps failing is short-circuited instead of holding a cycle
// for the full timeout.
//
// Deliver never panics and never returns early: every selected channel is
// tried once and the outcome is summarized in a Result. A Result is
// Confirmed only when at least one channel was attempted and every attempted
// channel succeeded.
package notify
