package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// ErrNotConfigured is returned by a channel that has no destination (empty
// webhook URL or SMTP host). Deliver counts it as a skip, not a failure.
var ErrNotConfigured = errors.New("channel not configured")

// Message is one notification about a violating condition.
type Message struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"condition_id"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Severity    string    `json:"severity"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	FiredAt     time.Time `json:"fired_at"`
}

// NewMessage returns a Message with a fresh ID.
func NewMessage(conditionID, severity, subject, body string, value, threshold float64, firedAt time.Time) Message {
	return Message{
		ID:          uuid.NewString(),
		ConditionID: conditionID,
		Subject:     subject,
		Body:        body,
		Severity:    severity,
		Value:       value,
		Threshold:   threshold,
		FiredAt:     firedAt,
	}
}

// DeliveryError is a failure of one named channel.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("channel %q: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Channel is one delivery target.
type Channel interface {
	Name() string
	Kind() string
	Send(ctx context.Context, msg Message) error
}

// Result summarizes one Deliver call.
type Result struct {
	Attempted int
	Delivered int
	Skipped   int
	Failed    int

	// Errors holds one *DeliveryError per failed channel.
	Errors []error
}

// Confirmed reports whether the message reached every attempted channel and
// at least one channel was attempted.
func (r Result) Confirmed() bool {
	return r.Attempted > 0 && r.Failed == 0
}

// Err joins all channel errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Notifier delivers to a fixed set of channels.
type Notifier struct {
	channels []Channel
	timeout  time.Duration
}

// New builds a Notifier with one Channel per entry of cfg.Channels.
func New(cfg *config.Config) (*Notifier, error) {
	chans := make([]Channel, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		ch, err := newChannel(c)
		if err != nil {
			return nil, err
		}
		chans = append(chans, ch)
	}
	return NewWithChannels(cfg.Notify.Timeout, chans...), nil
}

// NewWithChannels returns a Notifier over chans. A zero timeout uses
// config.DefaultNotifyTimeout.
func NewWithChannels(timeout time.Duration, chans ...Channel) *Notifier {
	if timeout <= 0 {
		timeout = config.DefaultNotifyTimeout
	}
	return &Notifier{channels: chans, timeout: timeout}
}

func newChannel(c config.Channel) (Channel, error) {
	switch c.Type {
	case "email":
		return newEmail(c), nil
	case "slack":
		return newWebhook(c, slackPayload), nil
	case "teams":
		return newWebhook(c, teamsPayload), nil
	case "discord":
		return newWebhook(c, discordPayload), nil
	case "http":
		return newWebhook(c, httpPayload), nil
	default:
		return nil, fmt.Errorf("notify: unknown channel type %q", c.Type)
	}
}

// For returns a Notifier restricted to the named channels, in the order the
// Notifier holds them. An empty names list returns n itself.
func (n *Notifier) For(names []string) *Notifier {
	if len(names) == 0 {
		return n
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	sub := &Notifier{timeout: n.timeout}
	for _, ch := range n.channels {
		if want[ch.Name()] {
			sub.channels = append(sub.channels, ch)
		}
	}
	return sub
}

// Channels returns the number of channels n delivers to.
func (n *Notifier) Channels() int { return len(n.channels) }

// Deliver sends msg to every channel, bounded by the notify timeout.
func (n *Notifier) Deliver(ctx context.Context, msg Message) Result {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var res Result
	for _, ch := range n.channels {
		err := sendSafe(ctx, ch, msg)
		switch {
		case errors.Is(err, ErrNotConfigured):
			res.Skipped++
			slog.Warn("notify: channel not configured, skipping",
				"channel", ch.Name(),
				"condition", msg.ConditionID,
			)
		case err != nil:
			res.Attempted++
			res.Failed++
			res.Errors = append(res.Errors, &DeliveryError{Channel: ch.Name(), Err: err})
			slog.Error("notify: delivery failed",
				"channel", ch.Name(),
				"type", ch.Kind(),
				"condition", msg.ConditionID,
				"message_id", msg.ID,
				"err", err,
			)
		default:
			res.Attempted++
			res.Delivered++
			slog.Info("notify: delivered",
				"channel", ch.Name(),
				"type", ch.Kind(),
				"condition", msg.ConditionID,
				"message_id", msg.ID,
			)
		}
	}
	return res
}

// sendSafe converts a panic inside a channel into an error.
func sendSafe(ctx context.Context, ch Channel, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ch.Send(ctx, msg)
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
