package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// Discord rejects content longer than this many characters.
const discordMaxContent = 2000

// payloadFunc renders msg into a channel-specific JSON body.
type payloadFunc func(msg Message) any

// webhookChannel posts a JSON payload to a URL through a circuit breaker.
type webhookChannel struct {
	name    string
	kind    string
	url     string
	payload payloadFunc
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

func newWebhook(c config.Channel, payload payloadFunc) *webhookChannel {
	return &webhookChannel{
		name:    c.Name,
		kind:    c.Type,
		url:     c.URL(),
		payload: payload,
		client:  &http.Client{},
		cb:      newBreaker(c.Name),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("notify: circuit breaker state change",
				"channel", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func (w *webhookChannel) Name() string { return w.name }
func (w *webhookChannel) Kind() string { return w.kind }

func (w *webhookChannel) Send(ctx context.Context, msg Message) error {
	if w.url == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(w.payload(msg))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = w.cb.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	return err
}

func (w *webhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func slackPayload(msg Message) any {
	return map[string]string{
		"text": fmt.Sprintf("*%s %s*\n%s", severityLabel(msg.Severity), msg.Subject, msg.Body),
	}
}

func teamsPayload(msg Message) any {
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(msg.Severity),
		"summary":    msg.Subject,
		"title":      fmt.Sprintf("%s %s", severityLabel(msg.Severity), msg.Subject),
		"text":       msg.Body,
	}
}

func discordPayload(msg Message) any {
	content := fmt.Sprintf("**%s %s**\n%s", severityLabel(msg.Severity), msg.Subject, msg.Body)
	if r := []rune(content); len(r) > discordMaxContent {
		content = string(r[:discordMaxContent-3]) + "..."
	}
	return map[string]string{"content": content}
}

func httpPayload(msg Message) any {
	return map[string]interface{}{"message": msg}
}
