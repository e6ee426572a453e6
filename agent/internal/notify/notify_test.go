package notify

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jordan-wright/email"
	"github.com/sony/gobreaker"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

var testMsg = Message{
	ID:          "5f0c6c1e-0000-4000-8000-000000000001",
	ConditionID: "heartbeat",
	Subject:     "Trading Engine Hang Detected",
	Body:        "Engine heartbeat delay 2.500s exceeds threshold 1s.",
	Severity:    "critical",
	Value:       2.5,
	Threshold:   1,
	FiredAt:     time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
}

// capture records the last JSON body posted to a test server.
type capture struct {
	mu   sync.Mutex
	body map[string]interface{}
	hits int
}

func (c *capture) last() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// captureServer responds with status to every POST and records its body.
func captureServer(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type: got %q", ct)
		}
		data, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(data, &body)

		c.mu.Lock()
		c.body = body
		c.hits++
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func webhookFor(t *testing.T, typ, url string) Channel {
	t.Helper()
	t.Setenv("TEST_HOOK_"+strings.ToUpper(typ), url)
	ch, err := newChannel(config.Channel{Name: typ, Type: typ, URLEnv: "TEST_HOOK_" + strings.ToUpper(typ)})
	if err != nil {
		t.Fatalf("newChannel: %v", err)
	}
	return ch
}

func TestWebhook_Payloads(t *testing.T) {
	tests := []struct {
		typ    string
		status int
		check  func(t *testing.T, body map[string]interface{})
	}{
		{"slack", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			text, _ := body["text"].(string)
			if !strings.Contains(text, "[CRITICAL]") || !strings.Contains(text, testMsg.Subject) {
				t.Errorf("slack text: %q", text)
			}
		}},
		{"teams", http.StatusOK, func(t *testing.T, body map[string]interface{}) {
			if body["@type"] != "MessageCard" {
				t.Errorf("teams @type: %v", body["@type"])
			}
			if body["themeColor"] != "FF4F6A" {
				t.Errorf("teams themeColor: %v", body["themeColor"])
			}
			if body["text"] != testMsg.Body {
				t.Errorf("teams text: %v", body["text"])
			}
		}},
		{"discord", http.StatusNoContent, func(t *testing.T, body map[string]interface{}) {
			content, _ := body["content"].(string)
			if !strings.Contains(content, testMsg.Body) {
				t.Errorf("discord content: %q", content)
			}
		}},
		{"http", http.StatusAccepted, func(t *testing.T, body map[string]interface{}) {
			m, _ := body["message"].(map[string]interface{})
			if m["condition_id"] != "heartbeat" || m["id"] != testMsg.ID {
				t.Errorf("http message: %v", m)
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.typ, func(t *testing.T) {
			srv, c := captureServer(t, tc.status)
			ch := webhookFor(t, tc.typ, srv.URL)
			if err := ch.Send(context.Background(), testMsg); err != nil {
				t.Fatalf("Send: %v", err)
			}
			tc.check(t, c.last())
		})
	}
}

func TestWebhook_NonSuccessStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError)
	ch := webhookFor(t, "slack", srv.URL)
	err := ch.Send(context.Background(), testMsg)
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("got %v, want HTTP 500 error", err)
	}
}

func TestWebhook_NotConfigured(t *testing.T) {
	ch := webhookFor(t, "slack", "")
	if err := ch.Send(context.Background(), testMsg); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

func TestWebhook_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv, c := captureServer(t, http.StatusBadGateway)
	ch := webhookFor(t, "http", srv.URL)

	for i := 0; i < 3; i++ {
		if err := ch.Send(context.Background(), testMsg); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	err := ch.Send(context.Background(), testMsg)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("4th attempt: got %v, want ErrOpenState", err)
	}
	if n := c.count(); n != 3 {
		t.Errorf("server hits: got %d, want 3", n)
	}
}

func TestDiscordPayload_Truncated(t *testing.T) {
	long := testMsg
	long.Body = strings.Repeat("x", 5000)
	p := discordPayload(long).(map[string]string)
	if n := len(p["content"]); n != discordMaxContent {
		t.Errorf("content length: got %d, want %d", n, discordMaxContent)
	}
}

// The limit counts characters; a multi-byte body must be cut on a rune
// boundary and stay valid UTF-8.
func TestDiscordPayload_TruncatedMultiByte(t *testing.T) {
	long := testMsg
	long.Body = strings.Repeat("é", 3000)
	content := discordPayload(long).(map[string]string)["content"]
	if n := utf8.RuneCountInString(content); n != discordMaxContent {
		t.Errorf("content characters: got %d, want %d", n, discordMaxContent)
	}
	if !utf8.ValidString(content) {
		t.Error("content is not valid UTF-8")
	}
	if !strings.HasSuffix(content, "...") {
		t.Errorf("content should end in an ellipsis: %q", content[len(content)-8:])
	}
}

// --- Notifier ---

type stubChannel struct {
	name string
	err  error
	hits int
	fn   func()
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Kind() string { return "stub" }
func (s *stubChannel) Send(context.Context, Message) error {
	s.hits++
	if s.fn != nil {
		s.fn()
	}
	return s.err
}

func TestDeliver_Result(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		chans     []Channel
		want      Result
		confirmed bool
	}{
		{"all ok", []Channel{&stubChannel{name: "a"}, &stubChannel{name: "b"}},
			Result{Attempted: 2, Delivered: 2}, true},
		{"one failed", []Channel{&stubChannel{name: "a"}, &stubChannel{name: "b", err: boom}},
			Result{Attempted: 2, Delivered: 1, Failed: 1}, false},
		{"skip and ok", []Channel{&stubChannel{name: "a", err: ErrNotConfigured}, &stubChannel{name: "b"}},
			Result{Attempted: 1, Delivered: 1, Skipped: 1}, true},
		{"skip only", []Channel{&stubChannel{name: "a", err: ErrNotConfigured}},
			Result{Skipped: 1}, false},
		{"no channels", nil, Result{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := NewWithChannels(time.Second, tc.chans...).Deliver(context.Background(), testMsg)
			if res.Attempted != tc.want.Attempted || res.Delivered != tc.want.Delivered ||
				res.Skipped != tc.want.Skipped || res.Failed != tc.want.Failed {
				t.Errorf("result: got %+v, want %+v", res, tc.want)
			}
			if res.Confirmed() != tc.confirmed {
				t.Errorf("Confirmed: got %v, want %v", res.Confirmed(), tc.confirmed)
			}
		})
	}
}

func TestDeliver_DeliveryErrorNamesChannel(t *testing.T) {
	boom := errors.New("connection refused")
	res := NewWithChannels(time.Second, &stubChannel{name: "oncall", err: boom}).Deliver(context.Background(), testMsg)

	var de *DeliveryError
	if !errors.As(res.Err(), &de) {
		t.Fatalf("Err(): got %v, want *DeliveryError", res.Err())
	}
	if de.Channel != "oncall" || !errors.Is(de, boom) {
		t.Errorf("DeliveryError: got %+v", de)
	}
}

func TestDeliver_RecoversPanic(t *testing.T) {
	bad := &stubChannel{name: "bad", fn: func() { panic("nil map") }}
	good := &stubChannel{name: "good"}
	res := NewWithChannels(time.Second, bad, good).Deliver(context.Background(), testMsg)

	if res.Failed != 1 || res.Delivered != 1 {
		t.Errorf("result: got %+v", res)
	}
	if good.hits != 1 {
		t.Error("channel after the panicking one was not tried")
	}
}

func TestNotifier_For(t *testing.T) {
	a, b, c := &stubChannel{name: "a"}, &stubChannel{name: "b"}, &stubChannel{name: "c"}
	n := NewWithChannels(time.Second, a, b, c)

	if n.For(nil) != n {
		t.Error("For(nil) should return the full notifier")
	}
	sub := n.For([]string{"c", "a"})
	if sub.Channels() != 2 {
		t.Fatalf("Channels: got %d, want 2", sub.Channels())
	}
	sub.Deliver(context.Background(), testMsg)
	if a.hits != 1 || b.hits != 0 || c.hits != 1 {
		t.Errorf("hits: a=%d b=%d c=%d", a.hits, b.hits, c.hits)
	}
}

func TestNew_UnknownType(t *testing.T) {
	cfg := &config.Config{Channels: []config.Channel{{Name: "x", Type: "fax"}}}
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown channel type")
	}
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	a := NewMessage("c", "warning", "s", "b", 1, 0, time.Now())
	b := NewMessage("c", "warning", "s", "b", 1, 0, time.Now())
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs: %q %q", a.ID, b.ID)
	}
}

// --- email ---

func TestEmail_Send(t *testing.T) {
	t.Setenv("TEST_SMTP_PASS", "app-password")
	ch := newEmail(config.Channel{Name: "oncall", Type: "email", SMTP: config.SMTPConfig{
		Host: "smtp.example.com", Port: 465, TLS: "tls",
		Username: "alerts@example.com", PasswordEnv: "TEST_SMTP_PASS",
		To: []string{"oncall@example.com"},
	}})

	var gotAddr string
	var gotMail *email.Email
	ch.send = func(_ context.Context, e *email.Email, addr string, auth smtp.Auth, tc *tls.Config) error {
		gotAddr, gotMail = addr, e
		if auth == nil {
			t.Error("auth should be set when username is configured")
		}
		if tc.ServerName != "smtp.example.com" {
			t.Errorf("tls server name: %q", tc.ServerName)
		}
		return nil
	}

	if err := ch.Send(context.Background(), testMsg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:465" {
		t.Errorf("addr: got %q", gotAddr)
	}
	if gotMail.From != "alerts@example.com" {
		t.Errorf("from should default to username, got %q", gotMail.From)
	}
	if gotMail.Subject != "[CRITICAL] Trading Engine Hang Detected" {
		t.Errorf("subject: got %q", gotMail.Subject)
	}
	if !strings.Contains(string(gotMail.Text), testMsg.Body) || !strings.Contains(string(gotMail.Text), testMsg.ID) {
		t.Errorf("text: got %q", gotMail.Text)
	}
}

func TestEmail_NotConfigured(t *testing.T) {
	ch := newEmail(config.Channel{Name: "mail", Type: "email"})
	if err := ch.Send(context.Background(), testMsg); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

// smtpServer is a minimal loopback SMTP server. It answers the commands
// net/smtp issues without STARTTLS or AUTH and records each DATA payload.
type smtpServer struct {
	port int
	data chan string
}

func newSMTPServer(t *testing.T) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	srv := &smtpServer{port: ln.Addr().(*net.TCPAddr).Port, data: make(chan string, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = io.WriteString(conn, s+"\r\n") }
		reply("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250-localhost")
				reply("250 8BITMIME")
			case cmd == "DATA":
				reply("354 end data with <CR><LF>.<CR><LF>")
				var body strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					body.WriteString(l)
				}
				srv.data <- body.String()
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 OK")
			}
		}
	}()
	return srv
}

func TestEmail_SendsOverSMTP(t *testing.T) {
	srv := newSMTPServer(t)
	ch := newEmail(config.Channel{Name: "mail", Type: "email", SMTP: config.SMTPConfig{
		Host: "127.0.0.1", Port: srv.port, TLS: "starttls",
		From: "tripwire@example.com", To: []string{"oncall@example.com"},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Send(ctx, testMsg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-srv.data:
		if !strings.Contains(got, "Subject: [CRITICAL] Trading Engine Hang Detected") {
			t.Errorf("subject header missing: %q", got)
		}
		if !strings.Contains(got, "X-Tripwire-Condition: heartbeat") {
			t.Errorf("condition header missing: %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server received no message")
	}
}

// A server that accepts but never greets must not hold Send past the
// deadline, and the connection must be closed when Send returns.
func TestEmail_TimeoutClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()

	ch := newEmail(config.Channel{Name: "mail", Type: "email", SMTP: config.SMTPConfig{
		Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port,
		From: "tripwire@example.com", To: []string{"a@example.com"},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = ch.Send(ctx, testMsg)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Send did not return at the deadline")
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Error("connection left open after Send returned")
	}
}

func TestEmail_SMTPError(t *testing.T) {
	ch := newEmail(config.Channel{Name: "mail", Type: "email", SMTP: config.SMTPConfig{
		Host: "smtp.example.com", Port: 587, To: []string{"a@example.com"},
	}})
	ch.send = func(context.Context, *email.Email, string, smtp.Auth, *tls.Config) error {
		return errors.New("535 authentication failed")
	}
	err := ch.Send(context.Background(), testMsg)
	if err == nil || !strings.Contains(err.Error(), "535") {
		t.Errorf("got %v", err)
	}
}
