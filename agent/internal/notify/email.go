package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"github.com/jordan-wright/email"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// mailSender transmits e to addr and returns once ctx is done. Replaced in tests.
type mailSender func(ctx context.Context, e *email.Email, addr string, auth smtp.Auth, tc *tls.Config) error

type emailChannel struct {
	name string
	cfg  config.SMTPConfig
	send mailSender
}

func newEmail(c config.Channel) *emailChannel {
	implicitTLS := c.SMTP.TLS == "tls"
	return &emailChannel{
		name: c.Name,
		cfg:  c.SMTP,
		send: func(ctx context.Context, e *email.Email, addr string, auth smtp.Auth, tc *tls.Config) error {
			return sendMail(ctx, e, addr, auth, tc, implicitTLS)
		},
	}
}

func (m *emailChannel) Name() string { return m.name }
func (m *emailChannel) Kind() string { return "email" }

// Send submits msg over authenticated SMTP.
func (m *emailChannel) Send(ctx context.Context, msg Message) error {
	if m.cfg.Host == "" || len(m.cfg.To) == 0 {
		return ErrNotConfigured
	}

	e := email.NewEmail()
	e.From = m.cfg.From
	if e.From == "" {
		e.From = m.cfg.Username
	}
	e.To = m.cfg.To
	e.Subject = fmt.Sprintf("%s %s", severityLabel(msg.Severity), msg.Subject)
	e.Text = []byte(msg.Body + "\n\nmessage-id: " + msg.ID + "\n")
	e.Headers.Set("X-Tripwire-Condition", msg.ConditionID)

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password(), m.cfg.Host)
	}
	tc := &tls.Config{ServerName: m.cfg.Host}

	if err := m.send(ctx, e, addr, auth, tc); err != nil {
		return fmt.Errorf("smtp %s: %w", addr, err)
	}
	return nil
}

// sendMail runs one SMTP session. The connection deadline follows ctx, and
// the connection is closed when sendMail returns, so nothing outlives the
// call. jordan-wright/email renders the message; net/smtp drives the session
// over the dialed connection.
func sendMail(ctx context.Context, e *email.Email, addr string, auth smtp.Auth, tc *tls.Config, implicitTLS bool) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// Connection deadlines come from ctx, which is done at the same instant.
			<-ctx.Done()
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	}()

	raw, err := e.Bytes()
	if err != nil {
		return fmt.Errorf("render message: %w", err)
	}
	from, err := mail.ParseAddress(e.From)
	if err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	rcpts := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	for _, list := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, r := range list {
			a, err := mail.ParseAddress(r)
			if err != nil {
				return fmt.Errorf("recipient %q: %w", r, err)
			}
			rcpts = append(rcpts, a.Address)
		}
	}

	var conn net.Conn
	if implicitTLS {
		d := &tls.Dialer{Config: tc}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return err
		}
	}
	// Cancellation without a deadline unblocks pending I/O too.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	host, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if !implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tc); err != nil {
				return err
			}
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from.Address); err != nil {
		return err
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
