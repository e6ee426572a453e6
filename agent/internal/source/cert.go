package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// certSource reports the number of days left before the leaf certificate
// presented by an HTTPS endpoint expires.
type certSource struct {
	id     string
	host   string
	src    config.Source
	tlsCfg *tls.Config
	now    func() time.Time
}

func newCert(id string, src config.Source) (*certSource, error) {
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Scheme != "https" {
		return nil, fmt.Errorf("source %q: tls_cert endpoint must be an https URL, got %q", id, src.Endpoint)
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		// No explicit port in the URL; append the HTTPS default.
		host = net.JoinHostPort(host, "443")
	}
	tlsCfg, err := buildTLSConfig(src)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", id, err)
	}
	return &certSource{id: id, host: host, src: src, tlsCfg: tlsCfg, now: time.Now}, nil
}

func (s *certSource) Kind() Kind { return KindNumeric }

func (s *certSource) Sample(ctx context.Context) (*Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.src.Timeout)
	defer cancel()

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: s.tlsCfg}
	netConn, err := dialer.DialContext(ctx, "tcp", s.host)
	if err != nil {
		return nil, unavailable(s.id, err)
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		return nil, unavailable(s.id, fmt.Errorf("no peer certificates from %s", s.host))
	}

	now := s.now()
	daysLeft := peerCerts[0].NotAfter.Sub(now).Hours() / 24
	return &Observation{
		SourceID:  s.id,
		Kind:      KindNumeric,
		Timestamp: now,
		Value:     daysLeft,
	}, nil
}
