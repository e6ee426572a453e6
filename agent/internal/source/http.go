package source

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.Header, t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildTLSConfig returns the client TLS settings for src, loading the client
// certificate and CA bundle in mtls mode.
func buildTLSConfig(src config.Source) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if src.Auth.Mode != "mtls" {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if src.Auth.CAFile != "" {
		caPEM, err := os.ReadFile(src.Auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// buildHTTPClient constructs an http.Client for the source's auth, TLS and
// timeout settings. The client is built once and reused across samples.
func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg, err := buildTLSConfig(src)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: src.Auth,
		},
		Timeout: src.Timeout,
	}, nil
}
