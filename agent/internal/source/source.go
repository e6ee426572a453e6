package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// Error kinds returned by Sample. Callers classify with errors.Is.
var (
	// ErrSourceUnavailable means the upstream could not be reached or
	// answered with a malformed or non-success response.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrNoData means the query succeeded but returned nothing to evaluate.
	ErrNoData = errors.New("no data")

	// ErrMarkerMissing means a freshness marker does not exist at all.
	ErrMarkerMissing = errors.New("marker missing")
)

// Kind identifies the shape of an Observation.
type Kind string

const (
	KindNumeric   Kind = "numeric"
	KindList      Kind = "list"
	KindFreshness Kind = "freshness"
)

// Entity is one named member of a list observation: an alert, a container.
type Entity struct {
	Name        string
	Labels      map[string]string
	Annotations map[string]string
	Value       float64
}

// Observation is the output of one Sample call.
//
// For numeric sources Value is the scalar. For freshness sources Value is the
// delay in seconds between the marker and Timestamp. For list sources
// Entities holds the full, unfiltered set.
type Observation struct {
	SourceID  string
	Kind      Kind
	Timestamp time.Time
	Value     float64
	Entities  []Entity
}

// Source is implemented by every signal adapter.
type Source interface {
	Kind() Kind
	Sample(ctx context.Context) (*Observation, error)
}

// New returns the Source for the given condition ID and source configuration.
func New(id string, src config.Source) (Source, error) {
	switch src.Type {
	case "heartbeat":
		return newHeartbeat(id, src), nil
	case "promql", "promql_vector":
		return newPromQL(id, src)
	case "scrape":
		client, err := buildHTTPClient(src)
		if err != nil {
			return nil, fmt.Errorf("source %q: build http client: %w", id, err)
		}
		return &scrapeSource{id: id, src: src, client: client}, nil
	case "alertmanager":
		client, err := buildHTTPClient(src)
		if err != nil {
			return nil, fmt.Errorf("source %q: build http client: %w", id, err)
		}
		return &alertmanagerSource{id: id, src: src, client: client}, nil
	case "tls_cert":
		return newCert(id, src)
	case "pods":
		return newPods(id, src)
	default:
		return nil, fmt.Errorf("source: unsupported type %q", src.Type)
	}
}

// unavailable wraps cause as ErrSourceUnavailable for source id.
func unavailable(id string, cause error) error {
	return fmt.Errorf("source %q: %w: %w", id, ErrSourceUnavailable, cause)
}
