package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// promQLSource runs an instant query against the Prometheus HTTP API.
// In numeric mode the first sample is the observation; in vector mode
// (promql_vector) every sample becomes an Entity.
type promQLSource struct {
	id     string
	src    config.Source
	vector bool
	api    v1.API
}

func newPromQL(id string, src config.Source) (*promQLSource, error) {
	httpClient, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("source %q: build http client: %w", id, err)
	}
	client, err := api.NewClient(api.Config{
		Address:      src.Endpoint,
		RoundTripper: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("source %q: prometheus client: %w", id, err)
	}
	return &promQLSource{
		id:     id,
		src:    src,
		vector: src.Type == "promql_vector",
		api:    v1.NewAPI(client),
	}, nil
}

func (s *promQLSource) Kind() Kind {
	if s.vector {
		return KindList
	}
	return KindNumeric
}

func (s *promQLSource) Sample(ctx context.Context) (*Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.src.Timeout)
	defer cancel()

	now := time.Now()
	val, warnings, err := s.api.Query(ctx, s.src.Query, now)
	if err != nil {
		return nil, unavailable(s.id, err)
	}
	if len(warnings) > 0 {
		slog.Warn("source: promql warnings", "source", s.id, "warnings", warnings)
	}

	if s.vector {
		return s.toList(val, now)
	}
	return s.toNumeric(val, now)
}

// toNumeric extracts a single scalar. An empty vector, or a NaN produced by
// histogram_quantile over no traffic, is ErrNoData.
func (s *promQLSource) toNumeric(val model.Value, now time.Time) (*Observation, error) {
	var v float64
	switch r := val.(type) {
	case *model.Scalar:
		v = float64(r.Value)
	case model.Vector:
		if len(r) == 0 {
			return nil, fmt.Errorf("source %q: empty result: %w", s.id, ErrNoData)
		}
		v = float64(r[0].Value)
	default:
		return nil, unavailable(s.id, fmt.Errorf("unexpected result type %s", val.Type()))
	}
	if math.IsNaN(v) {
		return nil, fmt.Errorf("source %q: NaN result: %w", s.id, ErrNoData)
	}
	return &Observation{SourceID: s.id, Kind: KindNumeric, Timestamp: now, Value: v}, nil
}

// toList converts an instant vector into entities named by src.EntityLabel.
// An empty vector is a valid, empty list.
func (s *promQLSource) toList(val model.Value, now time.Time) (*Observation, error) {
	vec, ok := val.(model.Vector)
	if !ok {
		return nil, unavailable(s.id, fmt.Errorf("unexpected result type %s, want vector", val.Type()))
	}
	obs := &Observation{SourceID: s.id, Kind: KindList, Timestamp: now}
	for _, sample := range vec {
		labels := make(map[string]string, len(sample.Metric))
		for k, v := range sample.Metric {
			labels[string(k)] = string(v)
		}
		name := labels[s.src.EntityLabel]
		if name == "" {
			name = "unknown"
		}
		obs.Entities = append(obs.Entities, Entity{
			Name:   name,
			Labels: labels,
			Value:  float64(sample.Value),
		})
	}
	return obs, nil
}
