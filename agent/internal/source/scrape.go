package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// scrapeSource reads one metric family from a Prometheus text exposition
// endpoint and reports the sum of its matching samples.
type scrapeSource struct {
	id     string
	src    config.Source
	client *http.Client
}

func (s *scrapeSource) Kind() Kind { return KindNumeric }

// Sample fetches the endpoint and sums every counter, gauge or untyped sample
// of src.Metric whose labels include all of src.Labels. A family that is
// absent, or has no matching sample, yields ErrNoData.
func (s *scrapeSource) Sample(ctx context.Context) (*Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.src.Timeout)
	defer cancel()

	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		return nil, unavailable(s.id, err)
	}

	total, matched := sumFamily(mfs[s.src.Metric], s.src.Labels)
	if matched == 0 {
		return nil, fmt.Errorf("source %q: metric %q: %w", s.id, s.src.Metric, ErrNoData)
	}
	if math.IsNaN(total) {
		return nil, fmt.Errorf("source %q: metric %q: NaN sum: %w", s.id, s.src.Metric, ErrNoData)
	}
	return &Observation{
		SourceID:  s.id,
		Kind:      KindNumeric,
		Timestamp: time.Now(),
		Value:     total,
	}, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up the counter, gauge and untyped values in mf whose labels
// include every pair in want. It returns the total and the number of samples
// that matched.
func sumFamily(mf *dto.MetricFamily, want map[string]string) (float64, int) {
	if mf == nil {
		return 0, 0
	}
	var total float64
	var matched int
	for _, m := range mf.GetMetric() {
		if !hasLabels(m, want) {
			continue
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		default:
			continue
		}
		matched++
	}
	return total, matched
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(want)
}
