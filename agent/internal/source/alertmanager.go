package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// amAlert is the subset of the Alertmanager v2 gettableAlert schema we read.
type amAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	Status      struct {
		State string `json:"state"`
	} `json:"status"`
}

// alertmanagerSource lists active alerts from Alertmanager.
type alertmanagerSource struct {
	id     string
	src    config.Source
	client *http.Client
}

func (s *alertmanagerSource) Kind() Kind { return KindList }

// Sample returns one Entity per alert whose status.state is "active".
// Silenced and inhibited alerts are not included.
func (s *alertmanagerSource) Sample(ctx context.Context) (*Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.src.Timeout)
	defer cancel()

	url := strings.TrimRight(s.src.Endpoint, "/") + "/api/v2/alerts"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, unavailable(s.id, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, unavailable(s.id, fmt.Errorf("http get: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(s.id, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var alerts []amAlert
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		return nil, unavailable(s.id, fmt.Errorf("decode alerts: %w", err))
	}

	obs := &Observation{SourceID: s.id, Kind: KindList, Timestamp: time.Now()}
	for _, a := range alerts {
		if a.Status.State != "active" {
			continue
		}
		name := a.Labels["alertname"]
		if name == "" {
			name = "unknown"
		}
		obs.Entities = append(obs.Entities, Entity{
			Name:        name,
			Labels:      a.Labels,
			Annotations: a.Annotations,
			Value:       1,
		})
	}
	return obs, nil
}
