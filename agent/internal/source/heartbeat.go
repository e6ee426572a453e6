package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
)

// heartbeatSource derives staleness from a marker file's modification time.
type heartbeatSource struct {
	id      string
	path    string
	timeout time.Duration
	now     func() time.Time // injectable for deterministic tests
}

func newHeartbeat(id string, src config.Source) *heartbeatSource {
	return &heartbeatSource{id: id, path: src.Path, timeout: src.Timeout, now: time.Now}
}

func (s *heartbeatSource) Kind() Kind { return KindFreshness }

// Sample returns Value = now - mtime in seconds. A marker that does not
// exist is ErrMarkerMissing; any other stat failure, or a stat that does not
// return within the timeout (hung network mount), is ErrSourceUnavailable.
func (s *heartbeatSource) Sample(ctx context.Context) (*Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type statResult struct {
		info fs.FileInfo
		err  error
	}
	done := make(chan statResult, 1)
	go func() {
		info, err := os.Stat(s.path)
		done <- statResult{info, err}
	}()

	var res statResult
	select {
	case <-ctx.Done():
		return nil, unavailable(s.id, fmt.Errorf("stat %s: %w", s.path, ctx.Err()))
	case res = <-done:
	}

	if res.err != nil {
		if errors.Is(res.err, fs.ErrNotExist) {
			return nil, fmt.Errorf("source %q: %s: %w", s.id, s.path, ErrMarkerMissing)
		}
		return nil, unavailable(s.id, res.err)
	}

	now := s.now()
	delay := now.Sub(res.info.ModTime()).Seconds()
	if delay < 0 {
		// Marker written by a host whose clock is ahead of ours.
		delay = 0
	}
	return &Observation{
		SourceID:  s.id,
		Kind:      KindFreshness,
		Timestamp: now,
		Value:     delay,
	}, nil
}
