// Package connectivity reports whether the remote backend is reachable.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"offline-submission-queue/internal/telemetry"
)

// Observer exposes the current reachability and a stream of changes. Events
// only carries transitions and keeps the latest value when the reader lags.
type Observer interface {
	Reachable() bool
	Events() <-chan bool
}

type state struct {
	mu        sync.Mutex
	reachable bool
	events    chan bool
}

func newState(initial bool) *state {
	return &state{reachable: initial, events: make(chan bool, 1)}
}

func (s *state) Reachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachable
}

func (s *state) Events() <-chan bool { return s.events }

// set records v and reports whether it changed.
func (s *state) set(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reachable == v {
		return false
	}
	s.reachable = v
	select {
	case <-s.events:
	default:
	}
	s.events <- v
	return true
}

// Manual is an Observer driven by the host, e.g. from OS network callbacks.
type Manual struct {
	*state
}

// NewManual creates a Manual observer in the given initial state.
func NewManual(reachable bool) *Manual {
	return &Manual{state: newState(reachable)}
}

// Set updates reachability. Repeating the current value is ignored.
func (m *Manual) Set(reachable bool) {
	if m.set(reachable) {
		if reachable {
			telemetry.ReachableGauge.Set(1)
		} else {
			telemetry.ReachableGauge.Set(0)
		}
	}
}

// Prober polls a health URL. Any response below 500 counts as reachable: the
// server answered, even if it did not like the probe.
type Prober struct {
	*state
	url        string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewProber creates a prober that starts unreachable until the first probe.
func NewProber(url string, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		state:      newState(false),
		url:        url,
		interval:   interval,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeOnce performs one probe and updates state.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	err := p.check(ctx)
	up := err == nil
	if p.set(up) {
		if up {
			telemetry.ReachableGauge.Set(1)
			p.logger.Info("backend reachable", "url", p.url)
		} else {
			telemetry.ReachableGauge.Set(0)
			p.logger.Warn("backend unreachable", "url", p.url, "error", err)
		}
	}
	return up
}

func (p *Prober) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
