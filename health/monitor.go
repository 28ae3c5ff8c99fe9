// Package health provides the periodic database prober with
// state-transition callbacks.
package health

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultInterval is how often the monitor probes when not configured.
const DefaultInterval = 30 * time.Second

// Prober issues the health probe. *pgxpool.Pool satisfies it via a small
// adapter; tests inject stubs.
type Prober interface {
	// Probe runs `SELECT version(), NOW()` and returns the version string
	// and server time.
	Probe(ctx context.Context) (version string, now time.Time, err error)
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) (string, time.Time, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) (string, time.Time, error) {
	return f(ctx)
}

// Status is one observation of database health.
type Status struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Version   string        `json:"version,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Options configures a Monitor.
type Options struct {
	// Interval between probes. Defaults to DefaultInterval.
	Interval time.Duration

	// OnUnhealthy fires once per healthy→unhealthy transition.
	OnUnhealthy func(s Status)

	// OnHealthy fires once per unhealthy→healthy transition.
	OnHealthy func(s Status)

	// Logger records transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// Monitor periodically probes the database and invokes the transition
// callbacks exactly once per healthy↔unhealthy flip.
type Monitor struct {
	prober Prober
	opts   Options

	mu      sync.Mutex
	last    *Status
	stopCh  chan struct{}
	running bool
}

// NewMonitor creates a Monitor. It does not start probing until Start.
func NewMonitor(prober Prober, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{prober: prober, opts: opts}
}

// Start launches the probe loop. The first probe runs immediately.
// Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	go func() {
		m.Check(ctx)

		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop clears the probe timer. Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

// Check runs one probe immediately, records the result, and fires a
// transition callback when the healthy flag flipped. Returns the
// observed status.
func (m *Monitor) Check(ctx context.Context) Status {
	start := time.Now()
	version, _, err := m.prober.Probe(ctx)

	s := Status{
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
	}
	if err != nil {
		s.Error = err.Error()
	} else {
		s.Healthy = true
		s.Version = versionToken(version)
	}

	m.record(s)
	return s
}

// LastStatus returns the last observed status, or nil if the monitor has
// never probed.
func (m *Monitor) LastStatus() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}

func (m *Monitor) record(s Status) {
	m.mu.Lock()
	prev := m.last
	cp := s
	m.last = &cp
	m.mu.Unlock()

	// A monitor that has never probed is assumed healthy, so a failing
	// first probe counts as a transition.
	wasHealthy := prev == nil || prev.Healthy
	if s.Healthy == wasHealthy {
		return
	}

	if s.Healthy {
		m.opts.Logger.Info("database healthy again",
			slog.Duration("latency", s.Latency),
			slog.String("version", s.Version),
		)
		if m.opts.OnHealthy != nil {
			m.opts.OnHealthy(s)
		}
		return
	}

	m.opts.Logger.Error("database unhealthy",
		slog.String("error", s.Error),
		slog.Duration("latency", s.Latency),
	)
	if m.opts.OnUnhealthy != nil {
		m.opts.OnUnhealthy(s)
	}
}

// versionToken extracts the short server version ("PostgreSQL 16.1" →
// "16.1") from the full version() string.
func versionToken(version string) string {
	fields := strings.Fields(version)
	if len(fields) >= 2 && fields[0] == "PostgreSQL" {
		return fields[1]
	}
	return version
}
