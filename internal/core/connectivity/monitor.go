// Package connectivity watches the liveness of the remote replica link
// and drives the sync engine between its online and offline modes. It
// combines a periodic heartbeat probe with imperative platform signals
// (network change, app foregrounding).
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/famsync/famsync/internal/core/observability/log"
)

// Prober is the connectivity side-channel of the replica client.
type Prober interface {
	Connected() bool
}

// Controller is the subset of the sync engine the monitor drives.
type Controller interface {
	SetOffline()
	ResumeOnline(ctx context.Context)
	ForceSync(ctx context.Context)
}

// Config tunes the heartbeat.
type Config struct {
	// Interval between heartbeat probes.
	Interval time.Duration `yaml:"interval"`
	// FailureThreshold is the number of consecutive failed probes before
	// the engine is taken offline. A single dropped probe is tolerated.
	FailureThreshold int `yaml:"failure_threshold"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	return out
}

// Monitor runs the heartbeat loop.
type Monitor struct {
	probe Prober
	ctrl  Controller
	cfg   Config
	lg    log.Log

	mu       sync.Mutex
	online   bool
	failures int

	done    chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

// New builds a monitor. The link is presumed online until probed.
func New(probe Prober, ctrl Controller, lg log.Log, cfg Config) *Monitor {
	return &Monitor{
		probe:  probe,
		ctrl:   ctrl,
		cfg:    cfg.withDefaults(),
		lg:     lg.With(log.String("component", "connectivity")),
		online: true,
		done:   make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop terminates the heartbeat loop and waits for it.
func (m *Monitor) Stop() {
	m.closeMu.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Online reports the monitor's current view of the link.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline applies a platform connectivity signal immediately, without
// waiting for the next heartbeat.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	if online {
		m.markOnline(ctx)
		return
	}
	m.markOffline()
}

// AppForegrounded reacts to the app regaining visibility: probe the link
// right away and, if it is up, force a full sync pass. Time in the
// background can hide an arbitrary backlog of remote changes.
func (m *Monitor) AppForegrounded(ctx context.Context) {
	if !m.probe.Connected() {
		m.heartbeat(ctx)
		return
	}
	m.markOnline(ctx)
	m.ctrl.ForceSync(ctx)
}

// ReportSyncFailure reacts to a push cycle that could not land all of its
// writes: probe the link right away instead of waiting out the heartbeat
// interval. A dead link trips the offline threshold after a few failed
// cycles; a healthy link just resets the streak.
func (m *Monitor) ReportSyncFailure(ctx context.Context) {
	m.heartbeat(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *Monitor) heartbeat(ctx context.Context) {
	if m.probe.Connected() {
		m.markOnline(ctx)
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	tripped := m.online && failures >= m.cfg.FailureThreshold
	if tripped {
		m.online = false
	}
	m.mu.Unlock()

	if tripped {
		m.lg.Warn("heartbeat threshold crossed, engine going offline",
			log.Int("failures", failures))
		m.ctrl.SetOffline()
		return
	}
	m.lg.Debug("heartbeat missed", log.Int("failures", failures))
}

// markOnline resets the failure streak and, when recovering from an
// offline stretch, resumes the engine.
func (m *Monitor) markOnline(ctx context.Context) {
	m.mu.Lock()
	m.failures = 0
	recovered := !m.online
	m.online = true
	m.mu.Unlock()

	if recovered {
		m.lg.Info("link recovered")
		m.ctrl.ResumeOnline(ctx)
	}
}

func (m *Monitor) markOffline() {
	m.mu.Lock()
	already := !m.online
	m.online = false
	m.failures = m.cfg.FailureThreshold
	m.mu.Unlock()

	if !already {
		m.lg.Warn("platform reported offline")
		m.ctrl.SetOffline()
	}
}
