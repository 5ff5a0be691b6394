package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/famsync/famsync/internal/core/observability/log"
)

type fakeProbe struct {
	mu        sync.Mutex
	connected bool
}

func (p *fakeProbe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakeProbe) set(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

type fakeController struct {
	mu      sync.Mutex
	offline int
	resumed int
	forced  int
}

func (c *fakeController) SetOffline() {
	c.mu.Lock()
	c.offline++
	c.mu.Unlock()
}

func (c *fakeController) ResumeOnline(context.Context) {
	c.mu.Lock()
	c.resumed++
	c.mu.Unlock()
}

func (c *fakeController) ForceSync(context.Context) {
	c.mu.Lock()
	c.forced++
	c.mu.Unlock()
}

func (c *fakeController) counts() (offline, resumed, forced int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline, c.resumed, c.forced
}

func newMonitor(probe *fakeProbe, ctrl *fakeController) *Monitor {
	return New(probe, ctrl, log.NewNop(), Config{
		Interval:         5 * time.Millisecond,
		FailureThreshold: 3,
	})
}

func TestDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 3, cfg.FailureThreshold)
}

func TestOfflineAfterThresholdFailures(t *testing.T) {
	probe := &fakeProbe{connected: false}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)
	ctx := context.Background()

	m.heartbeat(ctx)
	m.heartbeat(ctx)
	offline, _, _ := ctrl.counts()
	assert.Zero(t, offline, "two misses stay online")
	assert.True(t, m.Online())

	m.heartbeat(ctx)
	offline, _, _ = ctrl.counts()
	assert.Equal(t, 1, offline, "third consecutive miss trips the monitor")
	assert.False(t, m.Online())

	// further misses do not re-fire the transition
	m.heartbeat(ctx)
	offline, _, _ = ctrl.counts()
	assert.Equal(t, 1, offline)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	probe := &fakeProbe{connected: false}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)
	ctx := context.Background()

	m.heartbeat(ctx)
	m.heartbeat(ctx)
	probe.set(true)
	m.heartbeat(ctx)
	probe.set(false)
	m.heartbeat(ctx)
	m.heartbeat(ctx)

	offline, _, _ := ctrl.counts()
	assert.Zero(t, offline, "interleaved success restarts the count")
	assert.True(t, m.Online())
}

func TestRecoveryResumesEngine(t *testing.T) {
	probe := &fakeProbe{connected: false}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.heartbeat(ctx)
	}
	assert.False(t, m.Online())

	probe.set(true)
	m.heartbeat(ctx)
	offline, resumed, _ := ctrl.counts()
	assert.Equal(t, 1, offline)
	assert.Equal(t, 1, resumed)
	assert.True(t, m.Online())
}

func TestPlatformSignals(t *testing.T) {
	probe := &fakeProbe{connected: true}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)
	ctx := context.Background()

	m.SetOnline(ctx, false)
	offline, _, _ := ctrl.counts()
	assert.Equal(t, 1, offline)
	assert.False(t, m.Online())

	m.SetOnline(ctx, false) // duplicate signal, no second transition
	offline, _, _ = ctrl.counts()
	assert.Equal(t, 1, offline)

	m.SetOnline(ctx, true)
	_, resumed, _ := ctrl.counts()
	assert.Equal(t, 1, resumed)
	assert.True(t, m.Online())
}

func TestForegroundForcesSync(t *testing.T) {
	probe := &fakeProbe{connected: true}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)

	m.AppForegrounded(context.Background())
	_, _, forced := ctrl.counts()
	assert.Equal(t, 1, forced)
}

func TestForegroundWhileDisconnectedCountsAsMiss(t *testing.T) {
	probe := &fakeProbe{connected: false}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)

	m.AppForegrounded(context.Background())
	_, _, forced := ctrl.counts()
	assert.Zero(t, forced, "no sync is forced against a dead link")
	assert.True(t, m.Online(), "one miss does not trip the threshold")
}

func TestSyncFailuresTripTheThresholdEarly(t *testing.T) {
	probe := &fakeProbe{connected: false}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)
	ctx := context.Background()

	// failed push cycles probe out of band; three against a dead link
	// take the engine offline without waiting for the heartbeat tick
	m.ReportSyncFailure(ctx)
	m.ReportSyncFailure(ctx)
	assert.True(t, m.Online())
	m.ReportSyncFailure(ctx)

	offline, _, _ := ctrl.counts()
	assert.Equal(t, 1, offline)
	assert.False(t, m.Online())
}

func TestSyncFailureWithHealthyLinkStaysOnline(t *testing.T) {
	probe := &fakeProbe{connected: true}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)

	for i := 0; i < 5; i++ {
		m.ReportSyncFailure(context.Background())
	}
	offline, _, _ := ctrl.counts()
	assert.Zero(t, offline, "write failures on a live link are not a connectivity problem")
	assert.True(t, m.Online())
}

func TestHeartbeatLoop(t *testing.T) {
	probe := &fakeProbe{connected: false}
	ctrl := &fakeController{}
	m := newMonitor(probe, ctrl)
	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		offline, _, _ := ctrl.counts()
		return offline == 1 && !m.Online()
	}, 2*time.Second, 5*time.Millisecond)

	probe.set(true)
	assert.Eventually(t, func() bool {
		_, resumed, _ := ctrl.counts()
		return resumed == 1 && m.Online()
	}, 2*time.Second, 5*time.Millisecond)
}
