// Package engine orchestrates offline-first bidirectional sync: outbound
// push of local records, inbound merge of remote snapshots, tombstone
// propagation and the deletion protocol. One Engine instance is
// constructed per process and owns its state machine and guard set;
// nothing here is a package-level singleton.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/famsync/famsync/internal/core/events/bus"
	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/record"
	"github.com/famsync/famsync/internal/core/replica"
	"github.com/famsync/famsync/internal/core/store"
)

// Config tunes the engine's timers.
type Config struct {
	// SettleDelay is the fixed wait after a delete before trusting the
	// remote snapshot as authoritative and lifting suspension.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// PushDebounce coalesces bursts of local writes into one push cycle.
	PushDebounce time.Duration `yaml:"push_debounce"`
	// Now returns the current time in unix milliseconds; injectable for
	// tests. Nil means the wall clock.
	Now func() int64 `yaml:"-"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SettleDelay <= 0 {
		out.SettleDelay = time.Second
	}
	if out.PushDebounce <= 0 {
		out.PushDebounce = 250 * time.Millisecond
	}
	if out.Now == nil {
		out.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return out
}

// Engine is the sync orchestrator.
type Engine struct {
	store    *store.Store
	client   replica.Client
	parts    replica.Partitions
	bus      bus.EventBus
	lg       log.Log
	cfg      Config
	deviceID string

	// mu guards state, the guard set, the suspension counter and the
	// push fingerprints.
	mu       sync.Mutex
	state    State
	deleting int
	guard    map[string]struct{}
	// fingerprints maps remote id -> xxhash of the payload last pushed,
	// so unchanged records are not re-written every cycle.
	fingerprints map[string]uint64

	// cycleMu serializes push and merge cycles against each other; at
	// most one cycle touches the store and remote at a time.
	cycleMu sync.Mutex

	// pending coalesces queued subscription callbacks per partition; a
	// newer full snapshot supersedes an older undelivered one, which
	// at-least-once delivery makes safe.
	pendingMu sync.Mutex
	pending   map[string]replica.Snapshot
	mergeCh   chan struct{}

	pushCh  chan struct{}
	done    chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup

	subs   []replica.Subscription
	busSub bus.Subscription
}

// New wires an engine. Call Start to begin syncing.
func New(st *store.Store, client replica.Client, parts replica.Partitions, eventBus bus.EventBus, lg log.Log, deviceID string, cfg Config) *Engine {
	return &Engine{
		store:        st,
		client:       client,
		parts:        parts,
		bus:          eventBus,
		lg:           lg.With(log.String("component", "sync-engine")),
		cfg:          cfg.withDefaults(),
		deviceID:     deviceID,
		state:        StateIdle,
		guard:        make(map[string]struct{}),
		fingerprints: make(map[string]uint64),
		pending:      make(map[string]replica.Snapshot),
		mergeCh:      make(chan struct{}, 1),
		pushCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start subscribes to the remote partitions and begins serving scheduled
// pushes. The initial subscription callbacks deliver current remote state,
// so starting an engine on a fresh device populates it.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.mergeLoop(ctx)

	for _, partition := range append(e.domainPartitions(), e.parts.Tombstones()) {
		sub, err := e.client.Subscribe(ctx, partition, e.onRemoteChange)
		if err != nil {
			return err
		}
		e.subs = append(e.subs, sub)
	}

	// local writes schedule an outbound push; no network I/O in the store
	e.busSub = e.bus.Subscribe(bus.TypeLocalWrite, func(bus.Event) error {
		e.SchedulePush()
		return nil
	})

	e.wg.Add(1)
	go e.pushLoop(ctx)
	e.lg.Info("sync engine started", log.String("family_id", e.parts.FamilyID))
	return nil
}

// Stop cancels subscriptions and waits for in-flight settle timers.
func (e *Engine) Stop() {
	e.closeMu.Do(func() { close(e.done) })
	for _, s := range e.subs {
		s.Cancel()
	}
	if e.busSub != nil {
		e.busSub.Cancel()
	}
	e.wg.Wait()
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SchedulePush requests an outbound push; bursts coalesce into one cycle.
func (e *Engine) SchedulePush() {
	select {
	case e.pushCh <- struct{}{}:
	default:
	}
}

// SetOffline forces the engine offline. Any state may enter Offline.
func (e *Engine) SetOffline() {
	e.mu.Lock()
	changed := e.state != StateOffline
	e.state = StateOffline
	e.mu.Unlock()
	if changed {
		e.lg.Warn("engine offline")
		e.publishStatus()
	}
}

// ResumeOnline leaves Offline, refreshes subscriptions and pushes pending
// local changes. No-op when the engine was not offline.
func (e *Engine) ResumeOnline(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateOffline {
		e.mu.Unlock()
		return
	}
	e.state = StateIdle
	e.mu.Unlock()
	e.lg.Info("engine back online")
	e.publishStatus()

	if _, err := e.PushLocalChanges(ctx); err != nil {
		e.lg.Warn("post-reconnect push failed", log.Error(err))
	}
	if err := e.client.Refresh(ctx); err != nil {
		e.lg.Warn("subscription refresh failed", log.Error(err))
	}
}

// ForceSync runs an immediate push plus a subscription refresh, regardless
// of the debounce schedule. Used when the app regains the foreground.
func (e *Engine) ForceSync(ctx context.Context) {
	if _, err := e.PushLocalChanges(ctx); err != nil {
		e.lg.Warn("forced push failed", log.Error(err))
	}
	if err := e.client.Refresh(ctx); err != nil {
		e.lg.Warn("forced refresh failed", log.Error(err))
	}
}

// onRemoteChange is the subscription callback for every partition. It
// only queues the snapshot; mergeLoop applies it. The replica client's
// read pump must never block behind a running push cycle.
func (e *Engine) onRemoteChange(partition string, snap replica.Snapshot) {
	e.pendingMu.Lock()
	e.pending[partition] = snap
	e.pendingMu.Unlock()
	select {
	case e.mergeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) mergeLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-e.mergeCh:
		}
		for {
			partition, snap, ok := e.nextPending()
			if !ok {
				break
			}
			e.applyRemote(partition, snap)
		}
	}
}

// nextPending pops the tombstone partition first, so deletions from a
// batch of queued callbacks apply before record upserts.
func (e *Engine) nextPending() (string, replica.Snapshot, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	tomb := e.parts.Tombstones()
	if snap, ok := e.pending[tomb]; ok {
		delete(e.pending, tomb)
		return tomb, snap, true
	}
	for partition, snap := range e.pending {
		delete(e.pending, partition)
		return partition, snap, true
	}
	return "", nil, false
}

func (e *Engine) pushLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-e.pushCh:
		}

		// debounce: absorb writes that land right behind the trigger
		timer := time.NewTimer(e.cfg.PushDebounce)
		select {
		case <-e.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := e.PushLocalChanges(ctx); err != nil {
			e.lg.Warn("scheduled push failed", log.Error(err))
		}
	}
}

// transition moves the state machine, rejecting moves outside the table.
// Callers hold e.mu.
func (e *Engine) transitionLocked(to State) bool {
	if !canTransition(e.state, to) {
		e.lg.Warn("illegal state transition rejected",
			log.String("from", e.state.String()),
			log.String("to", to.String()))
		return false
	}
	e.state = to
	return true
}

func (e *Engine) guarded(ids ...string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := e.guard[id]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) domainPartitions() []string {
	out := make([]string, 0, 3)
	for _, col := range record.DomainCollections() {
		out = append(out, e.parts.For(col))
	}
	return out
}

func (e *Engine) publishStatus() {
	_ = e.bus.Publish(bus.NewEvent(bus.TypeStatusChanged, "engine", "", e.State().String()))
}

func (e *Engine) notifyChanged(col record.Collection, count int) {
	_ = e.bus.Publish(bus.NewEvent(bus.TypeCollectionChanged, "engine", col, count))
}
