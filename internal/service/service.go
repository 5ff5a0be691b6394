// Package service composes the store, replica client, sync engine and
// connectivity monitor behind one facade. Callers (CLIs, UIs, embedders)
// never touch the core packages directly.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/famsync/famsync/internal/core/connectivity"
	"github.com/famsync/famsync/internal/core/engine"
	"github.com/famsync/famsync/internal/core/events/bus"
	"github.com/famsync/famsync/internal/core/ledger"
	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/record"
	"github.com/famsync/famsync/internal/core/replica"
	"github.com/famsync/famsync/internal/core/store"
	"github.com/famsync/famsync/pkg/sequence"
)

// Status is the passive sync indicator surfaced to the UI.
type Status struct {
	State    string          `json:"state"`
	Online   bool            `json:"online"`
	DeviceID string          `json:"deviceId"`
	FamilyID string          `json:"familyId"`
	Balance  decimal.Decimal `json:"balance"`
}

// Service is the public entry point of the sync stack.
type Service struct {
	cfg   Config
	lg    log.Log
	bus   bus.EventBus
	store *store.Store
	ident store.Identity

	// mu guards the lifecycle fields below; record mutations go through
	// the store's own Update critical section.
	mu      sync.Mutex
	client  replica.Client
	eng     *engine.Engine
	mon     *connectivity.Monitor
	syncSub bus.Subscription

	started bool
}

// New builds the local half of the service: store, identity and event
// bus. The remote client is dialed in Start.
func New(cfg Config, lg log.Log) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eventBus := bus.New()
	st, err := store.New(cfg.DataDir, eventBus, lg)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	ident, err := st.LoadIdentity(cfg.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("loading device identity: %w", err)
	}

	return &Service{
		cfg:   cfg,
		lg:    lg.With(log.String("component", "service")),
		bus:   eventBus,
		store: st,
		ident: ident,
	}, nil
}

// Start dials the remote replica and launches the engine and monitor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	var (
		client replica.Client
		err    error
	)
	if s.cfg.Remote.Endpoint == "" {
		s.lg.Warn("no remote endpoint configured, running an in-process replica")
		client = replica.NewMemoryClient(replica.NewMemoryTree())
	} else {
		client, err = replica.DialWebsocket(ctx, s.cfg.Remote, s.lg)
		if err != nil {
			return fmt.Errorf("dialing relay: %w", err)
		}
	}
	s.client = client

	parts := replica.Partitions{FamilyID: s.ident.FamilyID}
	s.eng = engine.New(s.store, client, parts, s.bus, s.lg, s.ident.DeviceID, s.cfg.Sync)
	if err = s.eng.Start(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("starting sync engine: %w", err)
	}

	s.mon = connectivity.New(client, s.eng, s.lg, s.cfg.Heartbeat)
	s.mon.Start(ctx)

	// a push cycle with write failures probes connectivity right away
	// instead of waiting out the heartbeat interval
	mon := s.mon
	s.syncSub = s.bus.Subscribe(bus.TypeSyncCompleted, func(ev bus.Event) error {
		if res, ok := ev.Data.(engine.PushResult); ok && !res.OK() {
			mon.ReportSyncFailure(context.Background())
		}
		return nil
	})

	s.started = true
	s.lg.Info("service started",
		log.String("device_id", s.ident.DeviceID),
		log.String("family_id", s.ident.FamilyID))

	// flush anything written while the service was down
	s.eng.SchedulePush()
	return nil
}

// Stop shuts the monitor, engine and client down, in that order.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.syncSub.Cancel()
	s.mon.Stop()
	s.eng.Stop()
	if err := s.client.Close(); err != nil {
		s.lg.Warn("closing replica client", log.Error(err))
	}
	s.started = false
	s.lg.Info("service stopped")
}

// Identity returns the persisted device and family identity.
func (s *Service) Identity() store.Identity { return s.ident }

// ReadAll returns the current records of a collection, most recently
// synced first. Merge order follows snapshot iteration, so the raw file
// order is not stable across devices; sorting here gives callers a
// deterministic view.
func (s *Service) ReadAll(col record.Collection) []record.Record {
	return sequence.From(s.store.ReadAll(col)).
		Sort(func(a, b record.Record) bool {
			if a.SyncedAt != b.SyncedAt {
				return a.SyncedAt > b.SyncedAt
			}
			return a.LocalID < b.LocalID
		}).
		Collect()
}

// RecordCreated appends a new record and schedules a push. The returned
// record carries the generated local id; the remote id is assigned by
// the first successful push.
func (s *Service) RecordCreated(col record.Collection, fields record.Fields) (record.Record, error) {
	rec := record.Record{LocalID: uuid.NewString(), Fields: fields}
	err := s.store.Update(col, func(recs []record.Record) ([]record.Record, bool) {
		return append(recs, rec), true
	})
	if err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// RecordUpdated replaces the fields of an existing record and schedules
// a push. The record keeps its identity; the engine re-stamps syncedAt
// when the change reaches the remote.
func (s *Service) RecordUpdated(col record.Collection, localID string, fields record.Fields) error {
	found := false
	err := s.store.Update(col, func(recs []record.Record) ([]record.Record, bool) {
		for i := range recs {
			if recs[i].LocalID != localID {
				continue
			}
			recs[i].Fields = fields
			found = true
			return recs, true
		}
		return recs, false
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no record %q in %s", store.ErrStorage, localID, col)
	}
	return nil
}

// RecordDeleted runs the full deletion protocol for a record.
func (s *Service) RecordDeleted(ctx context.Context, col record.Collection, localID string) error {
	rec, _ := sequence.From(s.store.ReadAll(col)).
		Find(func(r record.Record) bool { return r.LocalID == localID })
	remoteID := rec.RemoteID

	s.mu.Lock()
	eng := s.eng
	s.mu.Unlock()
	if eng == nil {
		return fmt.Errorf("service not started")
	}
	return eng.DeleteRecord(ctx, col, localID, remoteID)
}

// Subscribe registers a handler for collection change events, fired for
// local writes and merged remote changes alike.
func (s *Service) Subscribe(handler func(col record.Collection)) bus.Subscription {
	relay := func(e bus.Event) error {
		handler(e.Collection)
		return nil
	}
	return &fanInSub{subs: []bus.Subscription{
		s.bus.Subscribe(bus.TypeLocalWrite, relay),
		s.bus.Subscribe(bus.TypeCollectionChanged, relay),
	}}
}

// fanInSub bundles the per-type bus subscriptions behind one handle.
type fanInSub struct {
	subs []bus.Subscription
}

var _ bus.Subscription = (*fanInSub)(nil)

func (f *fanInSub) ID() string               { return f.subs[0].ID() }
func (f *fanInSub) EventType() bus.EventType { return bus.TypeCollectionChanged }

func (f *fanInSub) IsActive() bool {
	for _, sub := range f.subs {
		if sub.IsActive() {
			return true
		}
	}
	return false
}

func (f *fanInSub) Cancel() {
	for _, sub := range f.subs {
		sub.Cancel()
	}
}

// SubscribeStatus registers a handler for sync state changes.
func (s *Service) SubscribeStatus(handler func(state string)) bus.Subscription {
	return s.bus.Subscribe(bus.TypeStatusChanged, func(e bus.Event) error {
		if state, ok := e.Data.(string); ok {
			handler(state)
		}
		return nil
	})
}

// Status reports sync state, connectivity and the current balance.
func (s *Service) Status() Status {
	st := Status{
		DeviceID: s.ident.DeviceID,
		FamilyID: s.ident.FamilyID,
		State:    engine.StateIdle.String(),
		Online:   true,
		Balance:  ledger.Balance(s.store.ReadAll(record.CollectionTransactions)),
	}
	s.mu.Lock()
	if s.eng != nil {
		st.State = s.eng.State().String()
	}
	if s.mon != nil {
		st.Online = s.mon.Online()
	}
	s.mu.Unlock()
	return st
}

// SetOnline forwards a platform connectivity signal.
func (s *Service) SetOnline(ctx context.Context, online bool) {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	if mon != nil {
		mon.SetOnline(ctx, online)
	}
}

// AppForegrounded forwards an app visibility signal, forcing a sync.
func (s *Service) AppForegrounded(ctx context.Context) {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	if mon != nil {
		mon.AppForegrounded(ctx)
	}
}
