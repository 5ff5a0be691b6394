package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/famsync/famsync/internal/core/events/bus"
	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/record"
)

// PushResult aggregates one outbound cycle. Individual write failures are
// not fatal; failed records stay eligible for the next cycle.
type PushResult struct {
	Pushed    int
	Skipped   int
	Allocated int
	Failed    int
}

// OK reports whether every attempted write landed.
func (r PushResult) OK() bool { return r.Failed == 0 }

// PushLocalChanges runs one outbound push cycle: read local collections,
// filter out tombstoned and mid-deletion records, allocate missing remote
// identities (persisting them before any remote write), then upsert
// records and tombstones remotely. Per-record failures are logged and
// counted, never propagated to the caller of the local mutation.
func (e *Engine) PushLocalChanges(ctx context.Context) (PushResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.mu.Lock()
	if e.state == StateOffline || e.state == StateSuspended {
		state := e.state
		e.mu.Unlock()
		e.lg.Debug("push skipped", log.String("state", state.String()))
		return PushResult{}, nil
	}
	if !e.transitionLocked(StatePushing) {
		e.mu.Unlock()
		return PushResult{}, ErrEngineBusy
	}
	e.mu.Unlock()
	defer e.leaveCycle(StatePushing)

	tombstones := e.store.Tombstones()

	var (
		resMu sync.Mutex
		total PushResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, col := range record.DomainCollections() {
		g.Go(func() error {
			res := e.pushCollection(gctx, col, tombstones)
			resMu.Lock()
			total.Pushed += res.Pushed
			total.Skipped += res.Skipped
			total.Allocated += res.Allocated
			total.Failed += res.Failed
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	total.Failed += e.pushTombstones(ctx, tombstones)

	e.lg.Info("push cycle finished",
		log.Int("pushed", total.Pushed),
		log.Int("skipped", total.Skipped),
		log.Int("allocated", total.Allocated),
		log.Int("failed", total.Failed))
	_ = e.bus.Publish(bus.NewEvent(bus.TypeSyncCompleted, "engine", "", total))
	return total, nil
}

func (e *Engine) pushCollection(ctx context.Context, col record.Collection, tombstones record.TombstoneSet) PushResult {
	var res PushResult
	partition := e.parts.For(col)

	// resolve identity conflicts and allocate remote identities for fresh
	// records in one span under the collection lock, persisting the
	// collection BEFORE the first remote write: a crash between allocation
	// and persistence must not mint a second identity for the same local
	// record on the next cycle.
	var recs []record.Record
	err := e.store.UpdateMerged(col, func(local []record.Record) ([]record.Record, bool) {
		dirty := e.resolveIdentityConflicts(col, local)
		res.Allocated = 0
		for i := range local {
			if local[i].Synced() || record.IsTombstoned(local[i], tombstones) || e.guarded(local[i].LocalID) {
				continue
			}
			local[i].RemoteID = e.client.AllocateID(partition)
			local[i].SyncedAt = e.cfg.Now()
			local[i].OwnerDeviceID = e.deviceID
			res.Allocated++
		}
		recs = local
		return local, dirty || res.Allocated > 0
	})
	if err != nil {
		// cannot persist identities; pushing now would risk duplicate
		// allocation after a crash
		e.lg.Error("persisting allocated identities failed, collection skipped",
			log.Any("collection", col), log.Error(err))
		res.Failed += res.Allocated
		res.Allocated = 0
		return res
	}
	if len(recs) == 0 {
		return res
	}
	if res.Allocated > 0 {
		e.notifyChanged(col, len(recs))
	}

	for i := range recs {
		rec := recs[i]
		if record.IsTombstoned(rec, tombstones) || e.guarded(rec.LocalID, rec.RemoteID) {
			res.Skipped++
			continue
		}
		payload := rec.Encode()
		fp := fingerprint(payload)
		if e.lastFingerprint(rec.RemoteID) == fp {
			res.Skipped++
			continue
		}

		if err := e.client.Put(ctx, partition, rec.RemoteID, payload); err != nil {
			e.lg.Warn("record push failed, will retry next cycle",
				log.Any("collection", col),
				log.String("remote_id", rec.RemoteID),
				log.Error(err))
			res.Failed++
			continue
		}
		e.storeFingerprint(rec.RemoteID, fp)
		res.Pushed++
	}
	return res
}

// pushTombstones mirrors the local deletion markers into the remote
// tombstone partition. Returns the failure count.
func (e *Engine) pushTombstones(ctx context.Context, tombstones record.TombstoneSet) int {
	failed := 0
	partition := e.parts.Tombstones()
	for _, mark := range tombstones.List() {
		payload := map[string]any{
			"deletedAt": mark.DeletedAt,
			"deletedBy": mark.DeletedBy,
		}
		fp := fingerprint(payload)
		if e.lastFingerprint("tomb:"+mark.ID) == fp {
			continue
		}
		if err := e.client.Put(ctx, partition, mark.ID, payload); err != nil {
			e.lg.Warn("tombstone push failed, will retry next cycle",
				log.String("id", mark.ID), log.Error(err))
			failed++
			continue
		}
		e.storeFingerprint("tomb:"+mark.ID, fp)
	}
	return failed
}

// resolveIdentityConflicts enforces the remote-id uniqueness invariant.
// When two local records claim the same remote id, the more recently
// synced one keeps it; the other loses its identity and is re-allocated
// on a later push. Mutates recs in place and reports whether it did; the
// caller persists.
func (e *Engine) resolveIdentityConflicts(col record.Collection, recs []record.Record) bool {
	byRemote := make(map[string]int, len(recs))
	dirty := false
	for i := range recs {
		id := recs[i].RemoteID
		if id == "" {
			continue
		}
		j, seen := byRemote[id]
		if !seen {
			byRemote[id] = i
			continue
		}
		loser := i
		if recs[i].SyncedAt > recs[j].SyncedAt {
			loser = j
			byRemote[id] = i
		}
		e.lg.Error("identity conflict detected, clearing duplicate remote id",
			log.Any("collection", col),
			log.String("remote_id", id),
			log.Error(ErrIdentityConflict))
		recs[loser].RemoteID = ""
		recs[loser].SyncedAt = 0
		dirty = true
	}
	return dirty
}

// leaveCycle returns to Idle if the engine is still in the given cycle
// state; a concurrent delete or connectivity loss takes precedence.
func (e *Engine) leaveCycle(from State) {
	e.mu.Lock()
	if e.state == from {
		e.state = StateIdle
	}
	e.mu.Unlock()
}

func (e *Engine) lastFingerprint(key string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fingerprints[key]
}

func (e *Engine) storeFingerprint(key string, fp uint64) {
	e.mu.Lock()
	e.fingerprints[key] = fp
	e.mu.Unlock()
}

// fingerprint hashes a payload in its canonical JSON form (map keys are
// sorted by the encoder, so equal payloads hash equal).
func fingerprint(payload map[string]any) uint64 {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}
