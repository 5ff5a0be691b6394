package engine

import (
	"github.com/famsync/famsync/internal/core/events/bus"
	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/record"
	"github.com/famsync/famsync/internal/core/replica"
	"github.com/famsync/famsync/pkg/sequence"
)

// MergeResult aggregates one inbound merge.
type MergeResult struct {
	Added   int
	Updated int
	Removed int
}

func (r MergeResult) changed() bool { return r.Added+r.Updated+r.Removed > 0 }

// applyRemote routes one queued snapshot. Tombstone-partition callbacks
// are never suspended: a record another device deleted concurrently must
// not be resurrected just because this device happens to be mid-delete.
func (e *Engine) applyRemote(partition string, snap replica.Snapshot) {
	if partition == e.parts.Tombstones() {
		e.mergeRemoteTombstones(snap)
		return
	}
	col, ok := e.parts.Collection(partition)
	if !ok {
		e.lg.Warn("callback for foreign partition ignored", log.String("partition", partition))
		return
	}
	e.mergeRemoteRecords(col, snap)
}

// mergeRemoteRecords applies a full remote snapshot to one local
// collection: tombstone removal first, then identity-matched upsert via
// the merge resolver. The whole merged collection persists atomically and
// one change notification fires per affected collection.
func (e *Engine) mergeRemoteRecords(col record.Collection, snap replica.Snapshot) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	// re-check under the cycle lock: a delete that started while this
	// callback was queued must win
	e.mu.Lock()
	if e.state == StateSuspended {
		e.mu.Unlock()
		e.lg.Debug("record merge dropped, deletion in flight", log.Any("collection", col))
		return
	}
	if !e.transitionLocked(StateMerging) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	defer e.leaveCycle(StateMerging)

	tombstones := e.store.Tombstones()
	var (
		res  MergeResult
		kept int
	)
	// the whole read-merge-write span runs under the collection lock so a
	// local write landing mid-merge is part of the base, not clobbered
	err := e.store.UpdateMerged(col, func(local []record.Record) ([]record.Record, bool) {
		res = MergeResult{}
		merged := make([]record.Record, 0, len(local)+len(snap))
		for _, rec := range local {
			if record.IsTombstoned(rec, tombstones) {
				res.Removed++
				continue
			}
			merged = append(merged, rec)
		}

		for remoteKey, payload := range snap {
			remote := record.Decode(payload)
			if remote.RemoteID == "" {
				// partition key is the authoritative remote identity
				remote.RemoteID = remoteKey
			}
			if record.IsTombstoned(remote, tombstones) || e.guarded(remote.LocalID, remote.RemoteID) {
				continue
			}

			idx := -1
			for i := range merged {
				if record.IdentityMatches(merged[i], remote) {
					idx = i
					break
				}
			}
			if idx == -1 {
				merged = append(merged, remote)
				res.Added++
				continue
			}
			resolved := record.Resolve(&merged[idx], &remote)
			if !equalRecords(merged[idx], resolved) {
				res.Updated++
			}
			merged[idx] = resolved
		}
		kept = len(merged)
		return merged, res.changed()
	})
	if err != nil {
		e.lg.Error("persisting merged collection failed", log.Any("collection", col), log.Error(err))
		return
	}
	if !res.changed() {
		return
	}
	e.lg.Debug("inbound merge applied",
		log.Any("collection", col),
		log.Int("added", res.Added),
		log.Int("updated", res.Updated),
		log.Int("removed", res.Removed))
	e.notifyChanged(col, kept)
	_ = e.bus.Publish(bus.NewEvent(bus.TypeSyncCompleted, "engine", col, res))
}

// mergeRemoteTombstones unions the remote deletion markers into the local
// set, then sweeps every domain collection for newly covered records.
// Runs regardless of suspension.
func (e *Engine) mergeRemoteTombstones(snap replica.Snapshot) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	marks := make([]record.Tombstone, 0, len(snap))
	for id, payload := range snap {
		marks = append(marks, decodeTombstone(id, payload))
	}
	set, err := e.store.AddTombstones(marks...)
	if err != nil {
		e.lg.Error("persisting merged tombstones failed", log.Error(err))
		return
	}
	e.sweepTombstoned(set)
}

// sweepTombstoned removes covered records from the active collections.
func (e *Engine) sweepTombstoned(tombstones record.TombstoneSet) {
	for _, col := range record.DomainCollections() {
		var removed, kept int
		err := e.store.UpdateMerged(col, func(recs []record.Record) ([]record.Record, bool) {
			dead, live := sequence.From(recs).
				Partition(func(rec record.Record) bool { return record.IsTombstoned(rec, tombstones) })
			removed, kept = len(dead), len(live)
			return live, removed > 0
		})
		if err != nil {
			e.lg.Error("persisting tombstone sweep failed", log.Any("collection", col), log.Error(err))
			continue
		}
		if removed == 0 {
			continue
		}
		e.lg.Info("tombstoned records removed",
			log.Any("collection", col), log.Int("removed", removed))
		e.notifyChanged(col, kept)
	}
}

func decodeTombstone(id string, payload map[string]any) record.Tombstone {
	mark := record.Tombstone{ID: id}
	if payload != nil {
		if v, ok := payload["deletedAt"]; ok {
			mark.DeletedAt = decodeInt64(v)
		}
		if v, ok := payload["deletedBy"].(string); ok {
			mark.DeletedBy = v
		}
	}
	return mark
}

func decodeInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// equalRecords compares two records through their canonical payload hash.
func equalRecords(a, b record.Record) bool {
	return fingerprint(a.Encode()) == fingerprint(b.Encode())
}
