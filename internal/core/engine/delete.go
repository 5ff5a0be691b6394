package engine

import (
	"context"
	"time"

	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/record"
	"github.com/famsync/famsync/pkg/sequence"
)

// DeleteRecord runs the deletion protocol for one record:
//
//  1. suspend inbound record merges and guard both known identities
//  2. tombstone locally (always before the remote write, so a crash
//     leaves the conservative state) and drop the record from the
//     active collection
//  3. mirror the tombstones to the remote tombstone partition
//  4. remove the record from the remote records partition, scanning for
//     an embedded local id when the remote id is unknown
//  5. after the settle delay, verify the remote snapshot once and issue
//     the remove again if the record was echoed back, then lift
//     suspension
//
// Remote failures are logged, never returned: the local deletion has
// already succeeded and the tombstone retries on the next push cycle.
// Only a local storage failure propagates.
func (e *Engine) DeleteRecord(ctx context.Context, col record.Collection, localID, remoteID string) error {
	ids := identityList(localID, remoteID)
	if len(ids) == 0 {
		return nil
	}

	e.mu.Lock()
	e.deleting++
	e.transitionLocked(StateSuspended)
	for _, id := range ids {
		e.guard[id] = struct{}{}
	}
	e.mu.Unlock()
	e.publishStatus()

	now := e.cfg.Now()
	marks := make([]record.Tombstone, 0, len(ids))
	for _, id := range ids {
		marks = append(marks, record.Tombstone{ID: id, DeletedAt: now, DeletedBy: e.deviceID})
	}
	tombstones, err := e.store.AddTombstones(marks...)
	if err != nil {
		// local persistence failed: the deletion did not happen
		e.settleNow(ids)
		return err
	}
	if err = e.removeLocal(col, tombstones); err != nil {
		e.settleNow(ids)
		return err
	}

	// remote side, best effort from here on
	tombPartition := e.parts.Tombstones()
	for _, mark := range marks {
		payload := map[string]any{"deletedAt": mark.DeletedAt, "deletedBy": mark.DeletedBy}
		if perr := e.client.Put(ctx, tombPartition, mark.ID, payload); perr != nil {
			e.lg.Warn("tombstone push failed, retrying on next cycle",
				log.String("id", mark.ID), log.Error(perr))
		} else {
			e.storeFingerprint("tomb:"+mark.ID, fingerprint(payload))
		}
	}
	e.removeRemote(ctx, col, localID, remoteID)

	e.wg.Add(1)
	go e.settleAndVerify(col, localID, remoteID, ids)
	return nil
}

// removeLocal drops the freshly tombstoned record from the active
// collection.
func (e *Engine) removeLocal(col record.Collection, tombstones record.TombstoneSet) error {
	var removed, kept int
	err := e.store.UpdateMerged(col, func(recs []record.Record) ([]record.Record, bool) {
		live := sequence.From(recs).
			Filter(func(rec record.Record) bool { return !record.IsTombstoned(rec, tombstones) }).
			Collect()
		removed, kept = len(recs)-len(live), len(live)
		return live, removed > 0
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		e.notifyChanged(col, kept)
	}
	return nil
}

// removeRemote deletes the record from the remote records partition. When
// the remote id was never learned, the snapshot is scanned once for a
// record embedding the local id; the discovered remote key is tombstoned
// too.
func (e *Engine) removeRemote(ctx context.Context, col record.Collection, localID, remoteID string) {
	partition := e.parts.For(col)
	if remoteID != "" {
		if err := e.client.Remove(ctx, partition, remoteID); err != nil {
			e.lg.Warn("remote remove failed, verification will retry",
				log.String("remote_id", remoteID), log.Error(err))
		}
		return
	}

	snap, err := e.client.Fetch(ctx, partition)
	if err != nil {
		e.lg.Warn("remote scan for unsynced delete failed", log.Error(err))
		return
	}
	for key, payload := range snap {
		if record.Decode(payload).LocalID != localID {
			continue
		}
		if err = e.client.Remove(ctx, partition, key); err != nil {
			e.lg.Warn("remote remove by scan failed", log.String("remote_id", key), log.Error(err))
			return
		}
		e.mu.Lock()
		e.guard[key] = struct{}{}
		e.mu.Unlock()
		if _, err = e.store.AddTombstones(record.Tombstone{ID: key, DeletedAt: e.cfg.Now(), DeletedBy: e.deviceID}); err != nil {
			e.lg.Error("tombstoning discovered remote id failed", log.Error(err))
		}
		return
	}
}

// settleAndVerify waits out the settle delay, re-checks the remote
// snapshot once and re-issues the remove if the deleted identity was
// echoed back, then lifts suspension.
func (e *Engine) settleAndVerify(col record.Collection, localID, remoteID string, ids []string) {
	defer e.wg.Done()

	select {
	case <-e.done:
		e.settleNow(ids)
		return
	case <-time.After(e.cfg.SettleDelay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SettleDelay+30*time.Second)
	defer cancel()

	partition := e.parts.For(col)
	snap, err := e.client.Fetch(ctx, partition)
	if err != nil {
		e.lg.Warn("delete verification fetch failed", log.Error(err))
	} else {
		for key, payload := range snap {
			rec := record.Decode(payload)
			match := (remoteID != "" && (key == remoteID || rec.RemoteID == remoteID)) ||
				(localID != "" && rec.LocalID == localID)
			if !match {
				continue
			}
			e.lg.Warn("deleted record still present remotely, removing again",
				log.String("remote_id", key))
			if err = e.client.Remove(ctx, partition, key); err != nil {
				e.lg.Warn("verification remove failed", log.String("remote_id", key), log.Error(err))
			}
		}
	}

	e.settleNow(ids)
	e.lg.Debug("delete settled", log.String("local_id", localID), log.String("remote_id", remoteID))
}

// settleNow clears the guard entries and leaves Suspended once no other
// delete is in flight. An Offline transition that happened meanwhile is
// preserved.
func (e *Engine) settleNow(ids []string) {
	e.mu.Lock()
	for _, id := range ids {
		delete(e.guard, id)
	}
	if e.deleting > 0 {
		e.deleting--
	}
	if e.deleting == 0 && e.state == StateSuspended {
		e.state = StateIdle
	}
	e.mu.Unlock()
	e.publishStatus()
}

func identityList(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
