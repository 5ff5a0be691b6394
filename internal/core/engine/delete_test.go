package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famsync/famsync/internal/core/record"
	"github.com/famsync/famsync/internal/core/replica"
)

func seedSynced(t *testing.T, rig *testRig, localID, remoteID string) {
	t.Helper()
	require.NoError(t, rig.store.WriteAll(record.CollectionTransactions, []record.Record{
		{LocalID: localID, RemoteID: remoteID, SyncedAt: 100, Fields: record.Fields{"amount": "10"}},
	}))
	partition := rig.parts.For(record.CollectionTransactions)
	payload := record.Record{LocalID: localID, RemoteID: remoteID, SyncedAt: 100, Fields: record.Fields{"amount": "10"}}.Encode()
	require.NoError(t, rig.client.Put(context.Background(), partition, remoteID, payload))
}

func TestDeleteRemovesBothSides(t *testing.T) {
	rig := newTestRig(t, nil)
	seedSynced(t, rig, "x", "rx")

	require.NoError(t, rig.engine.DeleteRecord(context.Background(), record.CollectionTransactions, "x", "rx"))

	assert.Empty(t, rig.store.ReadAll(record.CollectionTransactions))
	assert.NotContains(t, rig.remoteSnapshot(t, record.CollectionTransactions), "rx")
	assert.True(t, rig.store.Tombstones().Contains("x"))
	assert.True(t, rig.store.Tombstones().Contains("rx"))

	tombs, err := rig.client.Fetch(context.Background(), rig.parts.Tombstones())
	require.NoError(t, err)
	assert.Contains(t, tombs, "x")
	assert.Contains(t, tombs, "rx")
}

func TestDeleteSuspendsThenSettles(t *testing.T) {
	rig := newTestRig(t, nil)
	seedSynced(t, rig, "x", "rx")

	require.NoError(t, rig.engine.DeleteRecord(context.Background(), record.CollectionTransactions, "x", "rx"))
	assert.Equal(t, StateSuspended, rig.engine.State(), "suspension holds until the settle delay elapses")
	assert.True(t, rig.engine.guarded("rx"))

	assert.Eventually(t, func() bool {
		return rig.engine.State() == StateIdle && !rig.engine.guarded("x", "rx")
	}, 2*time.Second, 10*time.Millisecond, "settle lifts suspension and clears guards")
}

func TestDeleteDuringMergeStaysDeleted(t *testing.T) {
	rig := newTestRig(t, nil)
	seedSynced(t, rig, "x", "rx")

	require.NoError(t, rig.engine.DeleteRecord(context.Background(), record.CollectionTransactions, "x", "rx"))

	// a stale snapshot still carrying the record arrives mid-deletion
	rig.engine.applyRemote(rig.parts.For(record.CollectionTransactions), replica.Snapshot{
		"rx":    {"localId": "x", "syncedAt": float64(100), "amount": "10"},
		"other": {"localId": "y", "syncedAt": float64(50)},
	})

	for _, rec := range rig.store.ReadAll(record.CollectionTransactions) {
		assert.NotEqual(t, "x", rec.LocalID, "the deleted record must not resurrect")
	}

	// after settling, merges flow again and the tombstone filters the echo
	assert.Eventually(t, func() bool { return rig.engine.State() == StateIdle }, 2*time.Second, 10*time.Millisecond)
	rig.engine.applyRemote(rig.parts.For(record.CollectionTransactions), replica.Snapshot{
		"rx":    {"localId": "x", "syncedAt": float64(100), "amount": "10"},
		"other": {"localId": "y", "syncedAt": float64(50)},
	})
	recs := rig.store.ReadAll(record.CollectionTransactions)
	require.Len(t, recs, 1)
	assert.Equal(t, "y", recs[0].LocalID)
}

func TestDeleteVerificationRemovesEcho(t *testing.T) {
	rig := newTestRig(t, nil)
	seedSynced(t, rig, "x", "rx")
	partition := rig.parts.For(record.CollectionTransactions)

	require.NoError(t, rig.engine.DeleteRecord(context.Background(), record.CollectionTransactions, "x", "rx"))
	require.NotContains(t, rig.remoteSnapshot(t, record.CollectionTransactions), "rx")

	// another writer echoes the record back before the settle delay fires
	require.NoError(t, rig.client.Put(context.Background(), partition, "rx",
		map[string]any{"localId": "x", "syncedAt": float64(100)}))

	assert.Eventually(t, func() bool {
		snap := rig.remoteSnapshot(t, record.CollectionTransactions)
		_, present := snap["rx"]
		return !present && rig.engine.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond, "verification pass removes the echoed record")
}

func TestDeleteByLocalIDScansRemote(t *testing.T) {
	rig := newTestRig(t, nil)
	partition := rig.parts.For(record.CollectionTransactions)
	// record exists remotely under a key this device never learned
	require.NoError(t, rig.client.Put(context.Background(), partition, "r-foreign",
		map[string]any{"localId": "x", "syncedAt": float64(100)}))
	require.NoError(t, rig.store.WriteAll(record.CollectionTransactions, []record.Record{
		{LocalID: "x", Fields: record.Fields{"amount": "10"}},
	}))

	require.NoError(t, rig.engine.DeleteRecord(context.Background(), record.CollectionTransactions, "x", ""))

	assert.Empty(t, rig.store.ReadAll(record.CollectionTransactions))
	assert.NotContains(t, rig.remoteSnapshot(t, record.CollectionTransactions), "r-foreign")
	assert.True(t, rig.store.Tombstones().Contains("r-foreign"),
		"the discovered remote key is tombstoned so other devices sweep it")
}

func TestDeleteUnknownRecordIsNoop(t *testing.T) {
	rig := newTestRig(t, nil)
	require.NoError(t, rig.engine.DeleteRecord(context.Background(), record.CollectionTransactions, "", ""))
	assert.Equal(t, StateIdle, rig.engine.State())
}

func TestOverlappingDeletesSettleIndependently(t *testing.T) {
	rig := newTestRig(t, nil)
	seedSynced(t, rig, "x", "rx")
	require.NoError(t, rig.store.WriteAll(record.CollectionGoals, []record.Record{
		{LocalID: "g", RemoteID: "rg", SyncedAt: 100},
	}))

	ctx := context.Background()
	require.NoError(t, rig.engine.DeleteRecord(ctx, record.CollectionTransactions, "x", "rx"))
	require.NoError(t, rig.engine.DeleteRecord(ctx, record.CollectionGoals, "g", "rg"))
	assert.Equal(t, StateSuspended, rig.engine.State())

	assert.Eventually(t, func() bool {
		return rig.engine.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond, "suspension lifts only after both deletes settle")
	assert.Empty(t, rig.store.ReadAll(record.CollectionTransactions))
	assert.Empty(t, rig.store.ReadAll(record.CollectionGoals))
}

func TestDeletePropagatesToOtherDevice(t *testing.T) {
	tree := replica.NewMemoryTree()
	devA := newTestRig(t, tree)
	devB := newTestRig(t, tree)
	ctx := context.Background()

	require.NoError(t, devA.engine.Start(ctx))
	require.NoError(t, devB.engine.Start(ctx))

	require.NoError(t, devA.store.WriteAll(record.CollectionTransactions, []record.Record{
		{LocalID: "L1", Fields: record.Fields{"amount": "100"}},
	}))
	assert.Eventually(t, func() bool {
		return len(devB.store.ReadAll(record.CollectionTransactions)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs := devB.store.ReadAll(record.CollectionTransactions)
	require.NoError(t, devB.engine.DeleteRecord(ctx, record.CollectionTransactions, recs[0].LocalID, recs[0].RemoteID))

	assert.Eventually(t, func() bool {
		return len(devA.store.ReadAll(record.CollectionTransactions)) == 0 &&
			devA.store.Tombstones().Contains("L1")
	}, 2*time.Second, 10*time.Millisecond, "the tombstone reaches the originating device")
}
