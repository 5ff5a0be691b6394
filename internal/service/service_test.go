package service

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famsync/famsync/internal/core/ledger"
	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/record"
)

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{DataDir: t.TempDir()}, log.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	return svc
}

func TestConfigValidation(t *testing.T) {
	err := (&Config{}).Validate()
	assert.ErrorContains(t, err, "data_dir")

	err = (&Config{DataDir: "/tmp/x", LogLevel: "verbose"}).Validate()
	assert.ErrorContains(t, err, "log_level")

	cfg := Config{DataDir: "/tmp/x", LogLevel: "debug"}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, log.LevelDebug, cfg.Level())
	assert.Equal(t, log.LevelInfo, (&Config{}).Level())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"data_dir: /var/lib/famsync\n"+
			"log_level: warn\n"+
			"heartbeat:\n  interval: 10s\n  failure_threshold: 2\n"+
			"sync:\n  settle_delay: 2s\n",
	), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/famsync", cfg.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 2, cfg.Heartbeat.FailureThreshold)
	assert.Equal(t, 2*time.Second, cfg.Sync.SettleDelay)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestServiceLifecycle(t *testing.T) {
	svc := newService(t)
	assert.NoError(t, svc.Start(context.Background()), "second start is a no-op")

	ident := svc.Identity()
	assert.NotEmpty(t, ident.DeviceID)
	assert.NotEmpty(t, ident.FamilyID)

	svc.Stop()
	svc.Stop() // idempotent
}

func TestRecordRoundTrip(t *testing.T) {
	svc := newService(t)

	rec, err := svc.RecordCreated(record.CollectionTransactions, ledger.Transaction{
		Amount:      decimal.RequireFromString("42.50"),
		Kind:        ledger.KindExpense,
		Description: "coffee",
	}.Fields())
	require.NoError(t, err)
	require.NotEmpty(t, rec.LocalID)

	recs := svc.ReadAll(record.CollectionTransactions)
	require.Len(t, recs, 1)
	assert.Equal(t, "coffee", ledger.TransactionFromFields(recs[0].Fields).Description)

	require.NoError(t, svc.RecordUpdated(record.CollectionTransactions, rec.LocalID, ledger.Transaction{
		Amount: decimal.RequireFromString("40"),
		Kind:   ledger.KindExpense,
	}.Fields()))
	recs = svc.ReadAll(record.CollectionTransactions)
	require.Len(t, recs, 1)
	assert.True(t, ledger.TransactionFromFields(recs[0].Fields).Amount.Equal(decimal.RequireFromString("40")))

	require.NoError(t, svc.RecordDeleted(context.Background(), record.CollectionTransactions, rec.LocalID))
	assert.Empty(t, svc.ReadAll(record.CollectionTransactions))
}

func TestReadAllOrdersNewestFirst(t *testing.T) {
	svc, err := New(Config{DataDir: t.TempDir()}, log.NewNop())
	require.NoError(t, err)

	require.NoError(t, svc.store.WriteAll(record.CollectionTransactions, []record.Record{
		{LocalID: "b", SyncedAt: 100},
		{LocalID: "c", SyncedAt: 300},
		{LocalID: "a", SyncedAt: 100},
	}))

	recs := svc.ReadAll(record.CollectionTransactions)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[0].LocalID, "highest syncedAt first")
	assert.Equal(t, "a", recs[1].LocalID, "ties break on local id")
	assert.Equal(t, "b", recs[2].LocalID)
}

func TestRecordUpdatedUnknownID(t *testing.T) {
	svc := newService(t)
	err := svc.RecordUpdated(record.CollectionTransactions, "nope", record.Fields{})
	assert.Error(t, err)
}

func TestStatusReportsBalance(t *testing.T) {
	svc := newService(t)

	_, err := svc.RecordCreated(record.CollectionTransactions, ledger.Transaction{
		Amount: decimal.RequireFromString("100"), Kind: ledger.KindIncome,
	}.Fields())
	require.NoError(t, err)
	_, err = svc.RecordCreated(record.CollectionTransactions, ledger.Transaction{
		Amount: decimal.RequireFromString("30"), Kind: ledger.KindExpense,
	}.Fields())
	require.NoError(t, err)

	status := svc.Status()
	assert.True(t, status.Balance.Equal(decimal.RequireFromString("70")), "got %s", status.Balance)
	assert.True(t, status.Online)
	assert.NotEmpty(t, status.State)
	assert.Equal(t, svc.Identity().FamilyID, status.FamilyID)
}

func TestSubscribeSeesChanges(t *testing.T) {
	svc := newService(t)

	var events atomic.Int64
	sub := svc.Subscribe(func(col record.Collection) {
		if col == record.CollectionGoals {
			events.Add(1)
		}
	})
	defer sub.Cancel()

	_, err := svc.RecordCreated(record.CollectionGoals, ledger.Goal{
		Name:   "vacation",
		Target: decimal.RequireFromString("1500"),
	}.Fields())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return events.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestIdentityPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	svc, err := New(Config{DataDir: dir}, log.NewNop())
	require.NoError(t, err)
	first := svc.Identity()

	svc2, err := New(Config{DataDir: dir, FamilyID: "other-family"}, log.NewNop())
	require.NoError(t, err)
	assert.Equal(t, first, svc2.Identity(), "persisted identity beats configured family id")
}
