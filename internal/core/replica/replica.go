// Package replica abstracts the shared remote store: a passive,
// tree-structured key/value database partitioned per family. The sync
// engine depends only on the Client contract; implementations carry no
// validation or merge logic of their own.
package replica

import (
	"context"
	"fmt"

	"github.com/famsync/famsync/internal/core/record"
)

// Snapshot is the full content of one partition, keyed by record id.
type Snapshot map[string]map[string]any

// Clone returns a shallow copy safe to hand to a subscriber.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, v := range s {
		out[id] = v
	}
	return out
}

// ChangeFunc receives the full partition snapshot: once immediately on
// subscribe and again after every change. Delivery is at-least-once;
// duplicate callbacks for the same state are allowed and callers must
// treat them as idempotent.
type ChangeFunc func(partition string, snap Snapshot)

// Subscription is a cancellable partition watch.
type Subscription interface {
	Partition() string
	Cancel()
}

// Client is the contract the sync engine depends on.
type Client interface {
	// Subscribe watches a partition. The callback fires once with the
	// current state before Subscribe returns any change notifications.
	Subscribe(ctx context.Context, partition string, onChange ChangeFunc) (Subscription, error)

	// Put upserts one value. It either fully applies or fails with
	// ErrRemoteWrite; partial application never happens.
	Put(ctx context.Context, partition, id string, value map[string]any) error

	// Remove deletes one id. Removing a non-existent id succeeds.
	Remove(ctx context.Context, partition, id string) error

	// Fetch reads the current partition snapshot once, outside any
	// subscription.
	Fetch(ctx context.Context, partition string) (Snapshot, error)

	// AllocateID returns a fresh identity, unique within the partition,
	// without writing a value.
	AllocateID(partition string) string

	// Refresh re-reads every subscribed partition and re-delivers the
	// snapshots to current subscribers. Used after reconnect.
	Refresh(ctx context.Context) error

	// Connected reports the connectivity side-channel used by the
	// liveness monitor.
	Connected() bool

	Close() error
}

// Partitions maps collections to remote partition paths, namespaced per
// shared family.
type Partitions struct {
	FamilyID string
}

// For returns the partition path of a domain collection.
func (p Partitions) For(col record.Collection) string {
	return fmt.Sprintf("families/%s/%s", p.FamilyID, col)
}

// Tombstones returns the deletion-marker partition path.
func (p Partitions) Tombstones() string {
	return fmt.Sprintf("families/%s/%s", p.FamilyID, record.PartitionTombstones)
}

// Domain returns the partition paths of all live-record collections.
func (p Partitions) Domain() map[record.Collection]string {
	out := make(map[record.Collection]string, 3)
	for _, col := range record.DomainCollections() {
		out[col] = p.For(col)
	}
	return out
}

// Collection resolves a partition path back to its collection name, with
// ok=false for the tombstone partition or foreign paths.
func (p Partitions) Collection(partition string) (record.Collection, bool) {
	for col, path := range p.Domain() {
		if path == partition {
			return col, true
		}
	}
	return "", false
}
