// Package store implements the durable local record store: one JSON file
// per collection under a data directory, replaced atomically on every
// write. It performs no network I/O; a successful write on a domain
// collection only publishes a local-write event so the sync engine can
// schedule a push.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/famsync/famsync/internal/core/events/bus"
	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/record"
)

const (
	tombstoneFile = "deletedTransactions.json"
	identityFile  = "identity.json"
)

// Store is a file-backed record store. Reads never fail: an absent or
// unreadable collection file yields an empty collection. Writes replace
// the whole collection file via temp-file-and-rename, so a crash mid-write
// never leaves a partially visible collection.
//
// Every collection has its own mutex. Plain reads and writes take it for
// the duration of one file operation; Update and UpdateMerged hold it
// across a whole read-transform-write span, so a transform never clobbers
// a write that landed after its read.
type Store struct {
	dir string
	bus bus.EventBus
	lg  log.Log

	mu struct {
		collections map[record.Collection]*sync.Mutex
		tombstones  sync.Mutex
		identity    sync.Mutex
	}
}

// New opens (and creates, if needed) a store rooted at dir. The bus may be
// nil when no change notifications are wanted, e.g. in tools.
func New(dir string, eventBus bus.EventBus, lg log.Log) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStorage, err)
	}
	s := &Store{dir: dir, bus: eventBus, lg: lg}
	s.mu.collections = make(map[record.Collection]*sync.Mutex)
	for _, col := range record.DomainCollections() {
		s.mu.collections[col] = &sync.Mutex{}
	}
	return s, nil
}

// ReadAll returns the current content of a collection. It never fails;
// absent collections read as empty.
func (s *Store) ReadAll(col record.Collection) []record.Record {
	lock, ok := s.mu.collections[col]
	if !ok {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()

	var recs []record.Record
	if err := s.readFile(s.path(string(col)+".json"), &recs); err != nil {
		s.warn("read collection failed, treating as empty", col, err)
		return nil
	}
	return recs
}

// WriteAll atomically replaces the whole collection. On success it
// publishes a local-write event; callers that write on behalf of an
// inbound merge use WriteMerged instead to avoid re-triggering a push.
func (s *Store) WriteAll(col record.Collection, recs []record.Record) error {
	if err := s.writeCollection(col, recs); err != nil {
		return err
	}
	s.publish(bus.TypeLocalWrite, col, len(recs))
	return nil
}

// WriteMerged atomically replaces the collection without scheduling a
// push. The sync engine uses it to persist inbound merge results.
func (s *Store) WriteMerged(col record.Collection, recs []record.Record) error {
	return s.writeCollection(col, recs)
}

// Update applies fn to the current collection content and persists the
// result, all under the collection mutex. fn returns the new content and
// whether to persist it; returning false leaves the file untouched. A
// persisted Update publishes a local-write event like WriteAll.
//
// Callers that derive a new collection from its current content must use
// Update (or UpdateMerged) rather than ReadAll followed by WriteAll: the
// separate calls leave a window where another writer's records are read
// back stale and silently dropped.
func (s *Store) Update(col record.Collection, fn func(recs []record.Record) ([]record.Record, bool)) error {
	return s.update(col, fn, true)
}

// UpdateMerged is Update without the local-write event. The sync engine
// uses it for merge results, id allocation and tombstone sweeps, none of
// which should re-trigger a push.
func (s *Store) UpdateMerged(col record.Collection, fn func(recs []record.Record) ([]record.Record, bool)) error {
	return s.update(col, fn, false)
}

func (s *Store) update(col record.Collection, fn func(recs []record.Record) ([]record.Record, bool), localWrite bool) error {
	lock, ok := s.mu.collections[col]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrStorage, col)
	}
	lock.Lock()
	defer lock.Unlock()

	path := s.path(string(col) + ".json")
	var recs []record.Record
	if err := s.readFile(path, &recs); err != nil {
		s.warn("read collection failed, treating as empty", col, err)
		recs = nil
	}
	out, persist := fn(recs)
	if !persist {
		return nil
	}
	if out == nil {
		out = []record.Record{}
	}
	if err := s.writeFile(path, out); err != nil {
		return err
	}
	if localWrite {
		s.publish(bus.TypeLocalWrite, col, len(out))
	}
	return nil
}

func (s *Store) writeCollection(col record.Collection, recs []record.Record) error {
	lock, ok := s.mu.collections[col]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrStorage, col)
	}
	lock.Lock()
	defer lock.Unlock()
	if recs == nil {
		recs = []record.Record{}
	}
	return s.writeFile(s.path(string(col)+".json"), recs)
}

// AddTombstones inserts deletion markers, deduplicating by id, and
// persists the set. Returns the updated set.
func (s *Store) AddTombstones(marks ...record.Tombstone) (record.TombstoneSet, error) {
	s.mu.tombstones.Lock()
	defer s.mu.tombstones.Unlock()

	set := s.readTombstonesLocked()
	before := len(set)
	for _, m := range marks {
		set.Add(m)
	}
	if len(set) == before {
		return set, nil
	}
	if err := s.writeFile(s.path(tombstoneFile), set.List()); err != nil {
		return nil, err
	}
	return set, nil
}

// Tombstones returns the persisted deletion marker set.
func (s *Store) Tombstones() record.TombstoneSet {
	s.mu.tombstones.Lock()
	defer s.mu.tombstones.Unlock()
	return s.readTombstonesLocked()
}

func (s *Store) readTombstonesLocked() record.TombstoneSet {
	var marks []record.Tombstone
	if err := s.readFile(s.path(tombstoneFile), &marks); err != nil {
		s.warn("read tombstones failed, treating as empty", record.PartitionTombstones, err)
		return record.TombstoneSet{}
	}
	return record.NewTombstoneSet(marks...)
}

// Identity holds the scalars that name this device and its shared group.
type Identity struct {
	DeviceID string `json:"deviceId"`
	FamilyID string `json:"familyId"`
}

// LoadIdentity returns the persisted device/family identity, generating
// and persisting fresh ids on first run. A configured family id overrides
// a generated one but never an already persisted one.
func (s *Store) LoadIdentity(configuredFamily string) (Identity, error) {
	s.mu.identity.Lock()
	defer s.mu.identity.Unlock()

	var id Identity
	if err := s.readFile(s.path(identityFile), &id); err != nil {
		s.warn("read identity failed, regenerating", "", err)
	}
	changed := false
	if id.DeviceID == "" {
		id.DeviceID = "device-" + uuid.NewString()
		changed = true
	}
	if id.FamilyID == "" {
		id.FamilyID = configuredFamily
		if id.FamilyID == "" {
			id.FamilyID = "family-" + uuid.NewString()
		}
		changed = true
	}
	if changed {
		if err := s.writeFile(s.path(identityFile), id); err != nil {
			return Identity{}, err
		}
		if s.lg != nil {
			s.lg.Info("local identity initialized",
				log.String("device_id", id.DeviceID),
				log.String("family_id", id.FamilyID))
		}
	}
	return id, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writeFile writes v to path atomically: marshal, write a temp file in the
// same directory, fsync, rename over the target.
func (s *Store) writeFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrStorage, filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, filepath.Base(path), err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrStorage, filepath.Base(path), err)
	}
	return nil
}

func (s *Store) publish(typ bus.EventType, col record.Collection, count int) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(bus.NewEvent(typ, "store", col, count))
}

func (s *Store) warn(msg string, col any, err error) {
	if s.lg == nil || err == nil {
		return
	}
	s.lg.Warn(msg, log.Any("collection", col), log.Error(err))
}
