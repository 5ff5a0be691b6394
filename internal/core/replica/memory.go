package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryClient is an in-process Client backed by a plain map tree. It
// backs tests and single-device embedded mode. Change delivery is
// synchronous in the writer's goroutine, which makes multi-device races
// reproducible in tests: two MemoryClients sharing one MemoryTree behave
// like two devices on the same family.
type MemoryClient struct {
	tree *MemoryTree

	mu        sync.Mutex
	subs      map[string]*memorySub
	connected bool
	closed    bool

	// failWrites, when set, makes Put/Remove fail. Test hook.
	failWrites error
}

var _ Client = (*MemoryClient)(nil)

// MemoryTree is the shared remote state: partition -> id -> payload.
type MemoryTree struct {
	mu      sync.Mutex
	data    map[string]Snapshot
	clients []*MemoryClient
}

// NewMemoryTree creates an empty shared tree.
func NewMemoryTree() *MemoryTree {
	return &MemoryTree{data: make(map[string]Snapshot)}
}

// NewMemoryClient attaches a new device-side client to the tree.
func NewMemoryClient(tree *MemoryTree) *MemoryClient {
	c := &MemoryClient{
		tree:      tree,
		subs:      make(map[string]*memorySub),
		connected: true,
	}
	tree.mu.Lock()
	tree.clients = append(tree.clients, c)
	tree.mu.Unlock()
	return c
}

type memorySub struct {
	id        string
	partition string
	onChange  ChangeFunc
	cancel    func()
}

func (s *memorySub) Partition() string { return s.partition }
func (s *memorySub) Cancel()           { s.cancel() }

func (c *MemoryClient) Subscribe(_ context.Context, partition string, onChange ChangeFunc) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	sub := &memorySub{id: uuid.NewString(), partition: partition, onChange: onChange}
	sub.cancel = func() {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	// immediate delivery of current state
	onChange(partition, c.tree.snapshot(partition))
	return sub, nil
}

func (c *MemoryClient) Put(_ context.Context, partition, id string, value map[string]any) error {
	if err := c.writable(); err != nil {
		return err
	}
	c.tree.mu.Lock()
	if c.tree.data[partition] == nil {
		c.tree.data[partition] = make(Snapshot)
	}
	c.tree.data[partition][id] = value
	c.tree.mu.Unlock()

	c.tree.broadcast(partition)
	return nil
}

func (c *MemoryClient) Remove(_ context.Context, partition, id string) error {
	if err := c.writable(); err != nil {
		return err
	}
	c.tree.mu.Lock()
	changed := false
	if part := c.tree.data[partition]; part != nil {
		if _, ok := part[id]; ok {
			delete(part, id)
			changed = true
		}
	}
	c.tree.mu.Unlock()

	// removing a non-existent id is a silent success
	if changed {
		c.tree.broadcast(partition)
	}
	return nil
}

func (c *MemoryClient) Fetch(_ context.Context, partition string) (Snapshot, error) {
	c.mu.Lock()
	connected, closed := c.connected, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if !connected {
		return nil, fmt.Errorf("%w: %v", ErrRemoteRead, ErrNotConnected)
	}
	return c.tree.snapshot(partition), nil
}

func (c *MemoryClient) AllocateID(string) string {
	return "r-" + uuid.NewString()
}

func (c *MemoryClient) Refresh(_ context.Context) error {
	c.mu.Lock()
	subs := make([]*memorySub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.onChange(s.partition, c.tree.snapshot(s.partition))
	}
	return nil
}

func (c *MemoryClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// SetConnected flips the connectivity side-channel. Test hook for the
// liveness monitor.
func (c *MemoryClient) SetConnected(up bool) {
	c.mu.Lock()
	c.connected = up
	c.mu.Unlock()
}

// FailWrites makes subsequent Put/Remove calls fail with the given cause,
// or succeed again when cause is nil.
func (c *MemoryClient) FailWrites(cause error) {
	c.mu.Lock()
	c.failWrites = cause
	c.mu.Unlock()
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.subs = make(map[string]*memorySub)
	c.mu.Unlock()
	return nil
}

func (c *MemoryClient) writable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if !c.connected {
		return fmt.Errorf("%w: %v", ErrRemoteWrite, ErrNotConnected)
	}
	if c.failWrites != nil {
		return fmt.Errorf("%w: %v", ErrRemoteWrite, c.failWrites)
	}
	return nil
}

func (t *MemoryTree) snapshot(partition string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data[partition].Clone()
}

// broadcast re-delivers the partition snapshot to every subscriber on
// every attached client, the writer's own included. The remote store
// echoes writes back to their origin, and the engine has to cope with
// that.
func (t *MemoryTree) broadcast(partition string) {
	t.mu.Lock()
	clients := make([]*MemoryClient, len(t.clients))
	copy(clients, t.clients)
	t.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		if !c.connected || c.closed {
			c.mu.Unlock()
			continue
		}
		subs := make([]*memorySub, 0, len(c.subs))
		for _, s := range c.subs {
			if s.partition == partition {
				subs = append(subs, s)
			}
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.onChange(partition, t.snapshot(partition))
		}
	}
}
