package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/famsync/famsync/internal/core/observability/log"
)

// WebsocketConfig configures the relay transport.
type WebsocketConfig struct {
	// Endpoint is the relay URL, e.g. wss://relay.example.com/sync.
	Endpoint string `yaml:"endpoint"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// CallTimeout bounds a put/remove/fetch round trip.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// PingInterval drives the keepalive; a missed pong past twice this
	// interval flips Connected to false.
	PingInterval time.Duration `yaml:"ping_interval"`
	// ReconnectBackoff is the initial delay between reconnect attempts;
	// it doubles up to ReconnectMax.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// Validate fills defaults and rejects unusable configs.
func (c *WebsocketConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
	return nil
}

// frame is the relay wire format. The relay is a passive replicated tree:
// it applies puts/removes and pushes full partition snapshots to
// subscribers, nothing else.
type frame struct {
	Op        string         `json:"op"` // subscribe | put | remove | fetch | snapshot | ack
	Seq       uint64         `json:"seq,omitempty"`
	Partition string         `json:"partition,omitempty"`
	ID        string         `json:"id,omitempty"`
	Value     map[string]any `json:"value,omitempty"`
	Snapshot  Snapshot       `json:"snapshot,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// WebsocketClient is a Client speaking the relay protocol over a single
// gorilla/websocket connection with automatic reconnect.
type WebsocketClient struct {
	cfg WebsocketConfig
	lg  log.Log

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]*wsSub
	pending  map[uint64]chan frame
	closed   bool
	lastPong atomic.Int64
	seq      atomic.Uint64

	writeMu sync.Mutex

	done chan struct{}
}

var _ Client = (*WebsocketClient)(nil)

type wsSub struct {
	id        string
	partition string
	onChange  ChangeFunc
	cancel    func()
}

func (s *wsSub) Partition() string { return s.partition }
func (s *wsSub) Cancel()           { s.cancel() }

// DialWebsocket connects to the relay and starts the read and keepalive
// pumps. The initial dial must succeed; later disconnects are handled by
// the reconnect loop.
func DialWebsocket(ctx context.Context, cfg WebsocketConfig, lg log.Log) (*WebsocketClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &WebsocketClient{
		cfg:     cfg,
		lg:      lg,
		subs:    make(map[string]*wsSub),
		pending: make(map[uint64]chan frame),
		done:    make(chan struct{}),
	}
	if err := c.dial(ctx); err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, cfg.Endpoint, err)
	}
	go c.readPump()
	go c.keepalive()
	return c, nil
}

func (c *WebsocketClient) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixMilli())
		return nil
	})
	c.lastPong.Store(time.Now().UnixMilli())

	c.mu.Lock()
	c.conn = conn
	subs := make([]*wsSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	// replay subscriptions on the fresh connection
	for _, s := range subs {
		if err := c.write(frame{Op: "subscribe", Partition: s.partition}); err != nil {
			return err
		}
	}
	return nil
}

func (c *WebsocketClient) Subscribe(_ context.Context, partition string, onChange ChangeFunc) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	sub := &wsSub{id: uuid.NewString(), partition: partition, onChange: onChange}
	sub.cancel = func() {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.write(frame{Op: "subscribe", Partition: partition}); err != nil {
		sub.cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrRemoteRead, partition, err)
	}
	return sub, nil
}

func (c *WebsocketClient) Put(ctx context.Context, partition, id string, value map[string]any) error {
	_, err := c.call(ctx, frame{Op: "put", Partition: partition, ID: id, Value: value})
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrRemoteWrite, partition, id, err)
	}
	return nil
}

func (c *WebsocketClient) Remove(ctx context.Context, partition, id string) error {
	_, err := c.call(ctx, frame{Op: "remove", Partition: partition, ID: id})
	if err != nil {
		return fmt.Errorf("%w: remove %s/%s: %v", ErrRemoteWrite, partition, id, err)
	}
	return nil
}

func (c *WebsocketClient) Fetch(ctx context.Context, partition string) (Snapshot, error) {
	resp, err := c.call(ctx, frame{Op: "fetch", Partition: partition})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrRemoteRead, partition, err)
	}
	if resp.Snapshot == nil {
		return Snapshot{}, nil
	}
	return resp.Snapshot, nil
}

// AllocateID generates a push key client-side: ids are unique by
// construction, no server round trip needed.
func (c *WebsocketClient) AllocateID(string) string {
	return "r-" + uuid.NewString()
}

func (c *WebsocketClient) Refresh(ctx context.Context) error {
	c.mu.Lock()
	subs := make([]*wsSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		snap, err := c.Fetch(ctx, s.partition)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.onChange(s.partition, snap)
	}
	return firstErr
}

func (c *WebsocketClient) Connected() bool {
	c.mu.Lock()
	up := c.conn != nil && !c.closed
	c.mu.Unlock()
	if !up {
		return false
	}
	stale := time.Now().UnixMilli()-c.lastPong.Load() > 2*c.cfg.PingInterval.Milliseconds()
	return !stale
}

func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// call sends a frame and waits for the matching ack or snapshot reply.
func (c *WebsocketClient) call(ctx context.Context, f frame) (frame, error) {
	f.Seq = c.seq.Add(1)
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, ErrClientClosed
	}
	c.pending[f.Seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return frame{}, err
	}

	timeout := time.NewTimer(c.cfg.CallTimeout)
	defer timeout.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return frame{}, fmt.Errorf("relay: %s", resp.Error)
		}
		return resp, nil
	case <-timeout.C:
		return frame{}, fmt.Errorf("call timed out after %s", c.cfg.CallTimeout)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, ErrClientClosed
	}
}

func (c *WebsocketClient) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump reads frames until the connection drops, dispatching snapshots
// to subscribers and replies to pending calls, then reconnects with
// backoff.
func (c *WebsocketClient) readPump() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			closed = c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.lg.Warn("relay connection lost", log.Error(err))
			continue
		}

		var f frame
		if err = json.Unmarshal(data, &f); err != nil {
			c.lg.Warn("dropping malformed relay frame", log.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *WebsocketClient) dispatch(f frame) {
	if f.Seq != 0 {
		c.mu.Lock()
		ch := c.pending[f.Seq]
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
		return
	}
	if f.Op != "snapshot" {
		return
	}
	c.mu.Lock()
	subs := make([]*wsSub, 0, len(c.subs))
	for _, s := range c.subs {
		if s.partition == f.Partition {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	snap := f.Snapshot
	if snap == nil {
		snap = Snapshot{}
	}
	for _, s := range subs {
		s.onChange(f.Partition, snap)
	}
}

// reconnect retries the dial with exponential backoff until it succeeds
// or the client closes. Returns false when the client closed.
func (c *WebsocketClient) reconnect() bool {
	delay := c.cfg.ReconnectBackoff
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.lg.Info("relay reconnected", log.String("endpoint", c.cfg.Endpoint))
			return true
		}
		c.lg.Warn("relay reconnect failed", log.Duration("retry_in", delay), log.Error(err))
		if delay *= 2; delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *WebsocketClient) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			continue
		}
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			c.lg.Warn("keepalive ping failed", log.Error(err))
		}
	}
}
