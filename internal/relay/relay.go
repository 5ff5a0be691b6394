// Package relay is the server half of the replica transport: a passive
// tree store over websocket. It applies puts and removes, answers
// fetches, and pushes full partition snapshots to every subscriber after
// each change. No merge or validation logic lives here; conflict
// resolution is entirely a client concern.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/famsync/famsync/internal/core/observability/log"
	"github.com/famsync/famsync/internal/core/replica"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// frame mirrors the client wire format.
type frame struct {
	Op        string           `json:"op"`
	Seq       uint64           `json:"seq,omitempty"`
	Partition string           `json:"partition,omitempty"`
	ID        string           `json:"id,omitempty"`
	Value     map[string]any   `json:"value,omitempty"`
	Snapshot  replica.Snapshot `json:"snapshot,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// client is one websocket connection and its partition subscriptions.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]struct{}
}

func (c *client) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server holds the replicated tree and its connected clients.
type Server struct {
	lg log.Log

	mu         sync.Mutex
	partitions map[string]replica.Snapshot
	clients    map[*client]struct{}
}

// NewServer builds an empty relay.
func NewServer(lg log.Log) *Server {
	return &Server{
		lg:         lg.With(log.String("component", "relay")),
		partitions: make(map[string]replica.Snapshot),
		clients:    make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves relay frames until the
// connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	cl := &client{conn: conn, subs: make(map[string]struct{})}

	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()
	s.lg.Info("client connected", log.String("remote", conn.RemoteAddr().String()))

	defer func() {
		s.mu.Lock()
		delete(s.clients, cl)
		s.mu.Unlock()
		_ = conn.Close()
		s.lg.Info("client disconnected", log.String("remote", conn.RemoteAddr().String()))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err = json.Unmarshal(data, &f); err != nil {
			s.lg.Warn("dropping malformed frame", log.Error(err))
			continue
		}
		s.handle(cl, f)
	}
}

func (s *Server) handle(cl *client, f frame) {
	switch f.Op {
	case "subscribe":
		s.handleSubscribe(cl, f)
	case "put":
		s.handlePut(cl, f)
	case "remove":
		s.handleRemove(cl, f)
	case "fetch":
		s.handleFetch(cl, f)
	default:
		s.reply(cl, frame{Op: "ack", Seq: f.Seq, Error: "unknown op " + f.Op})
	}
}

// handleSubscribe registers the partition and pushes the current snapshot
// right away; every later change to the partition pushes a fresh one.
func (s *Server) handleSubscribe(cl *client, f frame) {
	s.mu.Lock()
	cl.subs[f.Partition] = struct{}{}
	snap := s.snapshotLocked(f.Partition)
	s.mu.Unlock()

	s.reply(cl, frame{Op: "snapshot", Partition: f.Partition, Snapshot: snap})
}

func (s *Server) handlePut(cl *client, f frame) {
	if f.Partition == "" || f.ID == "" {
		s.reply(cl, frame{Op: "ack", Seq: f.Seq, Error: "put requires partition and id"})
		return
	}
	s.mu.Lock()
	p, ok := s.partitions[f.Partition]
	if !ok {
		p = make(replica.Snapshot)
		s.partitions[f.Partition] = p
	}
	p[f.ID] = f.Value
	s.mu.Unlock()

	s.reply(cl, frame{Op: "ack", Seq: f.Seq})
	s.broadcast(f.Partition)
}

// handleRemove deletes one id; removing a missing id still acks.
func (s *Server) handleRemove(cl *client, f frame) {
	changed := false
	s.mu.Lock()
	if p, ok := s.partitions[f.Partition]; ok {
		if _, exists := p[f.ID]; exists {
			delete(p, f.ID)
			changed = true
		}
	}
	s.mu.Unlock()

	s.reply(cl, frame{Op: "ack", Seq: f.Seq})
	if changed {
		s.broadcast(f.Partition)
	}
}

func (s *Server) handleFetch(cl *client, f frame) {
	s.mu.Lock()
	snap := s.snapshotLocked(f.Partition)
	s.mu.Unlock()
	s.reply(cl, frame{Op: "snapshot", Seq: f.Seq, Partition: f.Partition, Snapshot: snap})
}

// broadcast pushes the partition snapshot to every subscribed client,
// the writer included.
func (s *Server) broadcast(partition string) {
	s.mu.Lock()
	snap := s.snapshotLocked(partition)
	targets := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		if _, ok := cl.subs[partition]; ok {
			targets = append(targets, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range targets {
		s.reply(cl, frame{Op: "snapshot", Partition: partition, Snapshot: snap})
	}
}

// snapshotLocked copies the partition content. Callers hold s.mu.
func (s *Server) snapshotLocked(partition string) replica.Snapshot {
	p := s.partitions[partition]
	snap := make(replica.Snapshot, len(p))
	for id, v := range p {
		snap[id] = v
	}
	return snap
}

func (s *Server) reply(cl *client, f frame) {
	if err := cl.send(f); err != nil {
		s.lg.Warn("frame write failed", log.Error(err))
	}
}

// Run serves the relay on addr until the context cancels, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/sync", s)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.lg.Info("relay listening", log.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
