package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"humble/internal/config"
	"humble/internal/hublink"
)

// EdgeConn is the hub's send side toward one edge. The hublink service wraps
// a Peer; tests and the standalone mode plug in in-process implementations.
type EdgeConn interface {
	Send(method string, seq uint64, params any) error
}

const (
	defaultJoinTimeout = 60 * time.Second
	defaultQueueWait   = 300 * time.Second
	defaultCacheSize   = 512
	defaultCacheTTL    = 5 * time.Minute
)

var (
	// ErrJoinQueueFull means another edge held the join slot past the
	// caller's queue budget.
	ErrJoinQueueFull = errors.New("hub: timed out waiting for the join slot")
	// ErrUnknownEdge means the named edge is not registered.
	ErrUnknownEdge = errors.New("hub: unknown edge")
)

type edgeState int

const (
	stateJoining edgeState = iota
	stateActive
)

type edgeEntry struct {
	info     hublink.PeerInfo
	conn     EdgeConn
	state    edgeState
	token    string
	lastSeen time.Time
	sessions int
	bwBps    int64

	// seq is the newest broadcast sequence assigned to this edge. It
	// survives reconnects so replay after a confirmJoin stays ordered.
	seq   uint64
	cache *broadcastCache
}

// Registry tracks the edges of the cluster. Joins are serialized: one edge
// at a time holds the join slot between register and confirmJoin, so the
// peer set it is handed cannot change under it.
type Registry struct {
	log               *slog.Logger
	joinTimeout       time.Duration
	queueWait         time.Duration
	heartbeatInterval time.Duration
	deadAfter         time.Duration
	maxEdges          int

	mu       sync.Mutex
	edges    map[string]*edgeEntry
	joining  string
	joinDone chan struct{}
	onDeath  func(edgeID string)
}

func NewRegistry(cfg *config.Config, log *slog.Logger) *Registry {
	return &Registry{
		log:               log,
		joinTimeout:       defaultJoinTimeout,
		queueWait:         defaultQueueWait,
		heartbeatInterval: time.Duration(cfg.Registry.HeartbeatInterval) * time.Second,
		deadAfter:         time.Duration(cfg.Registry.Timeout) * time.Second,
		maxEdges:          cfg.Registry.MaxEdges,
		edges:             make(map[string]*edgeEntry),
	}
}

// OnDeath installs the callback fired (off the registry lock) when an edge
// misses enough heartbeats to be declared dead.
func (r *Registry) OnDeath(fn func(edgeID string)) {
	r.mu.Lock()
	r.onDeath = fn
	r.mu.Unlock()
}

// Register opens a join. The caller waits for the join slot when another
// edge is mid-join, bounded by the queue budget. A re-register under a known
// edge id is a reconnect: the sequence counter and replay cache carry over.
func (r *Registry) Register(ctx context.Context, info hublink.PeerInfo, conn EdgeConn) (*hublink.RegisterResult, error) {
	if info.EdgeID == "" {
		return nil, errors.New("hub: register without an edge id")
	}
	deadline := time.Now().Add(r.queueWait)

	r.mu.Lock()
	for r.joining != "" && r.joining != info.EdgeID {
		done := r.joinDone
		r.mu.Unlock()
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrJoinQueueFull
		}
		timer := time.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			return nil, ErrJoinQueueFull
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	e, reconnect := r.edges[info.EdgeID]
	if !reconnect {
		if r.maxEdges > 0 && len(r.edges) >= r.maxEdges {
			return nil, fmt.Errorf("hub: edge limit %d reached", r.maxEdges)
		}
		e = &edgeEntry{cache: newBroadcastCache(defaultCacheSize, defaultCacheTTL)}
		r.edges[info.EdgeID] = e
	}
	e.info = info
	e.conn = conn
	e.state = stateJoining
	e.token = uuid.NewString()
	e.lastSeen = time.Now()

	// A mid-join re-register keeps the existing join-done channel, so
	// edges already queued on it still wake when this join finishes.
	if r.joining != info.EdgeID {
		r.joining = info.EdgeID
		r.joinDone = make(chan struct{})
	}

	go r.expireJoin(info.EdgeID, e.token, reconnect)

	res := &hublink.RegisterResult{
		Token:           e.token,
		Peers:           r.activePeersLocked(info.EdgeID),
		JoinTimeoutSecs: int(r.joinTimeout / time.Second),
		LastSeq:         e.seq,
	}
	r.log.Info("edge registering", "edge", info.EdgeID, "host", info.Host, "reconnect", reconnect, "peers", len(res.Peers))
	return res, nil
}

func (r *Registry) expireJoin(edgeID, token string, reconnect bool) {
	time.Sleep(r.joinTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[edgeID]
	if !ok || e.token != token || e.state != stateJoining {
		return
	}
	r.log.Warn("edge join timed out", "edge", edgeID)
	if !reconnect {
		delete(r.edges, edgeID)
	}
	r.finishJoinLocked(edgeID)
}

// ConfirmJoin completes a join. The edge must present its token and have
// reached every active peer it was handed at register time.
func (r *Registry) ConfirmJoin(p hublink.ConfirmJoinParams, edgeID string) (*hublink.ConfirmJoinResult, error) {
	r.mu.Lock()
	e, ok := r.edges[edgeID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownEdge
	}
	if e.token != p.Token || e.state != stateJoining {
		r.mu.Unlock()
		return nil, fmt.Errorf("hub: stale join token for edge %s", edgeID)
	}
	reached := make(map[string]bool, len(p.ConnectedPeers))
	for _, id := range p.ConnectedPeers {
		reached[id] = true
	}
	for id, other := range r.edges {
		if id == edgeID || other.state != stateActive {
			continue
		}
		if !reached[id] {
			r.mu.Unlock()
			return nil, fmt.Errorf("hub: edge %s did not reach peer %s", edgeID, id)
		}
	}

	e.state = stateActive
	e.lastSeen = time.Now()
	r.finishJoinLocked(edgeID)

	missed := e.seq - p.LastApplied
	replay := e.cache.Since(p.LastApplied)
	resync := false
	if missed > 0 {
		if uint64(len(replay)) != missed {
			resync = true
			replay = nil
		}
	} else {
		replay = nil
	}

	var notify []*edgeEntry
	for id, other := range r.edges {
		if id != edgeID && other.state == stateActive {
			notify = append(notify, other)
		}
	}
	info := e.info
	conn := e.conn
	r.mu.Unlock()

	for _, other := range notify {
		if err := other.conn.Send(hublink.MethodPeerJoined, 0, info); err != nil {
			r.log.Warn("peerJoined notify failed", "edge", other.info.EdgeID, "error", err)
		}
	}
	for _, cb := range replay {
		if err := conn.Send(cb.method, cb.payload.Seq, cb.payload); err != nil {
			r.log.Warn("broadcast replay failed", "edge", edgeID, "error", err)
			break
		}
	}
	r.log.Info("edge joined", "edge", edgeID, "resync", resync, "replayed", len(replay))
	return &hublink.ConfirmJoinResult{Resync: resync}, nil
}

func (r *Registry) finishJoinLocked(edgeID string) {
	if r.joining == edgeID {
		r.joining = ""
		close(r.joinDone)
	}
}

// Heartbeat refreshes an edge's liveness and load figures.
func (r *Registry) Heartbeat(p hublink.HeartbeatParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[p.EdgeID]
	if !ok {
		return ErrUnknownEdge
	}
	e.lastSeen = time.Now()
	e.sessions = p.Sessions
	e.bwBps = p.BandwidthBps
	return nil
}

// Broadcast fans one sequenced notification out to the cluster. Every
// registered edge gets the next slot in its own sequence and a cache entry;
// only active edges are actually sent to, the rest catch up on rejoin.
func (r *Registry) Broadcast(method string, b hublink.Broadcast) {
	now := time.Now()
	type send struct {
		conn EdgeConn
		id   string
		b    hublink.Broadcast
	}
	var sends []send
	r.mu.Lock()
	for id, e := range r.edges {
		e.seq++
		stamped := b
		stamped.Seq = e.seq
		e.cache.Append(method, stamped, now)
		if e.state == stateActive {
			sends = append(sends, send{conn: e.conn, id: id, b: stamped})
		}
	}
	r.mu.Unlock()

	for _, s := range sends {
		if err := s.conn.Send(method, s.b.Seq, s.b); err != nil {
			r.log.Warn("broadcast send failed", "edge", s.id, "method", method, "error", err)
		}
	}
}

// NotifyAll sends an unsequenced notification to every active edge.
func (r *Registry) NotifyAll(method string, params any) {
	type send struct {
		conn EdgeConn
		id   string
	}
	var sends []send
	r.mu.Lock()
	for id, e := range r.edges {
		if e.state == stateActive {
			sends = append(sends, send{conn: e.conn, id: id})
		}
	}
	r.mu.Unlock()
	for _, s := range sends {
		if err := s.conn.Send(method, 0, params); err != nil {
			r.log.Warn("notify failed", "edge", s.id, "method", method, "error", err)
		}
	}
}

// NotifyEdge sends an unsequenced notification to one edge.
func (r *Registry) NotifyEdge(edgeID, method string, params any) error {
	r.mu.Lock()
	e, ok := r.edges[edgeID]
	var conn EdgeConn
	if ok {
		conn = e.conn
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownEdge
	}
	return conn.Send(method, 0, params)
}

// Seq returns the newest broadcast sequence assigned to an edge.
func (r *Registry) Seq(edgeID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.edges[edgeID]; ok {
		return e.seq
	}
	return 0
}

// EdgeStatus is one row of the cluster topology report.
type EdgeStatus struct {
	EdgeID   string    `json:"edge_id"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Sessions int       `json:"sessions"`
	Active   bool      `json:"active"`
	LastSeen time.Time `json:"last_seen"`
	Seq      uint64    `json:"seq"`
}

// Statuses snapshots every registered edge for the HTTP status surface.
func (r *Registry) Statuses() []EdgeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EdgeStatus, 0, len(r.edges))
	for id, e := range r.edges {
		out = append(out, EdgeStatus{
			EdgeID:   id,
			Host:     e.info.Host,
			Port:     e.info.Port,
			Sessions: e.sessions,
			Active:   e.state == stateActive,
			LastSeen: e.lastSeen,
			Seq:      e.seq,
		})
	}
	return out
}

// ActivePeers returns the joined edges, excluding the named one.
func (r *Registry) ActivePeers(excludeID string) []hublink.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activePeersLocked(excludeID)
}

func (r *Registry) activePeersLocked(excludeID string) []hublink.PeerInfo {
	var out []hublink.PeerInfo
	for id, e := range r.edges {
		if id != excludeID && e.state == stateActive {
			out = append(out, e.info)
		}
	}
	return out
}

// Drop removes an edge immediately, firing the death callback.
func (r *Registry) Drop(edgeID string) {
	r.mu.Lock()
	_, ok := r.edges[edgeID]
	if ok {
		delete(r.edges, edgeID)
		r.finishJoinLocked(edgeID)
	}
	onDeath := r.onDeath
	r.mu.Unlock()
	if ok {
		r.notifyPeerLeft(edgeID)
		if onDeath != nil {
			onDeath(edgeID)
		}
	}
}

// Run sweeps for dead edges until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	var dead []string
	r.mu.Lock()
	for id, e := range r.edges {
		if now.Sub(e.lastSeen) > r.deadAfter {
			dead = append(dead, id)
			delete(r.edges, id)
			r.finishJoinLocked(id)
		}
	}
	onDeath := r.onDeath
	r.mu.Unlock()

	for _, id := range dead {
		r.log.Warn("edge declared dead", "edge", id)
		r.notifyPeerLeft(id)
		if onDeath != nil {
			onDeath(id)
		}
	}
}

func (r *Registry) notifyPeerLeft(edgeID string) {
	r.NotifyAll(hublink.MethodPeerLeft, hublink.PeerLeftParams{EdgeID: edgeID})
}
