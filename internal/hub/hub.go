// Package hub is the authoritative side of the cluster: it owns the channel
// tree, ACLs, registered users, bans, and blobs, admits edges into the
// cluster, and turns every accepted mutation into a sequenced broadcast.
// Edges forward mutating client messages here and apply only what comes back.
package hub

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"humble/internal/acl"
	"humble/internal/blob"
	"humble/internal/config"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
	"humble/internal/store"
)

// sessionMeta is the per-session state only the hub needs: the facts used
// for permission evaluation and for resolving bans.
type sessionMeta struct {
	Tokens   []string
	Groups   []string
	Addr     net.IP
	CertHash string
	Start    time.Time
}

// Hub is the cluster authority.
type Hub struct {
	cfg   *config.Config
	log   *slog.Logger
	st    *store.Store
	blobs *blob.Store

	channels *mirror.Channels
	sessions *mirror.Sessions
	bans     *mirror.Bans

	alloc    *sessionAllocator
	registry *Registry

	metaMu sync.Mutex
	meta   map[uint32]*sessionMeta

	chanMu     sync.Mutex
	nextChanID uint32

	autoban *failureTracker

	start time.Time
}

// New loads the persisted world into memory and returns a ready hub. The
// blob store may be nil when blob offloading is disabled.
func New(cfg *config.Config, log *slog.Logger, st *store.Store, blobs *blob.Store) (*Hub, error) {
	h := &Hub{
		cfg:      cfg,
		log:      log,
		st:       st,
		blobs:    blobs,
		channels: mirror.NewChannels(),
		sessions: mirror.NewSessions(),
		bans:     mirror.NewBans(),
		alloc:    newSessionAllocator(),
		registry: NewRegistry(cfg, log),
		meta:     make(map[uint32]*sessionMeta),
		autoban:  newFailureTracker(cfg),
		start:    time.Now(),
	}

	chans, err := st.GetChannels()
	if err != nil {
		return nil, fmt.Errorf("hub: load channels: %w", err)
	}
	h.nextChanID = 1
	for _, ch := range chans {
		if err := h.channels.Put(ch); err != nil {
			return nil, fmt.Errorf("hub: restore channel %d: %w", ch.ID, err)
		}
		if ch.ID >= h.nextChanID {
			h.nextChanID = ch.ID + 1
		}
	}
	for _, ch := range h.channels.All() {
		a, err := st.GetChannelACL(ch.ID)
		if err != nil {
			return nil, fmt.Errorf("hub: load acl %d: %w", ch.ID, err)
		}
		if err := h.channels.SetACL(ch.ID, a); err != nil {
			return nil, err
		}
	}
	if err := h.seedRootACL(); err != nil {
		return nil, err
	}

	bans, err := st.GetBans()
	if err != nil {
		return nil, fmt.Errorf("hub: load bans: %w", err)
	}
	h.bans.Replace(bans)

	h.registry.OnDeath(h.edgeDied)
	log.Info("hub state loaded", "channels", h.channels.Len(), "bans", h.bans.Len())
	return h, nil
}

// seedRootACL installs the bootstrap rule granting the cluster-wide admin
// group full control of the root on a fresh database.
func (h *Hub) seedRootACL() error {
	a, ok := h.channels.ACL(mirror.RootChannel)
	if !ok || len(a.Rules) > 0 {
		return nil
	}
	a.Rules = append(a.Rules, acl.Rule{
		ApplyHere: true,
		ApplySubs: true,
		UserID:    acl.NoUser,
		Group:     "admin",
		Allow:     acl.Write | acl.Traverse,
	})
	return h.st.SetChannelACL(a)
}

// Registry exposes the edge registry, for the service wiring and the HTTP
// status surface.
func (h *Hub) Registry() *Registry { return h.registry }

// ID names this node in status reports.
func (h *Hub) ID() string { return "hub" }

// Uptime reports how long the hub has been running.
func (h *Hub) Uptime() time.Duration { return time.Since(h.start) }

// Sessions exposes the live session mirror read-only.
func (h *Hub) Sessions() *mirror.Sessions { return h.sessions }

// Bans exposes the live ban list read-only.
func (h *Hub) Bans() *mirror.Bans { return h.bans }

// Channels exposes the live channel tree read-only.
func (h *Hub) Channels() *mirror.Channels { return h.channels }

// AllocateSession reserves a cluster-unique session id for an edge that just
// accepted a connection.
func (h *Hub) AllocateSession() (uint32, error) {
	return h.alloc.Allocate()
}

// ReleaseSession frees an id whose connection never authenticated.
func (h *Hub) ReleaseSession(id uint32) {
	h.alloc.Release(id)
}

func (h *Hub) setMeta(session uint32, m *sessionMeta) {
	h.metaMu.Lock()
	h.meta[session] = m
	h.metaMu.Unlock()
}

func (h *Hub) getMeta(session uint32) (sessionMeta, bool) {
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	m, ok := h.meta[session]
	if !ok {
		return sessionMeta{}, false
	}
	return *m, true
}

func (h *Hub) dropMeta(session uint32) {
	h.metaMu.Lock()
	delete(h.meta, session)
	h.metaMu.Unlock()
}

// contextFor builds the permission evaluation context of a session.
func (h *Hub) contextFor(s mirror.Session) acl.Context {
	ctx := acl.Context{UserID: s.UserID}
	if m, ok := h.getMeta(s.ID); ok {
		ctx.Tokens = m.Tokens
		ctx.Groups = m.Groups
	}
	return ctx
}

// hasPermission evaluates one permission for a session on a channel.
func (h *Hub) hasPermission(s mirror.Session, channelID uint32, p acl.Permission) bool {
	chain := h.channels.Chain(channelID)
	if chain == nil {
		return false
	}
	return acl.HasPermission(chain, h.contextFor(s), p)
}

// allocateChannelID hands out the next channel id. Ids are not reused within
// a hub lifetime; temporary channels draw from the same space.
func (h *Hub) allocateChannelID() uint32 {
	h.chanMu.Lock()
	defer h.chanMu.Unlock()
	id := h.nextChanID
	h.nextChanID++
	return id
}

func methodForKind(kind uint16) string {
	switch kind {
	case mumbleproto.TypeUserState:
		return hublink.MethodUserState
	case mumbleproto.TypeUserRemove:
		return hublink.MethodUserRemove
	case mumbleproto.TypeChannelState:
		return hublink.MethodChannelState
	case mumbleproto.TypeChannelRemove:
		return hublink.MethodChannelRemove
	case mumbleproto.TypeTextMessage:
		return hublink.MethodTextMessage
	case mumbleproto.TypeBanList:
		return hublink.MethodBanListBroadcast
	}
	return ""
}

// broadcast marshals msg once and fans it out as the sequenced notification
// for its frame type.
func (h *Hub) broadcast(msg mumbleproto.Message, actor uint32, sessions []uint32) {
	data, err := msg.MarshalBinary()
	if err != nil {
		h.log.Error("broadcast marshal failed", "type", mumbleproto.TypeName(msg.Type()), "error", err)
		return
	}
	method := methodForKind(msg.Type())
	if method == "" {
		h.log.Error("broadcast for unmapped type", "type", mumbleproto.TypeName(msg.Type()))
		return
	}
	h.registry.Broadcast(method, hublink.Broadcast{
		Kind:     msg.Type(),
		Message:  data,
		Sessions: sessions,
		Actor:    actor,
	})
}

// broadcastJoin announces a freshly authenticated session with its owning
// edge, so every edge can admit its voice traffic.
func (h *Hub) broadcastJoin(s mirror.Session) {
	data, err := fullUserState(s).MarshalBinary()
	if err != nil {
		h.log.Error("join broadcast marshal failed", "session", s.ID, "error", err)
		return
	}
	h.registry.Broadcast(hublink.MethodUserJoined, hublink.Broadcast{
		Kind:    mumbleproto.TypeUserState,
		Message: data,
		EdgeID:  s.EdgeID,
	})
}

// broadcastLeave announces a departed session.
func (h *Hub) broadcastLeave(session uint32, reason string, ban bool) {
	ur := &mumbleproto.UserRemove{Session: mumbleproto.Uint32(session)}
	if reason != "" {
		ur.Reason = mumbleproto.String(reason)
	}
	if ban {
		ur.Ban = mumbleproto.Bool(true)
	}
	data, err := ur.MarshalBinary()
	if err != nil {
		return
	}
	h.registry.Broadcast(hublink.MethodUserLeft, hublink.Broadcast{
		Kind:    mumbleproto.TypeUserRemove,
		Message: data,
	})
}

// SessionClosed handles an edge reporting a client disconnect.
func (h *Hub) SessionClosed(edgeID string, session uint32) {
	s, ok := h.sessions.Get(session)
	if !ok || s.EdgeID != edgeID {
		h.alloc.Release(session)
		return
	}
	h.rememberOnLeave(s)
	h.sessions.Remove(session)
	h.dropMeta(session)
	h.alloc.Release(session)
	h.broadcastLeave(session, "", false)
	h.reapTemporary(s.ChannelID)
	h.log.Info("session closed", "session", session, "name", s.Name, "edge", edgeID)
}

func (h *Hub) rememberOnLeave(s mirror.Session) {
	if !h.cfg.RememberChannel || s.UserID < 0 {
		return
	}
	if err := h.st.RememberChannel(s.UserID, s.ChannelID); err != nil {
		h.log.Warn("remember channel failed", "user", s.UserID, "error", err)
	}
}

// edgeDied sweeps the sessions of a dead edge and announces their departure.
func (h *Hub) edgeDied(edgeID string) {
	removed := h.sessions.RemoveEdge(edgeID)
	for _, s := range removed {
		h.rememberOnLeave(s)
		h.dropMeta(s.ID)
		h.alloc.Release(s.ID)
		h.broadcastLeave(s.ID, "", false)
		h.reapTemporary(s.ChannelID)
	}
	if len(removed) > 0 {
		h.log.Warn("swept sessions of dead edge", "edge", edgeID, "sessions", len(removed))
	}
}

// GetBlob serves a stored blob by its hex key.
func (h *Hub) GetBlob(hash string) ([]byte, error) {
	if h.blobs == nil {
		return nil, fmt.Errorf("hub: blob store disabled")
	}
	return h.blobs.Get(hash)
}

// offloadBlob stores data and returns its hash bytes, or nil when the blob
// store is disabled and the payload must stay inline.
func (h *Hub) offloadBlob(data []byte) []byte {
	if h.blobs == nil || len(data) == 0 {
		return nil
	}
	if _, err := h.blobs.Put(data); err != nil {
		h.log.Warn("blob offload failed", "error", err)
		return nil
	}
	return blob.Hash(data)
}
