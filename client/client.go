// Package client is a Mumble protocol client library for humble clusters:
// it connects to an edge, authenticates, keeps a local view of channels and
// users, and exposes typed commands plus an event stream. Audio capture and
// encoding are the caller's concern; the library moves opaque codec frames.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"humble/internal/crypt"
	"humble/internal/mumbleproto"
)

// protocolVersion is the packed Mumble version announced at connect.
const protocolVersion uint32 = 1<<16 | 4<<8 | 230

// echoWait bounds how long a command waits for the server frame that
// acknowledges it.
const echoWait = 5 * time.Second

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 5 * time.Second
	eventBuffer  = 256
	voiceBuffer  = 64
)

// Config carries the connection parameters.
type Config struct {
	Username string
	Password string
	Tokens   []string

	// TLS overrides the connection's TLS settings. Left nil, certificate
	// chains are not verified; Mumble deployments commonly pin by
	// fingerprint instead.
	TLS *tls.Config

	// Opus announces Opus support. Virtually every deployment wants it.
	Opus bool

	DialTimeout time.Duration

	Logger *slog.Logger
}

// User is the client's view of one connected session.
type User struct {
	Session   uint32
	Name      string
	UserID    int32
	ChannelID uint32

	Mute            bool
	Deaf            bool
	Suppress        bool
	SelfMute        bool
	SelfDeaf        bool
	PrioritySpeaker bool
	Recording       bool

	Comment string
	Hash    string
}

// Channel is the client's view of one channel.
type Channel struct {
	ID          uint32
	Parent      uint32
	Name        string
	Description string
	Position    int32
	Temporary   bool
	MaxUsers    uint32
	Links       map[uint32]bool
}

// Client is one control connection to an edge, plus its voice path.
type Client struct {
	cfg  Config
	addr string
	log  *slog.Logger

	raw  net.Conn
	conn *mumbleproto.Conn

	cryptMu sync.Mutex
	crypt   *crypt.State

	mu       sync.Mutex
	session  uint32
	synced   bool
	users    map[uint32]*User
	channels map[uint32]*Channel
	welcome  string
	maxBW    uint32
	perms    uint64

	events  chan Event
	voice   chan *mumbleproto.VoicePacket
	dropped atomic.Uint64

	seq atomic.Int64

	udpMu    sync.Mutex
	udp      *net.UDPConn
	udpReady atomic.Bool

	waitMu  sync.Mutex
	waiters map[uint16][]*waiter

	closeOnce sync.Once
	done      chan struct{}
}

// waiter is one pending command's claim on the next matching frame.
type waiter struct {
	match func(mumbleproto.Message) bool
	ch    chan mumbleproto.Message
}

// Dial connects, sends Version and Authenticate, and starts the read loop.
// The outcome of authentication arrives on Events as a ConnectEvent or a
// RejectEvent; commands fail until the ConnectEvent.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("client: username is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	tc := cfg.TLS
	if tc == nil {
		tc = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = dialTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	tlsConn := tls.Client(netConn, tc)
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("client: tls handshake: %w", err)
	}

	c := newClient(addr, cfg, log, tlsConn)
	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func newClient(addr string, cfg Config, log *slog.Logger, raw net.Conn) *Client {
	return &Client{
		cfg:      cfg,
		addr:     addr,
		log:      log,
		raw:      raw,
		conn:     mumbleproto.NewConn(raw),
		users:    make(map[uint32]*User),
		channels: make(map[uint32]*Channel),
		events:   make(chan Event, eventBuffer),
		voice:    make(chan *mumbleproto.VoicePacket, voiceBuffer),
		waiters:  make(map[uint16][]*waiter),
		done:     make(chan struct{}),
	}
}

func (c *Client) handshake() error {
	err := c.conn.WriteMessage(&mumbleproto.Version{
		Version: mumbleproto.Uint32(protocolVersion),
		Release: mumbleproto.String("humble client"),
		Os:      mumbleproto.String(runtime.GOOS),
	})
	if err != nil {
		return fmt.Errorf("client: send version: %w", err)
	}
	auth := &mumbleproto.Authenticate{
		Username: mumbleproto.String(c.cfg.Username),
		Opus:     mumbleproto.Bool(c.cfg.Opus),
		Tokens:   c.cfg.Tokens,
	}
	if c.cfg.Password != "" {
		auth.Password = mumbleproto.String(c.cfg.Password)
	}
	if err := c.conn.WriteMessage(auth); err != nil {
		return fmt.Errorf("client: send authenticate: %w", err)
	}
	return nil
}

// Events is the stream of connection and state-change events. The channel
// is buffered; a slow consumer loses events rather than stalling the
// protocol reader.
func (c *Client) Events() <-chan Event { return c.events }

// Voice delivers incoming voice packets, session-stamped by the server.
func (c *Client) Voice() <-chan *mumbleproto.VoicePacket { return c.voice }

// Session returns the server-assigned session id, 0 before sync.
func (c *Client) Session() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Synced reports whether the login sequence has completed.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// WelcomeText returns the server's welcome message, set at sync.
func (c *Client) WelcomeText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Permissions returns the root-channel permission mask granted at sync.
func (c *Client) Permissions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perms
}

// Users snapshots the known sessions.
func (c *Client) Users() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, *u)
	}
	return out
}

// User returns one session's state.
func (c *Client) User(session uint32) (User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[session]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Channels snapshots the known channel tree.
func (c *Client) Channels() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		cp := *ch
		cp.Links = make(map[uint32]bool, len(ch.Links))
		for id := range ch.Links {
			cp.Links[id] = true
		}
		out = append(out, cp)
	}
	return out
}

// Channel returns one channel's state.
func (c *Client) Channel(id uint32) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	if !ok {
		return Channel{}, false
	}
	cp := *ch
	cp.Links = make(map[uint32]bool, len(ch.Links))
	for l := range ch.Links {
		cp.Links[l] = true
	}
	return cp, true
}

// ChannelByName finds a channel by exact name.
func (c *Client) ChannelByName(name string) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch.Name == name {
			cp := *ch
			return cp, true
		}
	}
	return Channel{}, false
}

// DroppedEvents reports how many events were lost to a full consumer.
func (c *Client) DroppedEvents() uint64 { return c.dropped.Load() }

// Close tears the connection down. A DisconnectEvent is emitted once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.raw.Close()
		c.udpMu.Lock()
		if c.udp != nil {
			c.udp.Close()
		}
		c.udpMu.Unlock()
	})
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// emit delivers an event without ever blocking the read loop.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
}

// readLoop is the single reader of the control stream.
func (c *Client) readLoop() {
	var disconnectErr error
	for {
		kind, payload, err := c.conn.ReadFrame()
		if err != nil {
			if !c.closed() {
				disconnectErr = err
			}
			break
		}
		if err := c.handleFrame(kind, payload); err != nil {
			c.log.Debug("client: bad frame", "type", mumbleproto.TypeName(kind), "error", err)
		}
	}
	c.Close()
	c.emit(DisconnectEvent{Err: disconnectErr})
}

func (c *Client) handleFrame(kind uint16, payload []byte) error {
	if kind == mumbleproto.TypeUDPTunnel {
		return c.handleTunnel(payload)
	}
	msg, err := mumbleproto.New(kind)
	if err != nil {
		return err
	}
	if err := msg.UnmarshalBinary(payload); err != nil {
		return err
	}

	if c.settleWaiter(kind, msg) {
		return nil
	}

	switch m := msg.(type) {
	case *mumbleproto.Reject:
		c.emit(RejectEvent{Message: m})
	case *mumbleproto.CryptSetup:
		c.handleCryptSetup(m)
	case *mumbleproto.ServerSync:
		c.handleServerSync(m)
	case *mumbleproto.UserState:
		c.handleUserState(m)
	case *mumbleproto.UserRemove:
		c.handleUserRemove(m)
	case *mumbleproto.ChannelState:
		c.handleChannelState(m)
	case *mumbleproto.ChannelRemove:
		c.handleChannelRemove(m)
	case *mumbleproto.TextMessage:
		c.emit(TextMessageEvent{Message: m})
	case *mumbleproto.PermissionDenied:
		c.emit(PermissionDeniedEvent{Message: m})
	case *mumbleproto.Ping, *mumbleproto.Version,
		*mumbleproto.CodecVersion, *mumbleproto.ServerConfig,
		*mumbleproto.SuggestConfig, *mumbleproto.PermissionQuery:
		// Informational; nothing to fold.
	default:
		c.log.Debug("client: unhandled frame", "type", mumbleproto.TypeName(kind))
	}
	return nil
}

func (c *Client) handleCryptSetup(m *mumbleproto.CryptSetup) {
	if len(m.Key) == 0 {
		// Resync reply: the server re-sent its encrypt IV, our decrypt IV.
		if len(m.ServerNonce) == crypt.BlockSize {
			c.cryptMu.Lock()
			if c.crypt != nil {
				c.crypt.SetDecryptIV(m.ServerNonce)
			}
			c.cryptMu.Unlock()
		}
		return
	}
	// The server's client_nonce is its decrypt IV, so our encrypt IV, and
	// vice versa.
	st, err := crypt.NewStateFrom(m.Key, m.ClientNonce, m.ServerNonce)
	if err != nil {
		c.log.Warn("client: crypt setup rejected", "error", err)
		return
	}
	c.cryptMu.Lock()
	c.crypt = st
	c.cryptMu.Unlock()
	c.startUDP()
}

func (c *Client) handleServerSync(m *mumbleproto.ServerSync) {
	c.mu.Lock()
	if m.Session != nil {
		c.session = *m.Session
	}
	if m.WelcomeText != nil {
		c.welcome = *m.WelcomeText
	}
	if m.MaxBandwidth != nil {
		c.maxBW = *m.MaxBandwidth
	}
	if m.Permissions != nil {
		c.perms = *m.Permissions
	}
	c.synced = true
	session := c.session
	c.mu.Unlock()
	c.emit(ConnectEvent{Session: session, WelcomeText: c.WelcomeText()})
}

func (c *Client) handleUserState(m *mumbleproto.UserState) {
	if m.Session == nil {
		return
	}
	c.mu.Lock()
	u, ok := c.users[*m.Session]
	if !ok {
		u = &User{Session: *m.Session}
		c.users[*m.Session] = u
	}
	if m.Name != nil {
		u.Name = *m.Name
	}
	if m.UserID != nil {
		u.UserID = int32(*m.UserID)
	}
	if m.ChannelID != nil {
		u.ChannelID = *m.ChannelID
	}
	if m.Mute != nil {
		u.Mute = *m.Mute
	}
	if m.Deaf != nil {
		u.Deaf = *m.Deaf
	}
	if m.Suppress != nil {
		u.Suppress = *m.Suppress
	}
	if m.SelfMute != nil {
		u.SelfMute = *m.SelfMute
	}
	if m.SelfDeaf != nil {
		u.SelfDeaf = *m.SelfDeaf
	}
	if m.PrioritySpeaker != nil {
		u.PrioritySpeaker = *m.PrioritySpeaker
	}
	if m.Recording != nil {
		u.Recording = *m.Recording
	}
	if m.Comment != nil {
		u.Comment = *m.Comment
	}
	if m.Hash != nil {
		u.Hash = *m.Hash
	}
	snapshot := *u
	c.mu.Unlock()
	c.emit(UserChangeEvent{User: snapshot})
}

func (c *Client) handleUserRemove(m *mumbleproto.UserRemove) {
	if m.Session == nil {
		return
	}
	c.mu.Lock()
	u, known := c.users[*m.Session]
	var snapshot User
	if known {
		snapshot = *u
		delete(c.users, *m.Session)
	} else {
		snapshot = User{Session: *m.Session}
	}
	own := *m.Session == c.session && c.session != 0
	c.mu.Unlock()

	ev := UserChangeEvent{User: snapshot, Removed: true}
	if m.Reason != nil {
		ev.Reason = *m.Reason
	}
	if m.Ban != nil {
		ev.Banned = *m.Ban
	}
	c.emit(ev)
	if own {
		c.Close()
	}
}

func (c *Client) handleChannelState(m *mumbleproto.ChannelState) {
	if m.ChannelID == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.channels[*m.ChannelID]
	if !ok {
		ch = &Channel{ID: *m.ChannelID, Links: make(map[uint32]bool)}
		c.channels[*m.ChannelID] = ch
	}
	if m.Parent != nil {
		ch.Parent = *m.Parent
	}
	if m.Name != nil {
		ch.Name = *m.Name
	}
	if m.Description != nil {
		ch.Description = *m.Description
	}
	if m.Position != nil {
		ch.Position = *m.Position
	}
	if m.Temporary != nil {
		ch.Temporary = *m.Temporary
	}
	if m.MaxUsers != nil {
		ch.MaxUsers = *m.MaxUsers
	}
	if m.Links != nil {
		ch.Links = make(map[uint32]bool, len(m.Links))
		for _, id := range m.Links {
			ch.Links[id] = true
		}
	}
	for _, id := range m.LinksAdd {
		ch.Links[id] = true
	}
	for _, id := range m.LinksRemove {
		delete(ch.Links, id)
	}
	snapshot := *ch
	c.mu.Unlock()
	c.emit(ChannelChangeEvent{Channel: snapshot})
}

func (c *Client) handleChannelRemove(m *mumbleproto.ChannelRemove) {
	if m.ChannelID == nil {
		return
	}
	c.mu.Lock()
	ch, known := c.channels[*m.ChannelID]
	var snapshot Channel
	if known {
		snapshot = *ch
		delete(c.channels, *m.ChannelID)
	} else {
		snapshot = Channel{ID: *m.ChannelID}
	}
	c.mu.Unlock()
	c.emit(ChannelChangeEvent{Channel: snapshot, Removed: true})
}

// await registers a claim on the next frame of the given kind accepted by
// match, or any frame of that kind when match is nil.
func (c *Client) await(kind uint16, match func(mumbleproto.Message) bool) *waiter {
	w := &waiter{match: match, ch: make(chan mumbleproto.Message, 1)}
	c.waitMu.Lock()
	c.waiters[kind] = append(c.waiters[kind], w)
	c.waitMu.Unlock()
	return w
}

func (c *Client) cancelWait(kind uint16, w *waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	list := c.waiters[kind]
	for i, cand := range list {
		if cand == w {
			c.waiters[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// settleWaiter hands a frame to the oldest matching waiter. Frames that
// settle a command are consumed; state frames are never awaited exclusively
// (their waiters see them, and the fold still runs).
func (c *Client) settleWaiter(kind uint16, msg mumbleproto.Message) bool {
	c.waitMu.Lock()
	list := c.waiters[kind]
	for i, w := range list {
		if w.match != nil && !w.match(msg) {
			continue
		}
		c.waiters[kind] = append(list[:i], list[i+1:]...)
		c.waitMu.Unlock()
		w.ch <- msg
		// State frames still fold into the local view.
		return !foldsState(kind)
	}
	c.waitMu.Unlock()
	return false
}

// foldsState reports whether a frame kind carries state the client mirrors.
// Everything else exists only as a command response and is consumed by its
// waiter.
func foldsState(kind uint16) bool {
	switch kind {
	case mumbleproto.TypeACL, mumbleproto.TypeQueryUsers,
		mumbleproto.TypeBanList, mumbleproto.TypeUserList,
		mumbleproto.TypeUserStats, mumbleproto.TypePermissionQuery:
		return false
	}
	return true
}

// wait blocks for the waiter's frame, bounded by echoWait and ctx.
func (c *Client) wait(ctx context.Context, kind uint16, w *waiter) (mumbleproto.Message, error) {
	timer := time.NewTimer(echoWait)
	defer timer.Stop()
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		c.cancelWait(kind, w)
		return nil, fmt.Errorf("client: timed out waiting for %s", mumbleproto.TypeName(kind))
	case <-ctx.Done():
		c.cancelWait(kind, w)
		return nil, ctx.Err()
	case <-c.done:
		c.cancelWait(kind, w)
		return nil, fmt.Errorf("client: connection closed")
	}
}

// pingLoop keeps the control connection alive and nudges the UDP path until
// it proves usable.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ts := uint64(time.Now().UnixMilli())
			if err := c.conn.WriteMessage(&mumbleproto.Ping{Timestamp: mumbleproto.Uint64(ts)}); err != nil {
				return
			}
			if !c.udpReady.Load() {
				c.sendUDPPing()
			}
		}
	}
}
