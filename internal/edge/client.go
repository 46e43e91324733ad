package edge

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"humble/internal/acl"
	"humble/internal/crypt"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
)

// Client connection states.
const (
	stateConnecting int32 = iota
	stateReady
	stateClosed
)

// authWindow bounds the whole admission sequence, TLS handshake included.
// It is not configurable; the timeout option only governs idle
// authenticated clients.
const authWindow = 30 * time.Second

// CELT bitstream versions announced in CodecVersion, matching the 1.4.x
// client expectations.
const (
	celtAlphaVersion int32 = -2147483637 // 0x8000000b
	celtBetaVersion  int32 = -2147483632 // 0x80000010
)

// Client is one TLS control connection terminated by this edge.
type Client struct {
	edge *Edge

	session  uint32
	tlsConn  *tls.Conn
	conn     *mumbleproto.Conn
	crypt    *crypt.State
	ip       net.IP
	addr     string
	certHash string

	name   string
	userID int32
	groups []string
	tokens []string

	state atomic.Int32

	// pre buffers a UserState the client sends before authenticating
	// (self-mute, self-deaf, plugin data, comment).
	pre *mumbleproto.UserState

	targets voiceTargets

	msgLimiter *rate.Limiter

	udpMu     sync.Mutex
	udpAddr   *net.UDPAddr
	preferUDP bool

	version *mumbleproto.Version
	opus    bool

	tcpPackets atomic.Uint32
	udpPackets atomic.Uint32

	start     time.Time
	closeOnce sync.Once
}

// handleConn runs one accepted TLS connection to completion.
func (e *Edge) handleConn(ctx context.Context, tc *tls.Conn) {
	hsCtx, cancel := context.WithTimeout(ctx, authWindow)
	err := tc.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		e.log.Debug("tls handshake failed", "remote", tc.RemoteAddr(), "error", err)
		tc.Close()
		return
	}

	certHash := ""
	if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
		certHash = certFingerprint(certs[0].Raw)
	}
	ip := remoteIP(tc.RemoteAddr())

	if ban, banned := e.bans.Match(ip, certHash, time.Now()); banned {
		e.log.Info("banned connection refused", "remote", tc.RemoteAddr(), "reason", ban.Reason)
		tc.Close()
		return
	}

	session, err := e.hub.AllocSession(ctx)
	if err != nil {
		e.log.Warn("session allocation failed", "remote", tc.RemoteAddr(), "error", err)
		tc.Close()
		return
	}

	c := &Client{
		edge:       e,
		session:    session,
		tlsConn:    tc,
		conn:       mumbleproto.NewConn(tc),
		ip:         ip,
		addr:       tc.RemoteAddr().String(),
		certHash:   certHash,
		userID:     acl.NoUser,
		msgLimiter: rate.NewLimiter(rate.Limit(e.cfg.MessageLimit), e.cfg.MessageBurst),
		start:      time.Now(),
	}
	c.state.Store(stateConnecting)

	defer c.teardown()
	if err := c.run(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		e.log.Debug("client connection ended", "session", session, "error", err)
	}
}

func certFingerprint(der []byte) string {
	sum := sha1.Sum(der)
	return hex.EncodeToString(sum[:])
}

func remoteIP(addr net.Addr) net.IP {
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

// run drives the admission sequence and then the steady-state dispatcher.
func (c *Client) run(ctx context.Context) error {
	c.tlsConn.SetReadDeadline(time.Now().Add(authWindow))

	for c.state.Load() == stateConnecting {
		kind, payload, err := c.conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := c.handlePreAuth(ctx, kind, payload); err != nil {
			return err
		}
	}

	// Clients ping every few seconds even when voice rides UDP, so any
	// frame re-arms the idle deadline.
	idle := time.Duration(c.edge.cfg.Timeout) * time.Second
	for {
		c.tlsConn.SetReadDeadline(time.Now().Add(idle))
		kind, payload, err := c.conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := c.dispatch(ctx, kind, payload); err != nil {
			return err
		}
	}
}

// handlePreAuth processes frames before authentication completes. Only
// Version, Authenticate, Ping, and a buffered UserState are meaningful.
func (c *Client) handlePreAuth(ctx context.Context, kind uint16, payload []byte) error {
	switch kind {
	case mumbleproto.TypeVersion:
		var v mumbleproto.Version
		if err := v.UnmarshalBinary(payload); err != nil {
			return err
		}
		c.version = &v
		return c.sendVersion()
	case mumbleproto.TypeAuthenticate:
		return c.authenticate(ctx, payload)
	case mumbleproto.TypeUserState:
		var us mumbleproto.UserState
		if err := us.UnmarshalBinary(payload); err != nil {
			return err
		}
		c.pre = &us
		return nil
	case mumbleproto.TypePing:
		return c.handlePing(payload)
	default:
		c.edge.log.Debug("frame before authentication dropped",
			"session", c.session, "type", mumbleproto.TypeName(kind))
		return nil
	}
}

func (c *Client) sendVersion() error {
	return c.conn.WriteMessage(&mumbleproto.Version{
		Version: mumbleproto.Uint32(protocolVersion),
		Release: mumbleproto.String("humble"),
	})
}

// authenticate forwards the credentials to the hub and, on success, walks
// the full sync sequence. The ordering is load-bearing: crypt, codecs,
// channel tree, other users, own state, ServerSync, ServerConfig.
func (c *Client) authenticate(ctx context.Context, payload []byte) error {
	var auth mumbleproto.Authenticate
	if err := auth.UnmarshalBinary(payload); err != nil {
		return err
	}
	c.tokens = auth.Tokens
	c.opus = auth.Opus != nil && *auth.Opus

	res, err := c.edge.hub.Authenticate(ctx, hublink.AuthenticateParams{
		EdgeID:   c.edge.id,
		Session:  c.session,
		Address:  c.addr,
		CertHash: c.certHash,
		Message:  payload,
	})
	if err != nil {
		c.edge.log.Warn("hub authentication unavailable", "session", c.session, "error", err)
		c.conn.WriteMessage(&mumbleproto.Reject{
			RejectType: mumbleproto.Uint32(mumbleproto.RejectAuthenticatorFail),
			Reason:     mumbleproto.String("Authentication service unavailable"),
		})
		return err
	}
	if len(res.Reject) > 0 {
		c.conn.WriteFrame(mumbleproto.TypeReject, res.Reject)
		return errors.New("authentication rejected")
	}

	c.name = res.Name
	c.userID = res.UserID
	c.groups = res.Groups

	cs, err := crypt.NewState()
	if err != nil {
		return err
	}
	c.crypt = cs
	if err := c.conn.WriteMessage(&mumbleproto.CryptSetup{
		Key:         cs.Key(),
		ClientNonce: cs.DecryptIV(),
		ServerNonce: cs.EncryptIV(),
	}); err != nil {
		return err
	}

	if err := c.conn.WriteMessage(&mumbleproto.CodecVersion{
		Alpha:       mumbleproto.Int32(celtAlphaVersion),
		Beta:        mumbleproto.Int32(celtBetaVersion),
		PreferAlpha: mumbleproto.Bool(true),
		Opus:        mumbleproto.Bool(c.opus),
	}); err != nil {
		return err
	}

	c.edge.addClient(c)

	if err := c.sendChannelTree(); err != nil {
		return err
	}
	if err := c.sendUserList(); err != nil {
		return err
	}

	if c.pre != nil {
		c.forwardPreConnectState(ctx)
	}
	if err := c.sendOwnState(res.ChannelID); err != nil {
		return err
	}

	rootPerms := c.edge.permissionsFor(c, mirror.RootChannel)
	if err := c.conn.WriteMessage(&mumbleproto.ServerSync{
		Session:      mumbleproto.Uint32(c.session),
		MaxBandwidth: mumbleproto.Uint32(uint32(c.edge.cfg.Bandwidth)),
		WelcomeText:  mumbleproto.String(c.edge.cfg.WelcomeText),
		Permissions:  mumbleproto.Uint64(uint64(rootPerms)),
	}); err != nil {
		return err
	}

	if err := c.conn.WriteMessage(&mumbleproto.ServerConfig{
		AllowHTML:          mumbleproto.Bool(c.edge.cfg.AllowHTML),
		MessageLength:      mumbleproto.Uint32(uint32(c.edge.cfg.TextMessageLength)),
		ImageMessageLength: mumbleproto.Uint32(uint32(c.edge.cfg.ImageMessageLength)),
		MaxUsers:           mumbleproto.Uint32(uint32(c.edge.cfg.MaxUsers)),
	}); err != nil {
		return err
	}

	if sc := c.suggestConfig(); sc != nil {
		if err := c.conn.WriteMessage(sc); err != nil {
			return err
		}
	}

	c.state.Store(stateReady)
	c.edge.log.Info("client synced", "session", c.session, "name", c.name, "user", c.userID)
	return nil
}

func (c *Client) suggestConfig() *mumbleproto.SuggestConfig {
	cfg := c.edge.cfg
	if cfg.SuggestVersion() == 0 && cfg.Suggest.Positional == nil && cfg.Suggest.PushToTalk == nil {
		return nil
	}
	sc := &mumbleproto.SuggestConfig{
		Positional: cfg.Suggest.Positional,
		PushToTalk: cfg.Suggest.PushToTalk,
	}
	if v := cfg.SuggestVersion(); v != 0 {
		sc.Version = mumbleproto.Uint32(v)
	}
	return sc
}

// sendChannelTree disseminates the mirrored tree in two passes: first every
// channel parented to the root so the client accepts all ids, then the real
// parents and links.
func (c *Client) sendChannelTree() error {
	all := c.edge.channels.All()
	visible := make(map[uint32]bool, len(all))
	for _, ch := range all {
		visible[ch.ID] = c.edge.channelVisible(c, ch.ID)
	}

	for _, ch := range all {
		if !visible[ch.ID] {
			continue
		}
		if err := c.conn.WriteMessage(channelStateMessage(ch, true)); err != nil {
			return err
		}
	}
	for _, ch := range all {
		if !visible[ch.ID] || ch.ID == mirror.RootChannel {
			continue
		}
		if ch.Parent == mirror.RootChannel && len(ch.Links) == 0 {
			continue
		}
		fix := &mumbleproto.ChannelState{
			ChannelID: mumbleproto.Uint32(ch.ID),
			Parent:    mumbleproto.Uint32(ch.Parent),
		}
		for id := range ch.Links {
			if visible[id] {
				fix.Links = append(fix.Links, id)
			}
		}
		if err := c.conn.WriteMessage(fix); err != nil {
			return err
		}
	}
	return nil
}

// sendUserList announces every other known session so the roster is
// complete before ServerSync.
func (c *Client) sendUserList() error {
	for _, s := range c.edge.sessions.All() {
		if s.ID == c.session {
			continue
		}
		if err := c.conn.WriteMessage(sessionStateMessage(s)); err != nil {
			return err
		}
	}
	return nil
}

// forwardPreConnectState sends the state the client set before
// authenticating through the hub so the whole cluster learns it. Only the
// fields a client may set on itself pre-sync are forwarded.
func (c *Client) forwardPreConnectState(ctx context.Context) {
	us := &mumbleproto.UserState{
		Session:        mumbleproto.Uint32(c.session),
		SelfMute:       c.pre.SelfMute,
		SelfDeaf:       c.pre.SelfDeaf,
		PluginContext:  c.pre.PluginContext,
		PluginIdentity: c.pre.PluginIdentity,
		Comment:        c.pre.Comment,
	}
	data, err := us.MarshalBinary()
	if err != nil {
		return
	}
	if _, err := c.edge.hub.Handle(ctx, c.session, mumbleproto.TypeUserState, data); err != nil {
		c.edge.log.Warn("pre-connect state forward failed", "session", c.session, "error", err)
	}
}

// sendOwnState shows the client its own UserState, with any buffered
// pre-connect fields folded in so it does not wait for the hub's echo.
func (c *Client) sendOwnState(channelID uint32) error {
	var us *mumbleproto.UserState
	if s, ok := c.edge.sessions.Get(c.session); ok {
		us = sessionStateMessage(s)
	} else {
		us = &mumbleproto.UserState{
			Session: mumbleproto.Uint32(c.session),
			Name:    mumbleproto.String(c.name),
		}
	}
	us.ChannelID = mumbleproto.Uint32(channelID)
	if c.userID >= 0 {
		us.UserID = mumbleproto.Uint32(uint32(c.userID))
	}
	if c.pre != nil {
		if c.pre.SelfMute != nil {
			us.SelfMute = c.pre.SelfMute
		}
		if c.pre.SelfDeaf != nil {
			us.SelfDeaf = c.pre.SelfDeaf
		}
		if c.pre.Comment != nil {
			us.Comment = c.pre.Comment
		}
	}
	return c.conn.WriteMessage(us)
}

// dispatch routes one post-sync frame: local concerns are answered from the
// edge, everything mutating goes through the hub.
func (c *Client) dispatch(ctx context.Context, kind uint16, payload []byte) error {
	switch kind {
	case mumbleproto.TypePing:
		return c.handlePing(payload)
	case mumbleproto.TypeUDPTunnel:
		c.tcpPackets.Add(1)
		c.edge.routeVoice(c, payload)
		return nil
	case mumbleproto.TypeCryptSetup:
		return c.handleCryptSetup(payload)
	case mumbleproto.TypeVoiceTarget:
		return c.handleVoiceTarget(payload)
	case mumbleproto.TypePermissionQuery:
		return c.handlePermissionQuery(payload)
	case mumbleproto.TypeUserStats:
		return c.handleUserStats(payload)
	case mumbleproto.TypeRequestBlob:
		return c.handleRequestBlob(ctx, payload)
	case mumbleproto.TypeAuthenticate:
		// A post-sync Authenticate refreshes access tokens only.
		var auth mumbleproto.Authenticate
		if err := auth.UnmarshalBinary(payload); err != nil {
			return err
		}
		c.tokens = auth.Tokens
		return nil
	case mumbleproto.TypeVersion:
		return nil
	case mumbleproto.TypeUserState,
		mumbleproto.TypeUserRemove,
		mumbleproto.TypeChannelState,
		mumbleproto.TypeChannelRemove,
		mumbleproto.TypeTextMessage,
		mumbleproto.TypeACL,
		mumbleproto.TypeBanList,
		mumbleproto.TypeQueryUsers,
		mumbleproto.TypeUserList:
		return c.forwardMutation(ctx, kind, payload)
	default:
		c.edge.log.Debug("unhandled frame", "session", c.session, "type", mumbleproto.TypeName(kind))
		return nil
	}
}

// forwardMutation ships a mutating frame to the hub and relays its verdict.
// The edge never applies the mutation itself; it waits for the broadcast.
func (c *Client) forwardMutation(ctx context.Context, kind uint16, payload []byte) error {
	if kind == mumbleproto.TypeTextMessage && !c.msgLimiter.Allow() {
		c.edge.log.Info("text message rate limited", "session", c.session)
		return nil
	}
	res, err := c.edge.hub.Handle(ctx, c.session, kind, payload)
	if err != nil {
		c.edge.log.Warn("mutation forward failed", "session", c.session,
			"type", mumbleproto.TypeName(kind), "error", err)
		return c.conn.WriteMessage(&mumbleproto.PermissionDenied{
			DenyType: mumbleproto.Uint32(mumbleproto.DenyText),
			Reason:   mumbleproto.String("The server is temporarily unavailable"),
		})
	}
	if len(res.Denied) > 0 {
		return c.conn.WriteFrame(mumbleproto.TypePermissionDenied, res.Denied)
	}
	if res.Reply != nil {
		return c.conn.WriteFrame(res.Reply.Kind, res.Reply.Message)
	}
	return nil
}

func (c *Client) handlePing(payload []byte) error {
	var ping mumbleproto.Ping
	if err := ping.UnmarshalBinary(payload); err != nil {
		return err
	}
	reply := &mumbleproto.Ping{Timestamp: ping.Timestamp}
	if c.crypt != nil {
		good, late, lost, resync := c.crypt.Stats()
		reply.Good = mumbleproto.Uint32(good)
		reply.Late = mumbleproto.Uint32(late)
		reply.Lost = mumbleproto.Uint32(lost)
		reply.Resync = mumbleproto.Uint32(resync)
	}
	reply.UDPPackets = mumbleproto.Uint32(c.udpPackets.Load())
	reply.TCPPackets = mumbleproto.Uint32(c.tcpPackets.Load())
	return c.conn.WriteMessage(reply)
}

// handleCryptSetup serves client-initiated nonce resync: an empty
// client_nonce asks for the server nonce back, a present one restores the
// client's transmit IV on our decrypt side.
func (c *Client) handleCryptSetup(payload []byte) error {
	var setup mumbleproto.CryptSetup
	if err := setup.UnmarshalBinary(payload); err != nil {
		return err
	}
	if c.crypt == nil {
		return nil
	}
	if len(setup.ClientNonce) == 0 {
		return c.conn.WriteMessage(&mumbleproto.CryptSetup{
			ServerNonce: c.crypt.EncryptIV(),
		})
	}
	if err := c.crypt.SetDecryptIV(setup.ClientNonce); err != nil {
		c.edge.log.Warn("bad client nonce", "session", c.session, "error", err)
	}
	return nil
}

func (c *Client) handleVoiceTarget(payload []byte) error {
	var vt mumbleproto.VoiceTarget
	if err := vt.UnmarshalBinary(payload); err != nil {
		return err
	}
	if vt.ID == nil {
		return nil
	}
	c.targets.Set(uint8(*vt.ID), vt.Targets)
	return nil
}

// handlePermissionQuery answers from the mirrored ACLs. The answer can lag
// the hub by a broadcast, never more.
func (c *Client) handlePermissionQuery(payload []byte) error {
	var pq mumbleproto.PermissionQuery
	if err := pq.UnmarshalBinary(payload); err != nil {
		return err
	}
	if pq.ChannelID == nil {
		return nil
	}
	perms := c.edge.permissionsFor(c, *pq.ChannelID)
	return c.conn.WriteMessage(&mumbleproto.PermissionQuery{
		ChannelID:   pq.ChannelID,
		Permissions: mumbleproto.Uint32(uint32(perms)),
	})
}

// handleUserStats blends local transport counters with mirrored session
// facts. For sessions on other edges only the mirror part is available.
func (c *Client) handleUserStats(payload []byte) error {
	var req mumbleproto.UserStats
	if err := req.UnmarshalBinary(payload); err != nil {
		return err
	}
	if req.Session == nil {
		return nil
	}
	target, ok := c.edge.sessions.Get(*req.Session)
	if !ok {
		return nil
	}

	reply := &mumbleproto.UserStats{Session: req.Session}
	statsOnly := req.StatsOnly != nil && *req.StatsOnly

	if tc, local := c.edge.client(*req.Session); local {
		if tc.crypt != nil {
			good, late, lost, resync := tc.crypt.Stats()
			reply.FromClient = &mumbleproto.UserStatsDetail{
				Good: mumbleproto.Uint32(good),
				Late: mumbleproto.Uint32(late),
				Lost: mumbleproto.Uint32(lost),
			}
			reply.FromServer = &mumbleproto.UserStatsDetail{
				Resync: mumbleproto.Uint32(resync),
			}
		}
		reply.UDPPackets = mumbleproto.Uint32(tc.udpPackets.Load())
		reply.TCPPackets = mumbleproto.Uint32(tc.tcpPackets.Load())
		reply.Onlinesecs = mumbleproto.Uint32(uint32(time.Since(tc.start).Seconds()))
		if !statsOnly {
			reply.Version = tc.version
			reply.Opus = mumbleproto.Bool(tc.opus)
			if self := *req.Session == c.session; self || c.edge.hasPermission(c, mirror.RootChannel, acl.Register) {
				reply.Address = tc.ip
			}
		}
	}
	if !statsOnly && target.CertHash != "" {
		reply.StrongCertificate = mumbleproto.Bool(true)
	}
	return c.conn.WriteMessage(reply)
}

// handleRequestBlob serves texture, comment, and description payloads that
// were announced by hash. Content lives on the hub; the edge fetches and
// relays it.
func (c *Client) handleRequestBlob(ctx context.Context, payload []byte) error {
	var req mumbleproto.RequestBlob
	if err := req.UnmarshalBinary(payload); err != nil {
		return err
	}
	for _, session := range req.SessionComment {
		s, ok := c.edge.sessions.Get(session)
		if !ok {
			continue
		}
		comment := s.Comment
		if len(s.CommentHash) > 0 {
			data, err := c.edge.hub.GetBlob(ctx, hex.EncodeToString(s.CommentHash))
			if err != nil {
				c.edge.log.Warn("comment blob fetch failed", "session", session, "error", err)
				continue
			}
			comment = string(data)
		}
		if err := c.conn.WriteMessage(&mumbleproto.UserState{
			Session: mumbleproto.Uint32(session),
			Comment: mumbleproto.String(comment),
		}); err != nil {
			return err
		}
	}
	for _, session := range req.SessionTexture {
		s, ok := c.edge.sessions.Get(session)
		if !ok {
			continue
		}
		texture := s.Texture
		if len(s.TextureHash) > 0 {
			data, err := c.edge.hub.GetBlob(ctx, hex.EncodeToString(s.TextureHash))
			if err != nil {
				c.edge.log.Warn("texture blob fetch failed", "session", session, "error", err)
				continue
			}
			texture = data
		}
		if err := c.conn.WriteMessage(&mumbleproto.UserState{
			Session: mumbleproto.Uint32(session),
			Texture: texture,
		}); err != nil {
			return err
		}
	}
	for _, channel := range req.ChannelDescription {
		ch, ok := c.edge.channels.Get(channel)
		if !ok {
			continue
		}
		desc := ch.Description
		if len(ch.DescriptionHash) > 0 {
			data, err := c.edge.hub.GetBlob(ctx, hex.EncodeToString(ch.DescriptionHash))
			if err != nil {
				c.edge.log.Warn("description blob fetch failed", "channel", channel, "error", err)
				continue
			}
			desc = string(data)
		}
		if err := c.conn.WriteMessage(&mumbleproto.ChannelState{
			ChannelID:   mumbleproto.Uint32(channel),
			Description: mumbleproto.String(desc),
		}); err != nil {
			return err
		}
	}
	return nil
}

// send writes one frame to the client; used by the broadcast consumer and
// the voice router's TCP fallback.
func (c *Client) send(kind uint16, payload []byte) {
	if c.state.Load() != stateReady {
		return
	}
	if err := c.conn.WriteFrame(kind, payload); err != nil {
		c.edge.log.Debug("client write failed", "session", c.session, "error", err)
		c.close()
	}
}

func (c *Client) sendMessage(msg mumbleproto.Message) {
	data, err := msg.MarshalBinary()
	if err != nil {
		return
	}
	c.send(msg.Type(), data)
}

// setUDPAddr records (or rebinds) the client's voice datagram source.
func (c *Client) setUDPAddr(addr *net.UDPAddr) {
	c.udpMu.Lock()
	c.udpAddr = addr
	c.preferUDP = true
	c.udpMu.Unlock()
}

func (c *Client) udpEndpoint() (*net.UDPAddr, bool) {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	return c.udpAddr, c.preferUDP && c.udpAddr != nil
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosed)
		c.tlsConn.Close()
	})
}

// teardown releases everything the connection held once the read loop ends.
func (c *Client) teardown() {
	wasReady := c.state.Load() == stateReady
	c.close()
	c.edge.removeClient(c.session)
	if c.edge.voice != nil {
		c.edge.voice.unbind(c.session)
	}
	if wasReady {
		c.edge.hub.SessionClosed(c.session)
	} else {
		c.edge.hub.ReleaseSession(c.session)
	}
	c.edge.log.Info("client disconnected", "session", c.session, "name", c.name)
}

// kick delivers a hub-issued removal frame and closes the connection.
func (c *Client) kick(message []byte) {
	if len(message) > 0 {
		c.conn.WriteFrame(mumbleproto.TypeUserRemove, message)
	}
	c.close()
}

// sessionStateMessage builds the full UserState frame for a mirrored
// session, announcing blobs by hash when present.
func sessionStateMessage(s mirror.Session) *mumbleproto.UserState {
	us := &mumbleproto.UserState{
		Session:   mumbleproto.Uint32(s.ID),
		Name:      mumbleproto.String(s.Name),
		ChannelID: mumbleproto.Uint32(s.ChannelID),
	}
	if s.UserID >= 0 {
		us.UserID = mumbleproto.Uint32(uint32(s.UserID))
	}
	if s.Mute {
		us.Mute = mumbleproto.Bool(true)
	}
	if s.Deaf {
		us.Deaf = mumbleproto.Bool(true)
	}
	if s.Suppress {
		us.Suppress = mumbleproto.Bool(true)
	}
	if s.SelfMute {
		us.SelfMute = mumbleproto.Bool(true)
	}
	if s.SelfDeaf {
		us.SelfDeaf = mumbleproto.Bool(true)
	}
	if s.PrioritySpeaker {
		us.PrioritySpeaker = mumbleproto.Bool(true)
	}
	if s.Recording {
		us.Recording = mumbleproto.Bool(true)
	}
	if s.CertHash != "" {
		us.Hash = mumbleproto.String(s.CertHash)
	}
	if len(s.CommentHash) > 0 {
		us.CommentHash = s.CommentHash
	} else if s.Comment != "" {
		us.Comment = mumbleproto.String(s.Comment)
	}
	if len(s.TextureHash) > 0 {
		us.TextureHash = s.TextureHash
	}
	for id := range s.Listening {
		us.ListeningChannelAdd = append(us.ListeningChannelAdd, id)
	}
	return us
}

// channelStateMessage builds a ChannelState frame. forceRootParent yields
// the first-pass form of the two-pass tree dissemination.
func channelStateMessage(ch mirror.Channel, forceRootParent bool) *mumbleproto.ChannelState {
	cs := &mumbleproto.ChannelState{
		ChannelID: mumbleproto.Uint32(ch.ID),
		Name:      mumbleproto.String(ch.Name),
	}
	if ch.ID != mirror.RootChannel {
		if forceRootParent {
			cs.Parent = mumbleproto.Uint32(mirror.RootChannel)
		} else {
			cs.Parent = mumbleproto.Uint32(ch.Parent)
		}
	}
	if len(ch.DescriptionHash) > 0 {
		cs.DescriptionHash = ch.DescriptionHash
	} else if ch.Description != "" {
		cs.Description = mumbleproto.String(ch.Description)
	}
	if ch.Position != 0 {
		cs.Position = mumbleproto.Int32(ch.Position)
	}
	if ch.MaxUsers != 0 {
		cs.MaxUsers = mumbleproto.Uint32(ch.MaxUsers)
	}
	if ch.Temporary {
		cs.Temporary = mumbleproto.Bool(true)
	}
	if !forceRootParent {
		for id := range ch.Links {
			cs.Links = append(cs.Links, id)
		}
	}
	return cs
}
