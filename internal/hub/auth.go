package hub

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"humble/internal/acl"
	"humble/internal/config"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
)

// defaultKDFIterations applies when kdf_iterations is -1 (auto).
const defaultKDFIterations = 64000

const pbkdf2KeyLen = 32

// hashPassword derives the stored credential for a password.
func hashPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, pbkdf2KeyLen, sha256.New)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func (h *Hub) kdfIterations() int {
	if h.cfg.KDFIterations > 0 {
		return h.cfg.KDFIterations
	}
	return defaultKDFIterations
}

// verifyPassword checks a password against stored material. Rows with a zero
// iteration count hold a legacy hex SHA-1 digest; upgraded reports that the
// caller should rewrite the row with PBKDF2 material.
func verifyPassword(password string, hash, salt []byte, iterations int) (ok, upgraded bool) {
	if iterations == 0 {
		sum := sha1.Sum([]byte(password))
		legacy := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(legacy), hash) == 1, true
	}
	derived := hashPassword(password, salt, iterations)
	return subtle.ConstantTimeCompare(derived, hash) == 1, false
}

// failureTracker counts authentication failures per address inside a sliding
// window and decides when an automatic ban is due.
type failureTracker struct {
	attempts  int
	window    time.Duration
	banFor    time.Duration
	banOnSucc bool

	mu       sync.Mutex
	failures map[string][]time.Time
}

func newFailureTracker(cfg *config.Config) *failureTracker {
	return &failureTracker{
		attempts:  cfg.AutoBan.Attempts,
		window:    time.Duration(cfg.AutoBan.Timeframe) * time.Second,
		banFor:    time.Duration(cfg.AutoBan.Duration) * time.Second,
		banOnSucc: cfg.AutoBan.BanSuccessfulConnections,
		failures:  make(map[string][]time.Time),
	}
}

// Failed records one failure and reports whether the address just crossed
// the ban threshold.
func (t *failureTracker) Failed(addr string, now time.Time) bool {
	if t.attempts <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-t.window)
	kept := t.failures[addr][:0]
	for _, at := range t.failures[addr] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	t.failures[addr] = kept
	if len(kept) >= t.attempts {
		delete(t.failures, addr)
		return true
	}
	return false
}

// Succeeded clears the failure record of an address, unless successful
// connections are configured to count toward the threshold.
func (t *failureTracker) Succeeded(addr string) {
	if t.banOnSucc {
		return
	}
	t.mu.Lock()
	delete(t.failures, addr)
	t.mu.Unlock()
}

func rejectFrame(typ uint32, reason string) []byte {
	data, _ := (&mumbleproto.Reject{
		RejectType: mumbleproto.Uint32(typ),
		Reason:     mumbleproto.String(reason),
	}).MarshalBinary()
	return data
}

func splitAddr(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}

// Authenticate is the authoritative admission check for a client an edge has
// accepted. On success the session enters the mirror and its arrival is
// broadcast; on refusal the result carries a marshaled Reject frame.
func (h *Hub) Authenticate(p hublink.AuthenticateParams) (*hublink.AuthenticateResult, error) {
	var auth mumbleproto.Authenticate
	if err := auth.UnmarshalBinary(p.Message); err != nil {
		return nil, fmt.Errorf("hub: bad authenticate message: %w", err)
	}
	name := ""
	if auth.Username != nil {
		name = *auth.Username
	}
	password := ""
	if auth.Password != nil {
		password = *auth.Password
	}
	ip := splitAddr(p.Address)
	ipKey := ""
	if ip != nil {
		ipKey = ip.String()
	}
	now := time.Now()

	fail := func(typ uint32, reason string) *hublink.AuthenticateResult {
		if ipKey != "" && h.autoban.Failed(ipKey, now) {
			h.autoBanAddress(ip, name, now)
		}
		h.log.Info("authentication refused", "name", name, "addr", ipKey, "reason", reason)
		return &hublink.AuthenticateResult{Reject: rejectFrame(typ, reason)}
	}

	if ban, banned := h.bans.Match(ip, p.CertHash, now); banned {
		reason := ban.Reason
		if reason == "" {
			reason = "You are banned from this server"
		}
		return &hublink.AuthenticateResult{Reject: rejectFrame(mumbleproto.RejectNone, reason)}, nil
	}
	if h.sessions.Len() >= h.cfg.MaxUsers {
		return &hublink.AuthenticateResult{
			Reject: rejectFrame(mumbleproto.RejectServerFull, "Server is full"),
		}, nil
	}
	if !h.cfg.ValidUsername(name) {
		return fail(mumbleproto.RejectInvalidUsername, "Invalid username"), nil
	}

	userID := int32(-1)
	var groups []string
	u, registered, err := h.st.GetUserByName(name)
	if err != nil {
		return nil, fmt.Errorf("hub: user lookup: %w", err)
	}
	if registered {
		certMatch := u.CertHash != "" && p.CertHash != "" && u.CertHash == p.CertHash
		if !certMatch {
			ok, upgraded := verifyPassword(password, u.PasswordHash, u.Salt, u.KDFIterations)
			if !ok {
				return fail(mumbleproto.RejectWrongUserPW, "Wrong password for registered user"), nil
			}
			if upgraded {
				salt, serr := newSalt()
				if serr == nil {
					iter := h.kdfIterations()
					if uerr := h.st.UpdateUserPassword(u.UserID, hashPassword(password, salt, iter), salt, iter); uerr != nil {
						h.log.Warn("credential upgrade failed", "user", u.UserID, "error", uerr)
					} else {
						h.log.Info("upgraded legacy credential", "user", u.UserID)
					}
				}
			}
		}
		userID = u.UserID
		groups = u.GroupList()
		if other, online := h.sessions.ByUserID(userID); online {
			// The registered user reconnected elsewhere; the newer
			// connection wins.
			h.kickGhost(other)
		}
		if err := h.st.TouchUser(userID); err != nil {
			h.log.Warn("touch user failed", "user", userID, "error", err)
		}
	} else if _, taken := h.sessions.ByName(name); taken {
		return fail(mumbleproto.RejectUsernameInUse, "Username is already in use"), nil
	}

	channelID := h.landingChannel(userID, groups)

	s := mirror.Session{
		ID:        p.Session,
		EdgeID:    p.EdgeID,
		Name:      name,
		UserID:    userID,
		ChannelID: channelID,
		CertHash:  p.CertHash,
	}
	h.sessions.Put(s)
	h.setMeta(p.Session, &sessionMeta{
		Tokens:   auth.Tokens,
		Groups:   groups,
		Addr:     ip,
		CertHash: p.CertHash,
		Start:    now,
	})
	if ipKey != "" {
		h.autoban.Succeeded(ipKey)
	}
	h.broadcastJoin(s)
	h.log.Info("session authenticated", "session", p.Session, "name", name, "user", userID, "edge", p.EdgeID, "channel", channelID)

	return &hublink.AuthenticateResult{
		UserID:    userID,
		Name:      name,
		Groups:    groups,
		ChannelID: channelID,
	}, nil
}

// landingChannel picks the channel a fresh session starts in: the remembered
// channel when enabled and still enterable, else the configured default,
// else the root.
func (h *Hub) landingChannel(userID int32, groups []string) uint32 {
	try := func(id uint32) bool {
		if !h.channels.Exists(id) {
			return false
		}
		chain := h.channels.Chain(id)
		ctx := acl.Context{UserID: userID, Groups: groups}
		return id == mirror.RootChannel || acl.HasPermission(chain, ctx, acl.Enter)
	}
	if h.cfg.RememberChannel && userID >= 0 {
		maxAge := time.Duration(h.cfg.RememberChannelDuration) * time.Second
		if id, ok, err := h.st.LastChannel(userID, maxAge); err == nil && ok && try(id) {
			return id
		}
	}
	if id := uint32(h.cfg.DefaultChannel); id != mirror.RootChannel && try(id) {
		return id
	}
	return mirror.RootChannel
}

// kickGhost removes the stale session of a registered user who logged in
// again from elsewhere.
func (h *Hub) kickGhost(s mirror.Session) {
	reason := "Logged in from another connection"
	ur := &mumbleproto.UserRemove{
		Session: mumbleproto.Uint32(s.ID),
		Reason:  mumbleproto.String(reason),
	}
	data, _ := ur.MarshalBinary()
	if err := h.registry.NotifyEdge(s.EdgeID, hublink.MethodKick, hublink.KickParams{
		Session: s.ID,
		Message: data,
	}); err != nil {
		h.log.Warn("ghost kick notify failed", "session", s.ID, "edge", s.EdgeID, "error", err)
	}
	h.sessions.Remove(s.ID)
	h.dropMeta(s.ID)
	h.alloc.Release(s.ID)
	h.broadcastLeave(s.ID, reason, false)
}

// autoBanAddress installs the temporary ban produced by the failure tracker.
func (h *Hub) autoBanAddress(ip net.IP, name string, now time.Time) {
	if ip == nil {
		return
	}
	mask := 128
	if ip.To4() != nil {
		mask = 32
	}
	b := mirror.Ban{
		IP:       ip,
		Mask:     mask,
		Name:     name,
		Reason:   "Too many failed authentication attempts",
		Start:    now,
		Duration: h.autoban.banFor,
	}
	h.bans.Add(b)
	if err := h.st.AddBan(b); err != nil {
		h.log.Warn("persist auto ban failed", "error", err)
	}
	h.broadcastBanList()
	h.log.Warn("auto ban installed", "addr", ip.String(), "duration", h.autoban.banFor)
}

func (h *Hub) broadcastBanList() {
	h.broadcast(banListMessage(h.bans.All()), 0, nil)
}
