package hub

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"humble/internal/config"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
	"humble/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, tweak func(*config.Config)) *Hub {
	t.Helper()
	cfg := config.Default()
	if tweak != nil {
		tweak(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	st, err := store.New(":memory:", false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	h, err := New(&cfg, discardLogger(), st, nil)
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	return h
}

type sentEnvelope struct {
	method string
	seq    uint64
	params any
}

type fakeEdge struct {
	mu    sync.Mutex
	sends []sentEnvelope
}

func (f *fakeEdge) Send(method string, seq uint64, params any) error {
	f.mu.Lock()
	f.sends = append(f.sends, sentEnvelope{method, seq, params})
	f.mu.Unlock()
	return nil
}

func (f *fakeEdge) byMethod(method string) []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEnvelope
	for _, s := range f.sends {
		if s.method == method {
			out = append(out, s)
		}
	}
	return out
}

func joinEdge(t *testing.T, h *Hub, id string) *fakeEdge {
	t.Helper()
	conn := &fakeEdge{}
	res, err := h.registry.Register(context.Background(), hublink.PeerInfo{EdgeID: id, Host: "127.0.0.1"}, conn)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	peers := make([]string, 0, len(res.Peers))
	for _, p := range res.Peers {
		peers = append(peers, p.EdgeID)
	}
	if _, err := h.registry.ConfirmJoin(hublink.ConfirmJoinParams{
		Token:          res.Token,
		ConnectedPeers: peers,
		LastApplied:    res.LastSeq,
	}, id); err != nil {
		t.Fatalf("confirm %s: %v", id, err)
	}
	return conn
}

func mustMarshal(t *testing.T, m mumbleproto.Message) []byte {
	t.Helper()
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal %s: %v", mumbleproto.TypeName(m.Type()), err)
	}
	return data
}

func registerAdmin(t *testing.T, h *Hub, name, password string) int32 {
	t.Helper()
	salt, err := newSalt()
	if err != nil {
		t.Fatal(err)
	}
	hash := hashPassword(password, salt, 1000)
	id, err := h.st.RegisterUser(name, hash, salt, 1000, "")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	if err := h.st.SetUserGroups(id, []string{"admin"}); err != nil {
		t.Fatal(err)
	}
	return id
}

func authenticate(t *testing.T, h *Hub, edgeID, name, password, addr string) (uint32, *hublink.AuthenticateResult) {
	t.Helper()
	session, err := h.AllocateSession()
	if err != nil {
		t.Fatal(err)
	}
	msg := mustMarshal(t, &mumbleproto.Authenticate{
		Username: mumbleproto.String(name),
		Password: mumbleproto.String(password),
	})
	res, err := h.Authenticate(hublink.AuthenticateParams{
		EdgeID:  edgeID,
		Session: session,
		Address: addr,
		Message: msg,
	})
	if err != nil {
		t.Fatalf("authenticate %s: %v", name, err)
	}
	return session, res
}

func TestSessionAllocatorNeverRepeatsLiveIDs(t *testing.T) {
	a := newSessionAllocator()
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 {
			t.Fatal("allocated the reserved id 0")
		}
		if seen[id] {
			t.Fatalf("id %d handed out twice", id)
		}
		seen[id] = true
	}
	// A freed id is not recycled until the space wraps.
	a.Release(5)
	id, _ := a.Allocate()
	if id == 5 {
		t.Error("released id reused immediately")
	}
}

func TestBroadcastCacheWindow(t *testing.T) {
	c := newBroadcastCache(3, time.Minute)
	now := time.Now()
	for seq := uint64(1); seq <= 5; seq++ {
		c.Append("m", hublink.Broadcast{Seq: seq}, now)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	got := c.Since(3)
	if len(got) != 2 || got[0].payload.Seq != 4 || got[1].payload.Seq != 5 {
		t.Fatalf("Since(3) = %+v, want seqs 4,5", got)
	}
	if len(c.Since(10)) != 0 {
		t.Error("Since past the window returned entries")
	}
}

func TestJoinSlotSerialized(t *testing.T) {
	h := newTestHub(t, nil)
	connA := &fakeEdge{}
	resA, err := h.registry.Register(context.Background(), hublink.PeerInfo{EdgeID: "a"}, connA)
	if err != nil {
		t.Fatal(err)
	}

	// B cannot take the slot while A is mid-join.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.registry.Register(ctx, hublink.PeerInfo{EdgeID: "b"}, &fakeEdge{}); err == nil {
		t.Fatal("second register succeeded while the join slot was held")
	}

	if _, err := h.registry.ConfirmJoin(hublink.ConfirmJoinParams{Token: resA.Token}, "a"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// The slot is free again.
	resB, err := h.registry.Register(context.Background(), hublink.PeerInfo{EdgeID: "b"}, &fakeEdge{})
	if err != nil {
		t.Fatalf("register after release: %v", err)
	}
	if len(resB.Peers) != 1 || resB.Peers[0].EdgeID != "a" {
		t.Fatalf("peers = %+v, want [a]", resB.Peers)
	}
	// Confirming without having reached A fails.
	if _, err := h.registry.ConfirmJoin(hublink.ConfirmJoinParams{Token: resB.Token}, "b"); err == nil {
		t.Fatal("confirm without reaching active peers succeeded")
	}
}

func TestQueuedRegisterWakesOnRejoinedSlotHolder(t *testing.T) {
	h := newTestHub(t, nil)
	if _, err := h.registry.Register(context.Background(), hublink.PeerInfo{EdgeID: "a"}, &fakeEdge{}); err != nil {
		t.Fatal(err)
	}

	// B queues behind A's join.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bDone := make(chan error, 1)
	go func() {
		_, err := h.registry.Register(ctx, hublink.PeerInfo{EdgeID: "b"}, &fakeEdge{})
		bDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// A reconnects mid-join, then completes. B must take the freed slot
	// right away instead of sleeping out its queue budget.
	resA2, err := h.registry.Register(context.Background(), hublink.PeerInfo{EdgeID: "a"}, &fakeEdge{})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if _, err := h.registry.ConfirmJoin(hublink.ConfirmJoinParams{Token: resA2.Token}, "a"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	select {
	case err := <-bDone:
		if err != nil {
			t.Fatalf("queued register: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued register still blocked after the slot was freed")
	}
}

func TestServiceServesEdgeLink(t *testing.T) {
	h := newTestHub(t, nil)
	svc := NewService(h)

	hubEnd, edgeEnd := net.Pipe()
	hubPeer := hublink.NewPeer(hubEnd, discardLogger())
	edgePeer := hublink.NewPeer(edgeEnd, discardLogger())
	t.Cleanup(func() { edgePeer.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.ServeConn(ctx, hubPeer)
	go edgePeer.Serve(ctx)

	var res hublink.RegisterResult
	err := edgePeer.Call(ctx, hublink.MethodRegister,
		hublink.RegisterParams{Peer: hublink.PeerInfo{EdgeID: "e1", Host: "127.0.0.1"}}, &res)
	if err != nil {
		t.Fatalf("register over link: %v", err)
	}
	if res.Token == "" {
		t.Fatal("register returned no join token")
	}
	if _, err := h.registry.ConfirmJoin(hublink.ConfirmJoinParams{Token: res.Token}, "e1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	var alloc hublink.AllocSessionResult
	if err := edgePeer.Call(ctx, hublink.MethodAllocSession, nil, &alloc); err != nil {
		t.Fatalf("alloc over link: %v", err)
	}
	if alloc.Session == 0 {
		t.Fatalf("session = %d, want non-zero", alloc.Session)
	}
}

func TestConfirmJoinReplayAndResync(t *testing.T) {
	h := newTestHub(t, nil)
	joinEdge(t, h, "a")

	// Reconnect: broadcasts sent while joined must replay from LastApplied.
	h.registry.Broadcast("hub.test", hublink.Broadcast{Kind: 1})
	h.registry.Broadcast("hub.test", hublink.Broadcast{Kind: 2})

	conn := &fakeEdge{}
	res, err := h.registry.Register(context.Background(), hublink.PeerInfo{EdgeID: "a"}, conn)
	if err != nil {
		t.Fatal(err)
	}
	if res.LastSeq != 2 {
		t.Fatalf("LastSeq = %d, want 2", res.LastSeq)
	}
	cj, err := h.registry.ConfirmJoin(hublink.ConfirmJoinParams{Token: res.Token, LastApplied: 1}, "a")
	if err != nil {
		t.Fatal(err)
	}
	if cj.Resync {
		t.Error("resync ordered although the cache covers the gap")
	}
	replayed := conn.byMethod("hub.test")
	if len(replayed) != 1 || replayed[0].seq != 2 {
		t.Fatalf("replayed = %+v, want one envelope with seq 2", replayed)
	}
}

func TestAuthenticateRegisteredUser(t *testing.T) {
	h := newTestHub(t, nil)
	edge := joinEdge(t, h, "e1")
	userID := registerAdmin(t, h, "alice", "hunter2")

	// Wrong password refuses with a Reject frame.
	_, res := authenticate(t, h, "e1", "alice", "nope", "203.0.113.5:40000")
	if len(res.Reject) == 0 {
		t.Fatal("wrong password accepted")
	}
	var rej mumbleproto.Reject
	if err := rej.UnmarshalBinary(res.Reject); err != nil {
		t.Fatal(err)
	}
	if rej.RejectType == nil || *rej.RejectType != mumbleproto.RejectWrongUserPW {
		t.Fatalf("reject type = %v, want WrongUserPW", rej.RejectType)
	}

	session, res := authenticate(t, h, "e1", "alice", "hunter2", "203.0.113.5:40000")
	if len(res.Reject) != 0 {
		t.Fatalf("valid login rejected: %v", res.Reject)
	}
	if res.UserID != userID {
		t.Fatalf("user id = %d, want %d", res.UserID, userID)
	}
	if len(res.Groups) != 1 || res.Groups[0] != "admin" {
		t.Fatalf("groups = %v, want [admin]", res.Groups)
	}
	if _, ok := h.sessions.Get(session); !ok {
		t.Fatal("session missing from the mirror")
	}
	joined := edge.byMethod(hublink.MethodUserJoined)
	if len(joined) != 1 {
		t.Fatalf("userJoined broadcasts = %d, want 1", len(joined))
	}
	b := joined[0].params.(hublink.Broadcast)
	if b.EdgeID != "e1" {
		t.Fatalf("owning edge = %q, want e1", b.EdgeID)
	}
	var us mumbleproto.UserState
	if err := us.UnmarshalBinary(b.Message); err != nil {
		t.Fatal(err)
	}
	if us.Name == nil || *us.Name != "alice" {
		t.Fatalf("broadcast name = %v", us.Name)
	}
}

func TestAuthenticateLegacyHashUpgrades(t *testing.T) {
	h := newTestHub(t, nil)
	joinEdge(t, h, "e1")
	// kdf_iterations 0 marks a hex SHA-1 credential.
	sum := sha1.Sum([]byte("1234"))
	id, err := h.st.RegisterUser("bob", []byte(hex.EncodeToString(sum[:])), nil, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	_, res := authenticate(t, h, "e1", "bob", "1234", "198.51.100.1:1")
	if len(res.Reject) != 0 {
		t.Fatal("legacy credential refused")
	}
	u, _, err := h.st.GetUser(id)
	if err != nil {
		t.Fatal(err)
	}
	if u.KDFIterations == 0 {
		t.Error("credential not upgraded off the legacy digest")
	}
	if _, res := authenticate(t, h, "e1", "bob", "1234", "198.51.100.1:1"); len(res.Reject) != 0 {
		t.Error("upgraded credential refused the same password")
	}
}

func TestAuthenticateAnonymousNameClash(t *testing.T) {
	h := newTestHub(t, nil)
	joinEdge(t, h, "e1")
	_, res := authenticate(t, h, "e1", "guest", "", "192.0.2.1:1")
	if len(res.Reject) != 0 {
		t.Fatal("anonymous login refused")
	}
	if res.UserID != -1 {
		t.Fatalf("anonymous user id = %d, want -1", res.UserID)
	}
	_, res = authenticate(t, h, "e1", "guest", "", "192.0.2.2:1")
	var rej mumbleproto.Reject
	if err := rej.UnmarshalBinary(res.Reject); err != nil || rej.RejectType == nil {
		t.Fatal("duplicate name accepted")
	}
	if *rej.RejectType != mumbleproto.RejectUsernameInUse {
		t.Fatalf("reject type = %d, want UsernameInUse", *rej.RejectType)
	}
}

func TestAutoBanAfterRepeatedFailures(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.AutoBan.Attempts = 3
	})
	joinEdge(t, h, "e1")
	registerAdmin(t, h, "alice", "secret")

	for i := 0; i < 3; i++ {
		_, res := authenticate(t, h, "e1", "alice", "wrong", "203.0.113.9:5")
		if len(res.Reject) == 0 {
			t.Fatal("bad password accepted")
		}
	}
	if h.bans.Len() != 1 {
		t.Fatalf("bans = %d, want 1 after threshold", h.bans.Len())
	}
	// Even the right password is refused while the auto ban holds.
	_, res := authenticate(t, h, "e1", "alice", "secret", "203.0.113.9:5")
	if len(res.Reject) == 0 {
		t.Fatal("banned address authenticated")
	}
	persisted, err := h.st.GetBans()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Fatalf("persisted bans = %d, want 1", len(persisted))
	}
}

func TestChannelCreatePermissionsAndLimits(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.ChannelNestingLimit = 2
	})
	edge := joinEdge(t, h, "e1")
	registerAdmin(t, h, "alice", "pw")
	admin, _ := authenticate(t, h, "e1", "alice", "pw", "192.0.2.1:1")
	guest, _ := authenticate(t, h, "e1", "guest", "", "192.0.2.2:1")

	create := func(actor uint32, name string, parent uint32) *hublink.HandleResult {
		res, err := h.Handle(hublink.HandleParams{
			EdgeID: "e1", Actor: actor, Kind: mumbleproto.TypeChannelState,
			Message: mustMarshal(t, &mumbleproto.ChannelState{
				Parent: mumbleproto.Uint32(parent),
				Name:   mumbleproto.String(name),
			}),
		})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		return res
	}

	if res := create(guest, "lounge", mirror.RootChannel); len(res.Denied) == 0 {
		t.Fatal("guest created a channel without MakeChannel")
	}
	if res := create(admin, "lounge", mirror.RootChannel); len(res.Denied) != 0 {
		t.Fatal("admin denied channel creation")
	}
	states := edge.byMethod(hublink.MethodChannelState)
	if len(states) == 0 {
		t.Fatal("no ChannelState broadcast")
	}
	var cs mumbleproto.ChannelState
	if err := cs.UnmarshalBinary(states[len(states)-1].params.(hublink.Broadcast).Message); err != nil {
		t.Fatal(err)
	}
	if cs.ChannelID == nil || cs.Name == nil || *cs.Name != "lounge" {
		t.Fatalf("broadcast channel = %+v", cs)
	}
	lounge := *cs.ChannelID

	if res := create(admin, "lounge", mirror.RootChannel); len(res.Denied) == 0 {
		t.Fatal("duplicate sibling name accepted")
	}
	if res := create(admin, "inner", lounge); len(res.Denied) != 0 {
		t.Fatal("depth-2 channel denied under limit 2")
	}
	var inner uint32
	for _, ch := range h.channels.All() {
		if ch.Name == "inner" {
			inner = ch.ID
		}
	}
	if res := create(admin, "toodeep", inner); len(res.Denied) == 0 {
		t.Fatal("nesting limit not enforced")
	}

	// Non-temporary channels persist.
	persisted, err := h.st.GetChannels()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ch := range persisted {
		if ch.Name == "lounge" {
			found = true
		}
	}
	if !found {
		t.Error("created channel not persisted")
	}
}

func TestSelfDeafImpliesSelfMute(t *testing.T) {
	h := newTestHub(t, nil)
	joinEdge(t, h, "e1")
	session, _ := authenticate(t, h, "e1", "carol", "", "192.0.2.3:1")

	res, err := h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: session, Kind: mumbleproto.TypeUserState,
		Message: mustMarshal(t, &mumbleproto.UserState{
			SelfDeaf: mumbleproto.Bool(true),
		}),
	})
	if err != nil || len(res.Denied) != 0 {
		t.Fatalf("self deafen refused: %v %v", err, res)
	}
	s, _ := h.sessions.Get(session)
	if !s.SelfDeaf || !s.SelfMute {
		t.Fatalf("state = deaf %v mute %v, want both", s.SelfDeaf, s.SelfMute)
	}
	// Unmuting undeafens.
	if _, err := h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: session, Kind: mumbleproto.TypeUserState,
		Message: mustMarshal(t, &mumbleproto.UserState{
			SelfMute: mumbleproto.Bool(false),
		}),
	}); err != nil {
		t.Fatal(err)
	}
	s, _ = h.sessions.Get(session)
	if s.SelfDeaf || s.SelfMute {
		t.Fatalf("state = deaf %v mute %v, want neither", s.SelfDeaf, s.SelfMute)
	}
}

func TestKickAndBan(t *testing.T) {
	h := newTestHub(t, nil)
	edge := joinEdge(t, h, "e1")
	registerAdmin(t, h, "alice", "pw")
	admin, _ := authenticate(t, h, "e1", "alice", "pw", "192.0.2.1:1")
	victim, _ := authenticate(t, h, "e1", "mallory", "", "203.0.113.7:9")

	// A guest cannot kick.
	res, err := h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: victim, Kind: mumbleproto.TypeUserRemove,
		Message: mustMarshal(t, &mumbleproto.UserRemove{
			Session: mumbleproto.Uint32(admin),
		}),
	})
	if err != nil || len(res.Denied) == 0 {
		t.Fatal("guest kick was not denied")
	}

	res, err = h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: admin, Kind: mumbleproto.TypeUserRemove,
		Message: mustMarshal(t, &mumbleproto.UserRemove{
			Session: mumbleproto.Uint32(victim),
			Reason:  mumbleproto.String("spam"),
			Ban:     mumbleproto.Bool(true),
		}),
	})
	if err != nil || len(res.Denied) != 0 {
		t.Fatalf("admin ban refused: %v %v", err, res)
	}
	if _, ok := h.sessions.Get(victim); ok {
		t.Error("banned session still mirrored")
	}
	if h.bans.Len() != 1 {
		t.Fatalf("bans = %d, want 1", h.bans.Len())
	}
	b := h.bans.All()[0]
	if b.IP == nil || !b.IP.Equal(splitAddr("203.0.113.7:9")) {
		t.Fatalf("ban address = %v, want the session address", b.IP)
	}
	if len(edge.byMethod(hublink.MethodKick)) != 1 {
		t.Error("owning edge got no kick order")
	}
	if len(edge.byMethod(hublink.MethodUserRemove)) == 0 {
		t.Error("no removal broadcast")
	}
}

func TestTextMessageFanout(t *testing.T) {
	h := newTestHub(t, nil)
	edge := joinEdge(t, h, "e1")
	a, _ := authenticate(t, h, "e1", "a", "", "192.0.2.1:1")
	b, _ := authenticate(t, h, "e1", "b", "", "192.0.2.2:1")
	c, _ := authenticate(t, h, "e1", "c", "", "192.0.2.3:1")

	res, err := h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: a, Kind: mumbleproto.TypeTextMessage,
		Message: mustMarshal(t, &mumbleproto.TextMessage{
			ChannelID: []uint32{mirror.RootChannel},
			Message:   mumbleproto.String("hello"),
		}),
	})
	if err != nil || len(res.Denied) != 0 {
		t.Fatalf("text refused: %v %v", err, res)
	}
	msgs := edge.byMethod(hublink.MethodTextMessage)
	if len(msgs) != 1 {
		t.Fatalf("text broadcasts = %d, want 1", len(msgs))
	}
	got := msgs[0].params.(hublink.Broadcast)
	if len(got.Sessions) != 2 || got.Sessions[0] != min32(b, c) || got.Sessions[1] != max32(b, c) {
		t.Fatalf("recipients = %v, want the other two sessions", got.Sessions)
	}

	// Over-length messages are refused.
	long := make([]byte, h.cfg.TextMessageLength+1)
	for i := range long {
		long[i] = 'x'
	}
	res, err = h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: a, Kind: mumbleproto.TypeTextMessage,
		Message: mustMarshal(t, &mumbleproto.TextMessage{
			ChannelID: []uint32{mirror.RootChannel},
			Message:   mumbleproto.String(string(long)),
		}),
	})
	if err != nil || len(res.Denied) == 0 {
		t.Fatal("over-length message accepted")
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func TestACLQueryAndSave(t *testing.T) {
	h := newTestHub(t, nil)
	edge := joinEdge(t, h, "e1")
	registerAdmin(t, h, "alice", "pw")
	admin, _ := authenticate(t, h, "e1", "alice", "pw", "192.0.2.1:1")

	res, err := h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: admin, Kind: mumbleproto.TypeACL,
		Message: mustMarshal(t, &mumbleproto.ACL{
			ChannelID: mumbleproto.Uint32(mirror.RootChannel),
			Query:     mumbleproto.Bool(true),
		}),
	})
	if err != nil || res.Reply == nil {
		t.Fatalf("acl query: %v %v", err, res)
	}
	var reply mumbleproto.ACL
	if err := reply.UnmarshalBinary(res.Reply.Message); err != nil {
		t.Fatal(err)
	}
	if len(reply.ACLs) == 0 {
		t.Fatal("query reply carries no rules; the bootstrap rule should show")
	}

	// Save a new rule set and expect the update fanned out.
	save := &mumbleproto.ACL{
		ChannelID:   mumbleproto.Uint32(mirror.RootChannel),
		InheritACLs: mumbleproto.Bool(true),
		ACLs: []mumbleproto.ACLRule{
			{
				ApplyHere: mumbleproto.Bool(true),
				ApplySubs: mumbleproto.Bool(true),
				Group:     mumbleproto.String("admin"),
				Grant:     mumbleproto.Uint32(uint32(aclWriteBit)),
			},
			{
				ApplyHere: mumbleproto.Bool(true),
				Group:     mumbleproto.String("all"),
				Deny:      mumbleproto.Uint32(8), // Speak
			},
		},
	}
	res, err = h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: admin, Kind: mumbleproto.TypeACL,
		Message: mustMarshal(t, save),
	})
	if err != nil || len(res.Denied) != 0 {
		t.Fatalf("acl save refused: %v %v", err, res)
	}
	a, ok := h.channels.ACL(mirror.RootChannel)
	if !ok || len(a.Rules) != 2 {
		t.Fatalf("mirror rules = %d, want 2", len(a.Rules))
	}
	if len(edge.byMethod(hublink.MethodACLUpdated)) != 1 {
		t.Error("no aclUpdated notification")
	}
	restored, err := h.st.GetChannelACL(mirror.RootChannel)
	if err != nil || len(restored.Rules) != 2 {
		t.Fatalf("persisted rules = %d, want 2", len(restored.Rules))
	}
}

const aclWriteBit = 1

func TestTemporaryChannelReapedWhenEmpty(t *testing.T) {
	h := newTestHub(t, nil)
	edge := joinEdge(t, h, "e1")
	registerAdmin(t, h, "alice", "pw")
	admin, _ := authenticate(t, h, "e1", "alice", "pw", "192.0.2.1:1")

	res, err := h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: admin, Kind: mumbleproto.TypeChannelState,
		Message: mustMarshal(t, &mumbleproto.ChannelState{
			Parent:    mumbleproto.Uint32(mirror.RootChannel),
			Name:      mumbleproto.String("scratch"),
			Temporary: mumbleproto.Bool(true),
		}),
	})
	if err != nil || len(res.Denied) != 0 {
		t.Fatalf("temp create refused: %v %v", err, res)
	}
	s, _ := h.sessions.Get(admin)
	if s.ChannelID == mirror.RootChannel {
		t.Fatal("creator did not move into the temporary channel")
	}
	temp := s.ChannelID

	h.SessionClosed("e1", admin)
	if h.channels.Exists(temp) {
		t.Error("empty temporary channel survived its last occupant")
	}
	if len(edge.byMethod(hublink.MethodChannelRemove)) == 0 {
		t.Error("no ChannelRemove broadcast for the reaped channel")
	}
	if len(edge.byMethod(hublink.MethodUserLeft)) == 0 {
		t.Error("no departure broadcast")
	}
}

func TestFullSyncSnapshot(t *testing.T) {
	h := newTestHub(t, nil)
	joinEdge(t, h, "e1")
	registerAdmin(t, h, "alice", "pw")
	admin, _ := authenticate(t, h, "e1", "alice", "pw", "192.0.2.1:1")
	if _, err := h.Handle(hublink.HandleParams{
		EdgeID: "e1", Actor: admin, Kind: mumbleproto.TypeChannelState,
		Message: mustMarshal(t, &mumbleproto.ChannelState{
			Parent: mumbleproto.Uint32(mirror.RootChannel),
			Name:   mumbleproto.String("alpha"),
		}),
	}); err != nil {
		t.Fatal(err)
	}

	snap, err := h.FullSync("e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Channels) < 2 {
		t.Fatalf("channel frames = %d, want root plus alpha", len(snap.Channels))
	}
	// First frame is the root; non-root first-pass frames claim the root as
	// parent so receivers never see a dangling reference.
	var first mumbleproto.ChannelState
	if err := first.UnmarshalBinary(snap.Channels[1].Message); err != nil {
		t.Fatal(err)
	}
	if first.Parent == nil || *first.Parent != mirror.RootChannel {
		t.Fatalf("first-pass parent = %v, want root", first.Parent)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].EdgeID != "e1" {
		t.Fatalf("sessions = %+v, want the one admin session", snap.Sessions)
	}
	if len(snap.ACLs) < 2 {
		t.Fatalf("acl frames = %d, want one per channel", len(snap.ACLs))
	}
}

func TestEdgeDeathSweepsSessions(t *testing.T) {
	h := newTestHub(t, nil)
	joinEdge(t, h, "e1")
	edge2 := joinEdge(t, h, "e2")
	session, _ := authenticate(t, h, "e1", "dave", "", "192.0.2.4:1")

	h.registry.Drop("e1")
	if _, ok := h.sessions.Get(session); ok {
		t.Error("session of dead edge still mirrored")
	}
	if len(edge2.byMethod(hublink.MethodPeerLeft)) != 1 {
		t.Error("surviving edge not told about the departure")
	}
	if len(edge2.byMethod(hublink.MethodUserLeft)) != 1 {
		t.Error("no userLeft broadcast for the swept session")
	}
}
