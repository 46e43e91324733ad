package edge

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"humble/internal/acl"
	"humble/internal/config"
	"humble/internal/crypt"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
	"humble/internal/tlsutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEdge(t *testing.T, tweak func(*config.Config)) *Edge {
	t.Helper()
	cfg := config.Default()
	if tweak != nil {
		tweak(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return New(&cfg, discardLogger(), nil)
}

// testClient attaches a synced client whose outbound frames land in a
// buffer for inspection.
func testClient(t *testing.T, e *Edge, session uint32) (*Client, *bytes.Buffer) {
	t.Helper()
	cs, err := crypt.NewState()
	if err != nil {
		t.Fatal(err)
	}
	buf := &bytes.Buffer{}
	c := &Client{
		edge:    e,
		session: session,
		conn:    mumbleproto.NewConn(buf),
		crypt:   cs,
		userID:  acl.NoUser,
	}
	c.state.Store(stateReady)
	e.addClient(c)
	return c, buf
}

func readFrames(t *testing.T, buf *bytes.Buffer) []struct {
	Kind    uint16
	Payload []byte
} {
	t.Helper()
	conn := mumbleproto.NewConn(buf)
	var out []struct {
		Kind    uint16
		Payload []byte
	}
	for buf.Len() > 0 {
		kind, payload, err := conn.ReadFrame()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		out = append(out, struct {
			Kind    uint16
			Payload []byte
		}{kind, payload})
	}
	return out
}

func TestCertFingerprint(t *testing.T) {
	der := []byte("not really a certificate")
	sum := sha1.Sum(der)
	want := hex.EncodeToString(sum[:])
	if got := certFingerprint(der); got != want {
		t.Fatalf("fingerprint = %s, want %s", got, want)
	}
}

func TestVoiceTargetSlots(t *testing.T) {
	var vt voiceTargets
	entry := mumbleproto.VoiceTargetEntry{Session: []uint32{7}}

	vt.Set(0, []mumbleproto.VoiceTargetEntry{entry})
	vt.Set(31, []mumbleproto.VoiceTargetEntry{entry})
	if vt.Get(0) != nil || vt.Get(31) != nil {
		t.Fatal("reserved slots must not be configurable")
	}

	vt.Set(3, []mumbleproto.VoiceTargetEntry{entry})
	if got := vt.Get(3); len(got) != 1 || got[0].Session[0] != 7 {
		t.Fatalf("slot 3 = %+v", got)
	}

	vt.Set(3, nil)
	if vt.Get(3) != nil {
		t.Fatal("empty set should clear the slot")
	}
}

func putChannel(t *testing.T, e *Edge, id, parent uint32, name string) {
	t.Helper()
	if err := e.channels.Put(mirror.Channel{ID: id, Parent: parent, Name: name}); err != nil {
		t.Fatalf("put channel %d: %v", id, err)
	}
}

func TestChannelRecipientsIncludeListenersAndLinks(t *testing.T) {
	e := newTestEdge(t, nil)
	putChannel(t, e, 1, 0, "Main")
	putChannel(t, e, 2, 0, "Linked")
	putChannel(t, e, 3, 0, "Elsewhere")
	if err := e.channels.SetLinks(1, nil, []uint32{2}, nil); err != nil {
		t.Fatal(err)
	}

	e.sessions.Put(mirror.Session{ID: 10, EdgeID: e.id, ChannelID: 1})
	e.sessions.Put(mirror.Session{ID: 11, EdgeID: "edge-9", ChannelID: 2})
	e.sessions.Put(mirror.Session{ID: 12, EdgeID: e.id, ChannelID: 3,
		Listening: map[uint32]bool{1: true}})
	e.sessions.Put(mirror.Session{ID: 13, EdgeID: e.id, ChannelID: 3})

	got := e.channelRecipients(1)
	for _, want := range []uint32{10, 11, 12} {
		if _, ok := got[want]; !ok {
			t.Errorf("session %d missing from recipients", want)
		}
	}
	if _, ok := got[13]; ok {
		t.Error("session 13 is unrelated and must not receive voice")
	}
}

func TestWhisperRecipientsChannelAndSessions(t *testing.T) {
	e := newTestEdge(t, nil)
	putChannel(t, e, 1, 0, "Target")
	putChannel(t, e, 2, 1, "Child")

	e.sessions.Put(mirror.Session{ID: 20, EdgeID: e.id, ChannelID: 1})
	e.sessions.Put(mirror.Session{ID: 21, EdgeID: e.id, ChannelID: 2})
	e.sessions.Put(mirror.Session{ID: 22, EdgeID: "edge-9", ChannelID: 0})

	sender, _ := testClient(t, e, 30)
	sender.targets.Set(5, []mumbleproto.VoiceTargetEntry{
		{Session: []uint32{22}},
		{ChannelID: mumbleproto.Uint32(1), Children: mumbleproto.Bool(true)},
	})

	got := e.whisperRecipients(sender, 5)
	for _, want := range []uint32{20, 21, 22} {
		if _, ok := got[want]; !ok {
			t.Errorf("session %d missing from whisper set", want)
		}
	}
}

func TestWhisperRequiresPermission(t *testing.T) {
	e := newTestEdge(t, nil)
	putChannel(t, e, 1, 0, "Sealed")
	a := acl.NewChannelACL(1)
	a.Rules = append(a.Rules, acl.Rule{
		ApplyHere: true,
		UserID:    acl.NoUser,
		Group:     "all",
		Deny:      acl.Whisper,
	})
	if err := e.channels.SetACL(1, a); err != nil {
		t.Fatal(err)
	}
	e.sessions.Put(mirror.Session{ID: 40, EdgeID: e.id, ChannelID: 1})

	sender, _ := testClient(t, e, 41)
	sender.targets.Set(2, []mumbleproto.VoiceTargetEntry{
		{ChannelID: mumbleproto.Uint32(1)},
	})
	if got := e.whisperRecipients(sender, 2); len(got) != 0 {
		t.Fatalf("whisper into denied channel reached %d sessions", len(got))
	}
}

func TestFoldUserStateBlobExclusivity(t *testing.T) {
	s := mirror.Session{ID: 1}
	foldUserState(&s, &mumbleproto.UserState{
		Comment: mumbleproto.String("hello"),
	})
	if s.Comment != "hello" || s.CommentHash != nil {
		t.Fatalf("inline comment: %+v", s)
	}
	foldUserState(&s, &mumbleproto.UserState{
		CommentHash: []byte{0xaa, 0xbb},
	})
	if s.Comment != "" || len(s.CommentHash) != 2 {
		t.Fatalf("hash should displace inline comment: %+v", s)
	}
	foldUserState(&s, &mumbleproto.UserState{
		SelfDeaf: mumbleproto.Bool(true),
		ListeningChannelAdd: []uint32{4},
	})
	if !s.SelfDeaf || !s.Listening[4] {
		t.Fatalf("fold missed fields: %+v", s)
	}
}

func TestFoldChannelStateCreateAndReparent(t *testing.T) {
	e := newTestEdge(t, nil)
	hc := e.hub

	mustFold := func(cs *mumbleproto.ChannelState) {
		t.Helper()
		if err := hc.foldChannelState(cs); err != nil {
			t.Fatal(err)
		}
	}
	mustFold(&mumbleproto.ChannelState{
		ChannelID: mumbleproto.Uint32(1),
		Parent:    mumbleproto.Uint32(0),
		Name:      mumbleproto.String("A"),
	})
	mustFold(&mumbleproto.ChannelState{
		ChannelID: mumbleproto.Uint32(2),
		Parent:    mumbleproto.Uint32(0),
		Name:      mumbleproto.String("B"),
	})
	mustFold(&mumbleproto.ChannelState{
		ChannelID: mumbleproto.Uint32(2),
		Parent:    mumbleproto.Uint32(1),
	})

	ch, ok := e.channels.Get(2)
	if !ok || ch.Parent != 1 || ch.Name != "B" {
		t.Fatalf("channel 2 = %+v", ch)
	}

	mustFold(&mumbleproto.ChannelState{
		ChannelID: mumbleproto.Uint32(2),
		LinksAdd:  []uint32{1},
	})
	if links := e.channels.LinkedWith(2); len(links) != 1 || links[0] != 1 {
		t.Fatalf("links = %v", links)
	}
}

func TestBroadcastSequenceHandling(t *testing.T) {
	e := newTestEdge(t, nil)
	hc := e.hub
	hc.setApplied(5)

	payload := func(b hublink.Broadcast) json.RawMessage {
		data, _ := json.Marshal(b)
		return data
	}
	state, _ := (&mumbleproto.UserState{
		Session:  mumbleproto.Uint32(50),
		SelfMute: mumbleproto.Bool(true),
	}).MarshalBinary()
	e.sessions.Put(mirror.Session{ID: 50, EdgeID: "edge-9"})

	// A replayed duplicate is ignored.
	hc.consumeBroadcast(hublink.Envelope{
		Method: hublink.MethodUserState,
		Seq:    5,
		Params: payload(hublink.Broadcast{Kind: mumbleproto.TypeUserState, Message: state}),
	})
	if s, _ := e.sessions.Get(50); s.SelfMute {
		t.Fatal("stale broadcast must not be applied")
	}

	// The next sequence is applied.
	hc.consumeBroadcast(hublink.Envelope{
		Method: hublink.MethodUserState,
		Seq:    6,
		Params: payload(hublink.Broadcast{Kind: mumbleproto.TypeUserState, Message: state}),
	})
	if s, _ := e.sessions.Get(50); !s.SelfMute {
		t.Fatal("in-order broadcast was not applied")
	}
	if hc.applied() != 6 {
		t.Fatalf("applied = %d, want 6", hc.applied())
	}

	// A gap schedules a resync.
	hc.consumeBroadcast(hublink.Envelope{
		Method: hublink.MethodUserState,
		Seq:    9,
		Params: payload(hublink.Broadcast{Kind: mumbleproto.TypeUserState, Message: state}),
	})
	select {
	case <-hc.resyncCh:
	default:
		t.Fatal("sequence gap did not schedule a resync")
	}
}

func TestUserJoinedAndRemoveBroadcasts(t *testing.T) {
	e := newTestEdge(t, nil)
	hc := e.hub
	_, buf := testClient(t, e, 1)

	joined, _ := (&mumbleproto.UserState{
		Session:   mumbleproto.Uint32(60),
		Name:      mumbleproto.String("visitor"),
		ChannelID: mumbleproto.Uint32(0),
	}).MarshalBinary()
	params, _ := json.Marshal(hublink.Broadcast{
		Kind:    mumbleproto.TypeUserState,
		Message: joined,
		EdgeID:  "edge-9",
	})
	hc.consumeBroadcast(hublink.Envelope{Method: hublink.MethodUserJoined, Params: params})

	s, ok := e.sessions.Get(60)
	if !ok || s.Name != "visitor" || s.EdgeID != "edge-9" {
		t.Fatalf("mirrored session = %+v ok=%v", s, ok)
	}

	removed, _ := (&mumbleproto.UserRemove{Session: mumbleproto.Uint32(60)}).MarshalBinary()
	params, _ = json.Marshal(hublink.Broadcast{Kind: mumbleproto.TypeUserRemove, Message: removed})
	hc.consumeBroadcast(hublink.Envelope{Method: hublink.MethodUserLeft, Params: params})
	if _, ok := e.sessions.Get(60); ok {
		t.Fatal("session should be gone after userLeft")
	}

	frames := readFrames(t, buf)
	if len(frames) != 2 {
		t.Fatalf("local client saw %d frames, want 2", len(frames))
	}
	if frames[0].Kind != mumbleproto.TypeUserState || frames[1].Kind != mumbleproto.TypeUserRemove {
		t.Fatalf("frame kinds = %d, %d", frames[0].Kind, frames[1].Kind)
	}
}

func TestTextMessageFanoutRestrictedToNamedSessions(t *testing.T) {
	e := newTestEdge(t, nil)
	hc := e.hub
	_, bufA := testClient(t, e, 1)
	_, bufB := testClient(t, e, 2)

	msg, _ := (&mumbleproto.TextMessage{
		Actor:   mumbleproto.Uint32(9),
		Message: mumbleproto.String("hi"),
	}).MarshalBinary()
	params, _ := json.Marshal(hublink.Broadcast{
		Kind:     mumbleproto.TypeTextMessage,
		Message:  msg,
		Sessions: []uint32{2},
	})
	hc.consumeBroadcast(hublink.Envelope{Method: hublink.MethodTextMessage, Params: params})

	if bufA.Len() != 0 {
		t.Fatal("session 1 was not addressed and must not receive the message")
	}
	if frames := readFrames(t, bufB); len(frames) != 1 || frames[0].Kind != mumbleproto.TypeTextMessage {
		t.Fatalf("session 2 frames = %+v", frames)
	}
}

func TestTwoPassChannelTree(t *testing.T) {
	e := newTestEdge(t, nil)
	putChannel(t, e, 1, 0, "A")
	putChannel(t, e, 2, 1, "B")

	c, buf := testClient(t, e, 1)
	if err := c.sendChannelTree(); err != nil {
		t.Fatal(err)
	}

	var states []*mumbleproto.ChannelState
	for _, f := range readFrames(t, buf) {
		if f.Kind != mumbleproto.TypeChannelState {
			t.Fatalf("unexpected frame type %d", f.Kind)
		}
		var cs mumbleproto.ChannelState
		if err := cs.UnmarshalBinary(f.Payload); err != nil {
			t.Fatal(err)
		}
		states = append(states, &cs)
	}
	// Root, A, B in the first pass, then the fixup for B.
	if len(states) != 4 {
		t.Fatalf("got %d ChannelState frames, want 4", len(states))
	}
	firstB := states[2]
	if firstB.ChannelID == nil || *firstB.ChannelID != 2 || *firstB.Parent != 0 {
		t.Fatalf("first pass for B = %+v", firstB)
	}
	fixup := states[3]
	if *fixup.ChannelID != 2 || *fixup.Parent != 1 {
		t.Fatalf("fixup for B = %+v", fixup)
	}
	if fixup.Name != nil {
		t.Fatal("fixup should carry only id and parent")
	}
}

func TestSuppressRecomputeOnACLChange(t *testing.T) {
	e := newTestEdge(t, nil)
	putChannel(t, e, 1, 0, "Stage")

	_, buf := testClient(t, e, 70)
	e.sessions.Put(mirror.Session{ID: 70, EdgeID: e.id, ChannelID: 1})

	a := acl.NewChannelACL(1)
	a.Rules = append(a.Rules, acl.Rule{
		ApplyHere: true,
		UserID:    acl.NoUser,
		Group:     "all",
		Deny:      acl.Speak,
	})
	if err := e.channels.SetACL(1, a); err != nil {
		t.Fatal(err)
	}

	e.hub.recomputeSuppress(1)
	if s, _ := e.sessions.Get(70); !s.Suppress {
		t.Fatal("losing Speak should suppress the occupant")
	}
	frames := readFrames(t, buf)
	if len(frames) != 1 || frames[0].Kind != mumbleproto.TypeUserState {
		t.Fatalf("frames = %+v", frames)
	}
	var us mumbleproto.UserState
	if err := us.UnmarshalBinary(frames[0].Payload); err != nil {
		t.Fatal(err)
	}
	if us.Suppress == nil || !*us.Suppress {
		t.Fatalf("broadcast state = %+v", us)
	}

	// A self-muted occupant is left alone.
	e.sessions.Update(70, func(s *mirror.Session) {
		s.Suppress = false
		s.SelfMute = true
	})
	e.hub.recomputeSuppress(1)
	if s, _ := e.sessions.Get(70); s.Suppress {
		t.Fatal("self-muted occupants are not suppressed")
	}
}

func TestChannelNinjaVisibility(t *testing.T) {
	e := newTestEdge(t, func(cfg *config.Config) {
		cfg.ChannelNinja = true
	})
	putChannel(t, e, 1, 0, "Hidden")
	a := acl.NewChannelACL(1)
	a.Rules = append(a.Rules, acl.Rule{
		ApplyHere: true,
		UserID:    acl.NoUser,
		Group:     "all",
		Deny:      acl.Enter | acl.Traverse,
	})
	if err := e.channels.SetACL(1, a); err != nil {
		t.Fatal(err)
	}

	c, buf := testClient(t, e, 1)
	if e.channelVisible(c, 1) {
		t.Fatal("channel should be hidden")
	}
	if !e.channelVisible(c, 0) {
		t.Fatal("the root is always visible")
	}

	if err := c.sendChannelTree(); err != nil {
		t.Fatal(err)
	}
	for _, f := range readFrames(t, buf) {
		var cs mumbleproto.ChannelState
		if err := cs.UnmarshalBinary(f.Payload); err != nil {
			t.Fatal(err)
		}
		if cs.ChannelID != nil && *cs.ChannelID == 1 {
			t.Fatal("hidden channel leaked into the tree")
		}
	}
}

func TestACLMessageConversionSkipsInherited(t *testing.T) {
	msg := &mumbleproto.ACL{
		ChannelID:   mumbleproto.Uint32(3),
		InheritACLs: mumbleproto.Bool(false),
		ACLs: []mumbleproto.ACLRule{
			{
				ApplyHere: mumbleproto.Bool(true),
				Group:     mumbleproto.String("team"),
				Grant:     mumbleproto.Uint32(uint32(acl.Speak)),
			},
			{
				Inherited: mumbleproto.Bool(true),
				Group:     mumbleproto.String("admin"),
				Grant:     mumbleproto.Uint32(uint32(acl.Write)),
			},
		},
		Groups: []mumbleproto.ACLGroup{
			{Name: mumbleproto.String("team"), Add: []uint32{4}},
			{Name: mumbleproto.String("ghost"), Inherited: mumbleproto.Bool(true)},
		},
	}
	a := aclFromMessage(3, msg)
	if a.InheritACL {
		t.Fatal("inherit flag lost")
	}
	if len(a.Rules) != 1 || a.Rules[0].Group != "team" || a.Rules[0].Allow != acl.Speak {
		t.Fatalf("rules = %+v", a.Rules)
	}
	if _, ok := a.Groups["ghost"]; ok {
		t.Fatal("inherited group definitions are presentation only")
	}
	if g := a.Groups["team"]; g == nil || len(g.Add) != 1 || g.Add[0] != 4 {
		t.Fatalf("groups = %+v", a.Groups)
	}
}

func TestClusterVoiceDeliveryForRemoteSender(t *testing.T) {
	e := newTestEdge(t, nil)
	putChannel(t, e, 1, 0, "Main")
	e.sessions.Put(mirror.Session{ID: 80, EdgeID: "edge-9", ChannelID: 1})
	e.sessions.Put(mirror.Session{ID: 81, EdgeID: e.id, ChannelID: 1})
	e.sessions.Put(mirror.Session{ID: 82, EdgeID: e.id, ChannelID: 1, SelfDeaf: true})

	_, buf := testClient(t, e, 81)
	_, deafBuf := testClient(t, e, 82)

	packet := (&mumbleproto.VoicePacket{
		Codec:    mumbleproto.CodecOpus,
		Target:   mumbleproto.TargetNormal,
		Sequence: 3,
		Payload:  []byte{1, 2, 3},
	}).Encode(false)

	e.deliverClusterVoice(mumbleproto.ClusterVoiceHeader{
		SenderSession: 80,
		TargetID:      mumbleproto.ClusterBroadcastTarget,
		Sequence:      3,
		Codec:         mumbleproto.CodecOpus,
	}, packet)

	frames := readFrames(t, buf)
	if len(frames) != 1 || frames[0].Kind != mumbleproto.TypeUDPTunnel {
		t.Fatalf("local frames = %+v", frames)
	}
	vp, err := mumbleproto.ParseVoice(frames[0].Payload, true)
	if err != nil {
		t.Fatal(err)
	}
	if vp.Session != 80 || vp.Sequence != 3 {
		t.Fatalf("delivered packet = %+v", vp)
	}
	if deafBuf.Len() != 0 {
		t.Fatal("deaf recipient must be skipped")
	}
}

func TestRouteVoiceDropsMutedSender(t *testing.T) {
	e := newTestEdge(t, nil)
	putChannel(t, e, 1, 0, "Main")
	e.sessions.Put(mirror.Session{ID: 90, EdgeID: e.id, ChannelID: 1, SelfMute: true})
	e.sessions.Put(mirror.Session{ID: 91, EdgeID: e.id, ChannelID: 1})

	sender, _ := testClient(t, e, 90)
	_, buf := testClient(t, e, 91)

	packet := (&mumbleproto.VoicePacket{
		Codec:   mumbleproto.CodecOpus,
		Target:  mumbleproto.TargetNormal,
		Payload: []byte{9},
	}).Encode(false)
	e.routeVoice(sender, packet)
	if buf.Len() != 0 {
		t.Fatal("muted sender's packet must be dropped")
	}
}

// tlsPair connects a real TLS client to a server-side Client over an
// in-memory pipe, for exercising the connection loop's deadlines.
func tlsPair(t *testing.T, e *Edge) (*mumbleproto.Conn, *tls.Conn, *Client) {
	t.Helper()
	cert, err := tlsutil.SelfSigned("edge-test", "")
	if err != nil {
		t.Fatal(err)
	}
	p1, p2 := net.Pipe()
	srv := tls.Server(p1, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	cli := tls.Client(p2, &tls.Config{InsecureSkipVerify: true})
	go cli.Handshake()
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	c := &Client{
		edge:       e,
		session:    99,
		tlsConn:    srv,
		conn:       mumbleproto.NewConn(srv),
		userID:     acl.NoUser,
		msgLimiter: rate.NewLimiter(rate.Limit(e.cfg.MessageLimit), e.cfg.MessageBurst),
		start:      time.Now(),
	}
	return mumbleproto.NewConn(cli), cli, c
}

func TestAdmissionWindowIndependentOfIdleTimeout(t *testing.T) {
	e := newTestEdge(t, func(cfg *config.Config) { cfg.Timeout = 1 })
	cliConn, cli, c := tlsPair(t, e)
	c.state.Store(stateConnecting)

	errCh := make(chan error, 1)
	go func() { errCh <- c.run(context.Background()) }()

	// A client slower than the idle timeout must still get through
	// admission.
	time.Sleep(1500 * time.Millisecond)
	if err := cliConn.WriteMessage(&mumbleproto.Version{
		Version: mumbleproto.Uint32(protocolVersion),
	}); err != nil {
		t.Fatalf("version after idle-timeout span: %v", err)
	}
	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := cliConn.ReadMessage()
	if err != nil {
		t.Fatalf("read version reply: %v", err)
	}
	if _, ok := msg.(*mumbleproto.Version); !ok {
		t.Fatalf("reply = %T, want Version", msg)
	}
	select {
	case err := <-errCh:
		t.Fatalf("connection dropped during admission: %v", err)
	default:
	}
	cli.Close()
	<-errCh
}

func TestIdleClientTimesOut(t *testing.T) {
	e := newTestEdge(t, func(cfg *config.Config) { cfg.Timeout = 1 })
	cliConn, cli, c := tlsPair(t, e)
	c.state.Store(stateReady)

	errCh := make(chan error, 1)
	go func() { errCh <- c.run(context.Background()) }()

	// Regular pings re-arm the deadline and keep the session alive well
	// past one idle interval.
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 4; i++ {
		time.Sleep(400 * time.Millisecond)
		if err := cliConn.WriteMessage(&mumbleproto.Ping{
			Timestamp: mumbleproto.Uint64(uint64(i)),
		}); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
		if _, err := cliConn.ReadMessage(); err != nil {
			t.Fatalf("ping reply %d: %v", i, err)
		}
	}
	select {
	case err := <-errCh:
		t.Fatalf("pinging client disconnected: %v", err)
	default:
	}

	// Silence past the idle timeout disconnects.
	select {
	case err := <-errCh:
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Fatalf("disconnect error = %v, want a timeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("silent client still connected past the idle timeout")
	}
}
