package mirror

import (
	"net"
	"testing"
	"time"

	"humble/internal/acl"
)

func mustPut(t *testing.T, cs *Channels, ch Channel) {
	t.Helper()
	if err := cs.Put(ch); err != nil {
		t.Fatalf("Put(%d): %v", ch.ID, err)
	}
}

func TestChannelsTree(t *testing.T) {
	cs := NewChannels()
	mustPut(t, cs, Channel{ID: 1, Parent: 0, Name: "Lobby"})
	mustPut(t, cs, Channel{ID: 2, Parent: 1, Name: "Games"})
	mustPut(t, cs, Channel{ID: 3, Parent: 2, Name: "Quake"})

	if cs.Len() != 4 {
		t.Fatalf("Len = %d, want 4", cs.Len())
	}
	if !cs.IsDescendant(1, 3) {
		t.Error("Quake not seen as descendant of Lobby")
	}
	if cs.IsDescendant(3, 1) {
		t.Error("ancestor reported as descendant")
	}
	if cs.Depth(3) != 3 {
		t.Errorf("Depth(3) = %d, want 3", cs.Depth(3))
	}

	sub := cs.Subtree(1)
	if len(sub) != 3 {
		t.Errorf("Subtree(1) = %v, want 3 channels", sub)
	}
}

func TestChannelsCycleGuard(t *testing.T) {
	cs := NewChannels()
	mustPut(t, cs, Channel{ID: 1, Parent: 0, Name: "A"})
	mustPut(t, cs, Channel{ID: 2, Parent: 1, Name: "B"})

	// Moving A under B would orphan the pair into a cycle.
	if err := cs.Put(Channel{ID: 1, Parent: 2, Name: "A"}); err == nil {
		t.Error("move under own subtree accepted")
	}
	if err := cs.Put(Channel{ID: 1, Parent: 1, Name: "A"}); err == nil {
		t.Error("self-parenting accepted")
	}
	if err := cs.Put(Channel{ID: 5, Parent: 99, Name: "X"}); err == nil {
		t.Error("unknown parent accepted")
	}
}

func TestChannelsRemoveCascades(t *testing.T) {
	cs := NewChannels()
	mustPut(t, cs, Channel{ID: 1, Parent: 0, Name: "A"})
	mustPut(t, cs, Channel{ID: 2, Parent: 1, Name: "B"})
	mustPut(t, cs, Channel{ID: 3, Parent: 2, Name: "C"})
	mustPut(t, cs, Channel{ID: 4, Parent: 0, Name: "Other"})
	if err := cs.SetLinks(4, nil, []uint32{2}, nil); err != nil {
		t.Fatal(err)
	}

	removed, err := cs.Remove(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed %v, want 3 channels", removed)
	}
	// Leaves come out before their ancestors.
	if removed[len(removed)-1] != 1 {
		t.Errorf("removal order %v, want subtree root last", removed)
	}
	if cs.Exists(2) || cs.Exists(3) {
		t.Error("descendants survived the cascade")
	}
	if links := cs.LinkedWith(4); len(links) != 0 {
		t.Errorf("dangling link survived: %v", links)
	}

	if _, err := cs.Remove(RootChannel); err == nil {
		t.Error("root removal accepted")
	}
}

func TestChannelsLinks(t *testing.T) {
	cs := NewChannels()
	mustPut(t, cs, Channel{ID: 1, Parent: 0, Name: "A"})
	mustPut(t, cs, Channel{ID: 2, Parent: 0, Name: "B"})
	mustPut(t, cs, Channel{ID: 3, Parent: 0, Name: "C"})

	if err := cs.SetLinks(1, nil, []uint32{2, 3}, nil); err != nil {
		t.Fatal(err)
	}
	if got := cs.LinkedWith(1); len(got) != 2 {
		t.Fatalf("LinkedWith(1) = %v", got)
	}
	// Links are symmetric.
	if got := cs.LinkedWith(2); len(got) != 1 || got[0] != 1 {
		t.Fatalf("LinkedWith(2) = %v", got)
	}

	if err := cs.SetLinks(1, nil, nil, []uint32{2}); err != nil {
		t.Fatal(err)
	}
	if got := cs.LinkedWith(2); len(got) != 0 {
		t.Errorf("unlink not symmetric: %v", got)
	}

	// A full set replaces whatever was there.
	if err := cs.SetLinks(1, []uint32{2}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := cs.LinkedWith(1); len(got) != 1 || got[0] != 2 {
		t.Errorf("set replace = %v, want [2]", got)
	}
}

func TestChannelsChain(t *testing.T) {
	cs := NewChannels()
	mustPut(t, cs, Channel{ID: 1, Parent: 0, Name: "A"})
	mustPut(t, cs, Channel{ID: 2, Parent: 1, Name: "B"})

	a := acl.NewChannelACL(1)
	a.Rules = append(a.Rules, acl.Rule{ApplyHere: true, ApplySubs: true, Group: "all", Allow: acl.Kick})
	if err := cs.SetACL(1, a); err != nil {
		t.Fatal(err)
	}

	chain := cs.Chain(2)
	if len(chain) != 3 {
		t.Fatalf("chain length %d, want 3", len(chain))
	}
	if chain[0].ChannelID != 0 || chain[2].ChannelID != 2 {
		t.Fatalf("chain order wrong: %d..%d", chain[0].ChannelID, chain[2].ChannelID)
	}
	eff := acl.Evaluate(chain, acl.Context{UserID: 9})
	if !eff.Has(acl.Kick) {
		t.Error("rule set through SetACL not visible in chain evaluation")
	}
}

func TestChannelsSiblingNames(t *testing.T) {
	cs := NewChannels()
	mustPut(t, cs, Channel{ID: 1, Parent: 0, Name: "Lobby"})
	mustPut(t, cs, Channel{ID: 2, Parent: 1, Name: "Games"})

	if !cs.SiblingNameTaken(0, "Lobby", 99) {
		t.Error("duplicate sibling name not detected")
	}
	if cs.SiblingNameTaken(0, "Lobby", 1) {
		t.Error("channel collided with itself on rename")
	}
	if cs.SiblingNameTaken(1, "Lobby", 99) {
		t.Error("name collision reported across different parents")
	}
}

func TestChannelsAllRootFirst(t *testing.T) {
	cs := NewChannels()
	mustPut(t, cs, Channel{ID: 7, Parent: 0, Name: "G"})
	mustPut(t, cs, Channel{ID: 3, Parent: 7, Name: "C"})

	all := cs.All()
	if all[0].ID != RootChannel {
		t.Fatalf("first channel = %d, want root", all[0].ID)
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("order not ascending: %d after %d", all[i].ID, all[i-1].ID)
		}
	}
}

func TestSessions(t *testing.T) {
	ss := NewSessions()
	ss.Put(Session{ID: 1, EdgeID: "edge-a", Name: "alice", UserID: 10, ChannelID: 0})
	ss.Put(Session{ID: 2, EdgeID: "edge-a", Name: "bob", UserID: -1, ChannelID: 3})
	ss.Put(Session{ID: 3, EdgeID: "edge-b", Name: "carol", UserID: 11, ChannelID: 3})

	if s, ok := ss.ByName("bob"); !ok || s.ID != 2 {
		t.Error("ByName failed")
	}
	if s, ok := ss.ByUserID(11); !ok || s.ID != 3 {
		t.Error("ByUserID failed")
	}
	if _, ok := ss.ByUserID(-1); ok {
		t.Error("anonymous matched by user id")
	}
	if got := ss.InChannel(3); len(got) != 2 {
		t.Errorf("InChannel(3) = %d sessions, want 2", len(got))
	}
	if ss.CountInChannel(3) != 2 {
		t.Error("CountInChannel mismatch")
	}

	ok := ss.Update(2, func(s *Session) {
		s.SelfMute = true
		s.Listening[5] = true
	})
	if !ok {
		t.Fatal("Update on known session failed")
	}
	if s, _ := ss.Get(2); !s.SelfMute || !s.Listening[5] {
		t.Error("Update not applied")
	}
	if got := ss.ListeningTo(5); len(got) != 1 || got[0].ID != 2 {
		t.Errorf("ListeningTo(5) = %v", got)
	}

	// A mutated copy must not leak back in.
	s, _ := ss.Get(2)
	s.Listening[9] = true
	if got, _ := ss.Get(2); got.Listening[9] {
		t.Error("Get returned a shared map")
	}

	if got := ss.OnEdge("edge-a"); len(got) != 2 {
		t.Errorf("OnEdge = %v", got)
	}
	gone := ss.RemoveEdge("edge-a")
	if len(gone) != 2 || ss.Len() != 1 {
		t.Errorf("RemoveEdge removed %d, left %d", len(gone), ss.Len())
	}
	if !ss.Remove(3) || ss.Remove(3) {
		t.Error("Remove semantics wrong")
	}
}

func TestBansMatch(t *testing.T) {
	now := time.Now()
	bs := NewBans()
	bs.Add(Ban{IP: net.ParseIP("192.0.2.0").To4(), Mask: 24, Reason: "subnet", Start: now})
	bs.Add(Ban{CertHash: "deadbeef", Reason: "cert", Start: now})
	bs.Add(Ban{IP: net.ParseIP("2001:db8::1"), Mask: 128, Start: now})

	if _, ok := bs.Match(net.ParseIP("192.0.2.77"), "", now); !ok {
		t.Error("v4 subnet ban did not match")
	}
	if _, ok := bs.Match(net.ParseIP("192.0.3.1"), "", now); ok {
		t.Error("address outside subnet matched")
	}
	if b, ok := bs.Match(nil, "deadbeef", now); !ok || b.Reason != "cert" {
		t.Error("hash ban did not match")
	}
	if _, ok := bs.Match(net.ParseIP("2001:db8::1"), "", now); !ok {
		t.Error("v6 host ban did not match")
	}
	if _, ok := bs.Match(net.ParseIP("2001:db8::2"), "", now); ok {
		t.Error("wrong v6 host matched")
	}
}

func TestBansExpiry(t *testing.T) {
	start := time.Now()
	bs := NewBans()
	bs.Add(Ban{IP: net.ParseIP("198.51.100.1").To4(), Mask: 32, Start: start, Duration: time.Hour})
	bs.Add(Ban{IP: net.ParseIP("198.51.100.2").To4(), Mask: 32, Start: start})

	later := start.Add(2 * time.Hour)
	if _, ok := bs.Match(net.ParseIP("198.51.100.1"), "", later); ok {
		t.Error("expired ban still matched")
	}
	if _, ok := bs.Match(net.ParseIP("198.51.100.2"), "", later); !ok {
		t.Error("permanent ban expired")
	}
	if n := bs.Prune(later); n != 1 || bs.Len() != 1 {
		t.Errorf("Prune removed %d, left %d", n, bs.Len())
	}
}

func TestBansReplace(t *testing.T) {
	bs := NewBans()
	bs.Add(Ban{CertHash: "a"})
	bs.Replace([]Ban{{CertHash: "b"}, {CertHash: "c"}})
	all := bs.All()
	if len(all) != 2 || all[0].CertHash != "b" {
		t.Errorf("Replace result = %v", all)
	}
}
