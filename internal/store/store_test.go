package store

import (
	"testing"
	"time"

	"humble/internal/acl"
	"humble/internal/mirror"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := open(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestSettings(t *testing.T) {
	s := open(t)

	if _, ok, err := s.GetSetting("name"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.SetSetting("name", "humble"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting("name", "humble2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetSetting("name")
	if err != nil || !ok || v != "humble2" {
		t.Fatalf("GetSetting = %q/%v/%v", v, ok, err)
	}
}

func TestChannelsRoundTrip(t *testing.T) {
	s := open(t)

	chans := []mirror.Channel{
		{ID: 0, Parent: 0, Name: "Root", InheritACL: true},
		{ID: 1, Parent: 0, Name: "Lobby", Description: "welcome", Position: -1, MaxUsers: 10, InheritACL: true},
		{ID: 2, Parent: 1, Name: "Games", InheritACL: false},
	}
	for _, ch := range chans {
		if err := s.SaveChannel(ch); err != nil {
			t.Fatalf("SaveChannel(%d): %v", ch.ID, err)
		}
	}
	// Upsert replaces in place.
	if err := s.SaveChannel(mirror.Channel{ID: 1, Parent: 0, Name: "Foyer", InheritACL: true}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChannels()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("GetChannels = %d rows, want 3", len(got))
	}
	if got[0].ID != 0 || got[1].Name != "Foyer" || got[2].InheritACL {
		t.Errorf("rows = %+v", got)
	}

	if err := s.DeleteChannel(2); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetChannels()
	if len(got) != 2 {
		t.Errorf("after delete: %d rows", len(got))
	}
}

func TestChannelACLRoundTrip(t *testing.T) {
	s := open(t)
	if err := s.SaveChannel(mirror.Channel{ID: 3, Parent: 0, Name: "Staff", InheritACL: true}); err != nil {
		t.Fatal(err)
	}

	a := acl.NewChannelACL(3)
	a.InheritACL = false
	a.Rules = []acl.Rule{
		{ApplyHere: true, ApplySubs: true, UserID: -1, Group: "admin", Allow: acl.Write},
		{ApplyHere: true, UserID: 7, Allow: acl.Enter, Deny: acl.Speak},
	}
	a.Groups["admin"] = &acl.Group{
		Name: "admin", Inherit: true, Inheritable: true,
		Add: []int32{1, 2}, Remove: []int32{3},
	}
	if err := s.SetChannelACL(a); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChannelACL(3)
	if err != nil {
		t.Fatal(err)
	}
	if got.InheritACL {
		t.Error("inherit_acl not persisted")
	}
	if len(got.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(got.Rules))
	}
	if got.Rules[0].Group != "admin" || !got.Rules[0].Allow.Has(acl.Write) {
		t.Errorf("rule 0 = %+v", got.Rules[0])
	}
	if got.Rules[1].UserID != 7 || !got.Rules[1].Deny.Has(acl.Speak) {
		t.Errorf("rule 1 = %+v", got.Rules[1])
	}
	g := got.Groups["admin"]
	if g == nil || len(g.Add) != 2 || len(g.Remove) != 1 || !g.Inheritable {
		t.Fatalf("group = %+v", g)
	}

	// A second save replaces, not appends.
	a.Rules = a.Rules[:1]
	if err := s.SetChannelACL(a); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetChannelACL(3)
	if len(got.Rules) != 1 {
		t.Errorf("rules after resave = %d, want 1", len(got.Rules))
	}

	// Unknown channel yields an empty inheriting set.
	empty, err := s.GetChannelACL(99)
	if err != nil || !empty.InheritACL || len(empty.Rules) != 0 {
		t.Errorf("empty ACL = %+v, err %v", empty, err)
	}
}

func TestUsers(t *testing.T) {
	s := open(t)

	id, err := s.RegisterUser("admin", []byte{1, 2}, []byte{3, 4}, 10000, "cafe01")
	if err != nil {
		t.Fatal(err)
	}
	if id <= 0 {
		t.Fatalf("user id = %d", id)
	}
	if _, err := s.RegisterUser("admin", nil, nil, 0, ""); err == nil {
		t.Error("duplicate name accepted")
	}

	u, ok, err := s.GetUserByName("admin")
	if err != nil || !ok || u.UserID != id || u.KDFIterations != 10000 {
		t.Fatalf("GetUserByName = %+v/%v/%v", u, ok, err)
	}
	if u, ok, _ := s.GetUserByCertHash("cafe01"); !ok || u.UserID != id {
		t.Error("cert hash lookup failed")
	}
	if _, ok, _ := s.GetUserByCertHash(""); ok {
		t.Error("empty cert hash matched")
	}

	if err := s.UpdateUserPassword(id, []byte{9}, []byte{8}, 20000); err != nil {
		t.Fatal(err)
	}
	u, _, _ = s.GetUser(id)
	if u.KDFIterations != 20000 || len(u.PasswordHash) != 1 {
		t.Errorf("password update lost: %+v", u)
	}

	if err := s.RenameUser(id, "root"); err != nil {
		t.Fatal(err)
	}
	if err := s.RenameUser(999, "x"); err == nil {
		t.Error("rename of unknown user succeeded")
	}

	s.RegisterUser("alice", nil, nil, 0, "")
	byName, byID, err := s.FindUsers([]string{"root", "nobody"}, []int32{id, 999})
	if err != nil {
		t.Fatal(err)
	}
	if byName["root"] != id || len(byName) != 1 {
		t.Errorf("byName = %v", byName)
	}
	if byID[id] != "root" || len(byID) != 1 {
		t.Errorf("byID = %v", byID)
	}

	all, _ := s.ListUsers()
	if len(all) != 2 {
		t.Errorf("ListUsers = %d, want 2", len(all))
	}

	if err := s.DeleteUser(id); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetUser(id); ok {
		t.Error("deleted user still present")
	}
}

func TestBans(t *testing.T) {
	s := open(t)
	now := time.Now().Truncate(time.Second)

	bans := []mirror.Ban{
		{IP: []byte{192, 0, 2, 1}, Mask: 32, Name: "bob", Reason: "spam", Start: now, Duration: time.Hour},
		{CertHash: "deadbeef", Reason: "cert", Start: now},
	}
	if err := s.SetBans(bans); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetBans()
	if err != nil || len(got) != 2 {
		t.Fatalf("GetBans = %d/%v", len(got), err)
	}
	if got[0].Reason != "spam" || got[0].Duration != time.Hour || !got[0].Start.Equal(now) {
		t.Errorf("ban 0 = %+v", got[0])
	}

	if err := s.AddBan(mirror.Ban{CertHash: "feed", Start: now}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetBans()
	if len(got) != 3 {
		t.Errorf("after AddBan = %d", len(got))
	}

	// Replace drops prior entries.
	if err := s.SetBans(nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetBans()
	if len(got) != 0 {
		t.Errorf("after clear = %d", len(got))
	}

	s.AddBan(mirror.Ban{CertHash: "old", Start: now.Add(-2 * time.Hour), Duration: time.Hour})
	s.AddBan(mirror.Ban{CertHash: "perm", Start: now.Add(-2 * time.Hour)})
	n, err := s.PurgeExpiredBans()
	if err != nil || n != 1 {
		t.Errorf("purge = %d/%v, want 1", n, err)
	}
}

func TestChannelMemory(t *testing.T) {
	s := open(t)

	if err := s.RememberChannel(5, 12); err != nil {
		t.Fatal(err)
	}
	if err := s.RememberChannel(5, 13); err != nil {
		t.Fatal(err)
	}
	ch, ok, err := s.LastChannel(5, 0)
	if err != nil || !ok || ch != 13 {
		t.Fatalf("LastChannel = %d/%v/%v", ch, ok, err)
	}
	// A fresh entry survives a generous age bound.
	if _, ok, _ := s.LastChannel(5, time.Hour); !ok {
		t.Error("fresh memory rejected by age bound")
	}
	if _, ok, _ := s.LastChannel(6, 0); ok {
		t.Error("unknown user has memory")
	}
}

func TestBlobMeta(t *testing.T) {
	s := open(t)

	if err := s.InsertBlobMeta("abc123", 4096); err != nil {
		t.Fatal(err)
	}
	// Duplicate insert is a no-op.
	if err := s.InsertBlobMeta("abc123", 9999); err != nil {
		t.Fatal(err)
	}
	size, ok, err := s.BlobSize("abc123")
	if err != nil || !ok || size != 4096 {
		t.Fatalf("BlobSize = %d/%v/%v", size, ok, err)
	}
	if _, ok, _ := s.BlobSize("nope"); ok {
		t.Error("unknown blob reported present")
	}
}
