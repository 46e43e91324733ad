package mumbleproto

import (
	"testing"
)

// The protocol distinguishes "unset" from "false"/zero in many state fields.
// These tests pin that optional-field presence survives a round trip.

func TestUserStatePresence(t *testing.T) {
	// self_mute explicitly false is not the same as self_mute absent.
	m := &UserState{
		Session:  Uint32(5),
		SelfMute: Bool(false),
	}
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got UserState
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SelfMute == nil {
		t.Fatal("self_mute lost its presence bit")
	}
	if *got.SelfMute {
		t.Fatal("self_mute flipped to true")
	}
	if got.SelfDeaf != nil || got.Mute != nil || got.ChannelID != nil {
		t.Fatal("absent fields decoded as present")
	}
}

func TestChannelStateRootOmitsParent(t *testing.T) {
	root := &ChannelState{ChannelID: Uint32(0), Name: String("Root")}
	b, _ := root.MarshalBinary()
	var got ChannelState
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Parent != nil {
		t.Fatal("root channel must not carry a parent on the wire")
	}
	if got.ChannelID == nil || *got.ChannelID != 0 {
		t.Fatalf("channel_id = %v", got.ChannelID)
	}
}

func TestACLNested(t *testing.T) {
	m := &ACL{
		ChannelID:   Uint32(4),
		InheritACLs: Bool(true),
		Groups: []ACLGroup{{
			Name:        String("admin"),
			Inherit:     Bool(true),
			Inheritable: Bool(true),
			Add:         []uint32{1, 2},
		}},
		ACLs: []ACLRule{{
			ApplyHere: Bool(true),
			ApplySubs: Bool(false),
			Group:     String("admin"),
			Grant:     Uint32(0x1F),
			Deny:      Uint32(0),
		}},
		Query: Bool(false),
	}
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ACL
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Groups) != 1 || len(got.ACLs) != 1 {
		t.Fatalf("groups=%d acls=%d", len(got.Groups), len(got.ACLs))
	}
	g := got.Groups[0]
	if g.Name == nil || *g.Name != "admin" || len(g.Add) != 2 {
		t.Fatalf("group = %+v", g)
	}
	r := got.ACLs[0]
	if r.Grant == nil || *r.Grant != 0x1F {
		t.Fatalf("grant = %v", r.Grant)
	}
	if r.Deny == nil || *r.Deny != 0 {
		t.Fatal("explicit zero deny mask lost")
	}
	if r.ApplySubs == nil || *r.ApplySubs {
		t.Fatal("apply_subs false lost")
	}
}

func TestVoiceTargetEntries(t *testing.T) {
	m := &VoiceTarget{
		ID: Uint32(3),
		Targets: []VoiceTargetEntry{
			{Session: []uint32{10, 11}},
			{ChannelID: Uint32(2), Children: Bool(true), Links: Bool(false)},
		},
	}
	b, _ := m.MarshalBinary()
	var got VoiceTarget
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Targets) != 2 {
		t.Fatalf("targets = %d", len(got.Targets))
	}
	if len(got.Targets[0].Session) != 2 {
		t.Fatalf("sessions = %v", got.Targets[0].Session)
	}
	e := got.Targets[1]
	if e.ChannelID == nil || *e.ChannelID != 2 || e.Children == nil || !*e.Children {
		t.Fatalf("entry = %+v", e)
	}
	if e.Links == nil || *e.Links {
		t.Fatal("links false lost")
	}
}

func TestBanListRoundTrip(t *testing.T) {
	m := &BanList{
		Bans: []BanEntry{{
			Address:  []byte{192, 0, 2, 1},
			Mask:     Uint32(32),
			Hash:     String("ab12"),
			Reason:   String("spam"),
			Duration: Uint32(3600),
		}},
	}
	b, _ := m.MarshalBinary()
	var got BanList
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Bans) != 1 {
		t.Fatalf("bans = %d", len(got.Bans))
	}
	e := got.Bans[0]
	if e.Mask == nil || *e.Mask != 32 || e.Duration == nil || *e.Duration != 3600 {
		t.Fatalf("entry = %+v", e)
	}
	if got.Query != nil {
		t.Fatal("absent query decoded as present")
	}
}

func TestNegativeCeltVersion(t *testing.T) {
	// The CELT alpha bitstream version is a negative int32 and must survive
	// the 10-byte varint form.
	m := &CodecVersion{Alpha: Int32(-2147483637), Beta: Int32(0), Opus: Bool(true)}
	b, _ := m.MarshalBinary()
	var got CodecVersion
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Alpha == nil || *got.Alpha != -2147483637 {
		t.Fatalf("alpha = %v", got.Alpha)
	}
	if got.Beta == nil || *got.Beta != 0 {
		t.Fatal("explicit zero beta lost")
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	// A payload with a field number we do not know must decode cleanly;
	// newer clients may send newer fields.
	b, _ := (&Version{Version: Uint32(0x10400)}).MarshalBinary()
	// Field 99, varint 7.
	b = append(b, 0x98, 0x06, 0x07)
	var got Version
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Version == nil || *got.Version != 0x10400 {
		t.Fatalf("version = %v", got.Version)
	}
}
