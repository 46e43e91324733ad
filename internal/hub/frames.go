package hub

import (
	"fmt"
	"sort"
	"time"

	"humble/internal/acl"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
)

// fullUserState renders the complete state of a session, as shipped in
// userJoined broadcasts and full syncs.
func fullUserState(s mirror.Session) *mumbleproto.UserState {
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
	if s.Comment != "" {
		us.Comment = mumbleproto.String(s.Comment)
	}
	us.CommentHash = s.CommentHash
	us.TextureHash = s.TextureHash
	var listening []uint32
	for id := range s.Listening {
		listening = append(listening, id)
	}
	sort.Slice(listening, func(i, j int) bool { return listening[i] < listening[j] })
	us.ListeningChannelAdd = listening
	return us
}

// channelState renders a channel. When forceRootParent is set the parent is
// reported as the root and links are withheld, for the first dissemination
// pass where the real parent may not exist yet on the receiver.
func channelState(ch mirror.Channel, forceRootParent bool) *mumbleproto.ChannelState {
	cs := &mumbleproto.ChannelState{
		ChannelID: mumbleproto.Uint32(ch.ID),
		Name:      mumbleproto.String(ch.Name),
		Position:  mumbleproto.Int32(ch.Position),
	}
	if forceRootParent {
		cs.Parent = mumbleproto.Uint32(mirror.RootChannel)
	} else {
		cs.Parent = mumbleproto.Uint32(ch.Parent)
		for id := range ch.Links {
			cs.Links = append(cs.Links, id)
		}
		sort.Slice(cs.Links, func(i, j int) bool { return cs.Links[i] < cs.Links[j] })
	}
	if len(ch.DescriptionHash) > 0 {
		cs.DescriptionHash = ch.DescriptionHash
	} else if ch.Description != "" {
		cs.Description = mumbleproto.String(ch.Description)
	}
	if ch.Temporary {
		cs.Temporary = mumbleproto.Bool(true)
	}
	if ch.MaxUsers > 0 {
		cs.MaxUsers = mumbleproto.Uint32(ch.MaxUsers)
	}
	return cs
}

// aclMessage renders one channel's own rule set, the form edges mirror and
// the reply to an ACL query.
func aclMessage(a *acl.ChannelACL) *mumbleproto.ACL {
	msg := &mumbleproto.ACL{
		ChannelID:   mumbleproto.Uint32(a.ChannelID),
		InheritACLs: mumbleproto.Bool(a.InheritACL),
	}
	var names []string
	for name := range a.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := a.Groups[name]
		mg := mumbleproto.ACLGroup{
			Name:        mumbleproto.String(g.Name),
			Inherit:     mumbleproto.Bool(g.Inherit),
			Inheritable: mumbleproto.Bool(g.Inheritable),
		}
		for _, id := range g.Add {
			mg.Add = append(mg.Add, uint32(id))
		}
		for _, id := range g.Remove {
			mg.Remove = append(mg.Remove, uint32(id))
		}
		msg.Groups = append(msg.Groups, mg)
	}
	for _, r := range a.Rules {
		mr := mumbleproto.ACLRule{
			ApplyHere: mumbleproto.Bool(r.ApplyHere),
			ApplySubs: mumbleproto.Bool(r.ApplySubs),
			Grant:     mumbleproto.Uint32(uint32(r.Allow)),
			Deny:      mumbleproto.Uint32(uint32(r.Deny)),
		}
		if r.Group != "" {
			mr.Group = mumbleproto.String(r.Group)
		} else if r.UserID != acl.NoUser {
			mr.UserID = mumbleproto.Uint32(uint32(r.UserID))
		}
		msg.ACLs = append(msg.ACLs, mr)
	}
	return msg
}

// aclFromMessage parses a saved ACL message into a rule set.
func aclFromMessage(channelID uint32, msg *mumbleproto.ACL) *acl.ChannelACL {
	a := acl.NewChannelACL(channelID)
	if msg.InheritACLs != nil {
		a.InheritACL = *msg.InheritACLs
	}
	for _, mg := range msg.Groups {
		if mg.Name == nil || *mg.Name == "" || mg.Inherited != nil && *mg.Inherited {
			continue
		}
		g := &acl.Group{Name: *mg.Name, Inherit: true, Inheritable: true}
		if mg.Inherit != nil {
			g.Inherit = *mg.Inherit
		}
		if mg.Inheritable != nil {
			g.Inheritable = *mg.Inheritable
		}
		for _, id := range mg.Add {
			g.Add = append(g.Add, int32(id))
		}
		for _, id := range mg.Remove {
			g.Remove = append(g.Remove, int32(id))
		}
		a.Groups[g.Name] = g
	}
	for _, mr := range msg.ACLs {
		if mr.Inherited != nil && *mr.Inherited {
			continue
		}
		r := acl.Rule{UserID: acl.NoUser}
		if mr.ApplyHere != nil {
			r.ApplyHere = *mr.ApplyHere
		}
		if mr.ApplySubs != nil {
			r.ApplySubs = *mr.ApplySubs
		}
		if mr.Group != nil {
			r.Group = *mr.Group
		} else if mr.UserID != nil {
			r.UserID = int32(*mr.UserID)
		}
		if mr.Grant != nil {
			r.Allow = acl.Permission(*mr.Grant)
		}
		if mr.Deny != nil {
			r.Deny = acl.Permission(*mr.Deny)
		}
		a.Rules = append(a.Rules, r)
	}
	return a
}

func banListMessage(bans []mirror.Ban) *mumbleproto.BanList {
	bl := &mumbleproto.BanList{}
	for _, b := range bans {
		e := mumbleproto.BanEntry{
			Address: b.IP.To16(),
			Mask:    mumbleproto.Uint32(uint32(b.Mask)),
			Start:   mumbleproto.String(b.Start.UTC().Format(time.RFC3339)),
		}
		if b.Name != "" {
			e.Name = mumbleproto.String(b.Name)
		}
		if b.CertHash != "" {
			e.Hash = mumbleproto.String(b.CertHash)
		}
		if b.Reason != "" {
			e.Reason = mumbleproto.String(b.Reason)
		}
		if b.Duration > 0 {
			e.Duration = mumbleproto.Uint32(uint32(b.Duration / time.Second))
		}
		bl.Bans = append(bl.Bans, e)
	}
	return bl
}

func bansFromMessage(bl *mumbleproto.BanList, now time.Time) []mirror.Ban {
	out := make([]mirror.Ban, 0, len(bl.Bans))
	for _, e := range bl.Bans {
		b := mirror.Ban{IP: e.Address, Start: now}
		if e.Mask != nil {
			b.Mask = int(*e.Mask)
		}
		if e.Name != nil {
			b.Name = *e.Name
		}
		if e.Hash != nil {
			b.CertHash = *e.Hash
		}
		if e.Reason != nil {
			b.Reason = *e.Reason
		}
		if e.Start != nil {
			if t, err := time.Parse(time.RFC3339, *e.Start); err == nil {
				b.Start = t
			}
		}
		if e.Duration != nil {
			b.Duration = time.Duration(*e.Duration) * time.Second
		}
		out = append(out, b)
	}
	return out
}

func frameOf(msg mumbleproto.Message) (hublink.Frame, error) {
	data, err := msg.MarshalBinary()
	if err != nil {
		return hublink.Frame{}, err
	}
	return hublink.Frame{Kind: msg.Type(), Message: data}, nil
}

// FullSync snapshots the world for one edge. Channels come in two passes:
// first every channel parented to the root, then a fix-up pass restoring
// real parents and links, so the receiver never sees a dangling parent.
func (h *Hub) FullSync(edgeID string) (*hublink.FullSyncResult, error) {
	res := &hublink.FullSyncResult{Seq: h.registry.Seq(edgeID)}

	all := h.channels.All()
	for _, ch := range all {
		f, err := frameOf(channelState(ch, ch.ID != mirror.RootChannel))
		if err != nil {
			return nil, fmt.Errorf("hub: sync channel %d: %w", ch.ID, err)
		}
		res.Channels = append(res.Channels, f)
	}
	for _, ch := range all {
		if ch.ID == mirror.RootChannel {
			continue
		}
		if ch.Parent == mirror.RootChannel && len(ch.Links) == 0 {
			continue
		}
		f, err := frameOf(channelState(ch, false))
		if err != nil {
			return nil, fmt.Errorf("hub: sync channel %d: %w", ch.ID, err)
		}
		res.Channels = append(res.Channels, f)
	}

	for _, ch := range all {
		a, ok := h.channels.ACL(ch.ID)
		if !ok {
			continue
		}
		f, err := frameOf(aclMessage(a))
		if err != nil {
			return nil, fmt.Errorf("hub: sync acl %d: %w", ch.ID, err)
		}
		res.ACLs = append(res.ACLs, f)
	}

	for _, s := range h.sessions.All() {
		data, err := fullUserState(s).MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("hub: sync session %d: %w", s.ID, err)
		}
		res.Sessions = append(res.Sessions, hublink.SessionState{
			Session: s.ID,
			EdgeID:  s.EdgeID,
			State:   data,
		})
	}

	for _, b := range h.bans.All() {
		res.Bans = append(res.Bans, hublink.BanEntry{
			Address:      b.IP,
			Mask:         b.Mask,
			Name:         b.Name,
			CertHash:     b.CertHash,
			Reason:       b.Reason,
			Start:        b.Start.Unix(),
			DurationSecs: int64(b.Duration / time.Second),
		})
	}
	return res, nil
}
