package edge

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"humble/internal/acl"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
)

// consumeBroadcast is the fallback handler of the hub link: every envelope
// without a dedicated handler is part of the sequenced broadcast stream. It
// runs on the link's read loop, so application order matches send order.
func (hc *hubClient) consumeBroadcast(env hublink.Envelope) {
	var b hublink.Broadcast
	if err := json.Unmarshal(env.Params, &b); err != nil {
		hc.edge.log.Warn("bad broadcast payload", "method", env.Method, "error", err)
		return
	}
	if env.Seq != 0 {
		applied := hc.applied()
		if env.Seq <= applied {
			return
		}
		if env.Seq > applied+1 && applied != 0 {
			hc.edge.log.Error("broadcast sequence gap", "have", applied, "got", env.Seq)
			hc.requestResync()
		}
		hc.setApplied(env.Seq)
	}

	switch env.Method {
	case hublink.MethodUserJoined:
		hc.applyUserJoined(b)
	case hublink.MethodUserLeft, hublink.MethodUserRemove:
		hc.applyUserRemove(b)
	case hublink.MethodUserState:
		hc.applyUserState(b)
	case hublink.MethodChannelState:
		hc.applyChannelState(b)
	case hublink.MethodChannelRemove:
		hc.applyChannelRemove(b)
	case hublink.MethodTextMessage:
		hc.applyTextMessage(b)
	case hublink.MethodBanListBroadcast:
		hc.applyBanList(b)
	default:
		hc.edge.log.Debug("unhandled hub notification", "method", env.Method)
	}
}

func (hc *hubClient) applyUserJoined(b hublink.Broadcast) {
	var us mumbleproto.UserState
	if err := us.UnmarshalBinary(b.Message); err != nil || us.Session == nil {
		return
	}
	s := mirror.Session{
		ID:        *us.Session,
		EdgeID:    b.EdgeID,
		UserID:    acl.NoUser,
		Listening: make(map[uint32]bool),
	}
	if us.Name != nil {
		s.Name = *us.Name
	}
	if us.Hash != nil {
		s.CertHash = *us.Hash
	}
	foldUserState(&s, &us)
	hc.edge.sessions.Put(s)
	hc.fanout(mumbleproto.TypeUserState, b.Message, nil)
}

func (hc *hubClient) applyUserRemove(b hublink.Broadcast) {
	var ur mumbleproto.UserRemove
	if err := ur.UnmarshalBinary(b.Message); err != nil || ur.Session == nil {
		return
	}
	hc.edge.sessions.Remove(*ur.Session)
	hc.fanout(mumbleproto.TypeUserRemove, b.Message, nil)
	if c, ok := hc.edge.client(*ur.Session); ok {
		c.close()
	}
}

func (hc *hubClient) applyUserState(b hublink.Broadcast) {
	var us mumbleproto.UserState
	if err := us.UnmarshalBinary(b.Message); err != nil || us.Session == nil {
		return
	}
	hc.edge.sessions.Update(*us.Session, func(s *mirror.Session) {
		foldUserState(s, &us)
	})
	hc.fanout(mumbleproto.TypeUserState, b.Message, nil)
}

func (hc *hubClient) applyChannelState(b hublink.Broadcast) {
	var cs mumbleproto.ChannelState
	if err := cs.UnmarshalBinary(b.Message); err != nil || cs.ChannelID == nil {
		return
	}
	if err := hc.foldChannelState(&cs); err != nil {
		hc.edge.log.Warn("channel broadcast rejected by mirror", "channel", *cs.ChannelID, "error", err)
		hc.requestResync()
		return
	}
	id := *cs.ChannelID
	for _, c := range hc.edge.localClients() {
		if hc.edge.channelVisible(c, id) {
			c.send(mumbleproto.TypeChannelState, b.Message)
		}
	}
}

func (hc *hubClient) applyChannelRemove(b hublink.Broadcast) {
	var cr mumbleproto.ChannelRemove
	if err := cr.UnmarshalBinary(b.Message); err != nil || cr.ChannelID == nil {
		return
	}
	hc.edge.channels.Remove(*cr.ChannelID)
	hc.fanout(mumbleproto.TypeChannelRemove, b.Message, nil)
}

func (hc *hubClient) applyTextMessage(b hublink.Broadcast) {
	hc.fanout(mumbleproto.TypeTextMessage, b.Message, b.Sessions)
}

func (hc *hubClient) applyBanList(b hublink.Broadcast) {
	var bl mumbleproto.BanList
	if err := bl.UnmarshalBinary(b.Message); err != nil {
		return
	}
	hc.edge.bans.Replace(bansFromMessage(&bl))
}

// fanout re-broadcasts a hub frame to local synced clients, optionally
// restricted to the named sessions.
func (hc *hubClient) fanout(kind uint16, message []byte, sessions []uint32) {
	if sessions == nil {
		for _, c := range hc.edge.localClients() {
			c.send(kind, message)
		}
		return
	}
	for _, id := range sessions {
		if c, ok := hc.edge.client(id); ok {
			c.send(kind, message)
		}
	}
}

// foldUserState applies a UserState to a mirrored session. The hub runs the
// identical fold before broadcasting, so mirrors stay byte-for-byte aligned.
func foldUserState(s *mirror.Session, us *mumbleproto.UserState) {
	if s.Listening == nil {
		s.Listening = make(map[uint32]bool)
	}
	if us.ChannelID != nil {
		s.ChannelID = *us.ChannelID
	}
	if us.UserID != nil {
		s.UserID = int32(*us.UserID)
	}
	if us.Mute != nil {
		s.Mute = *us.Mute
	}
	if us.Deaf != nil {
		s.Deaf = *us.Deaf
	}
	if us.Suppress != nil {
		s.Suppress = *us.Suppress
	}
	if us.SelfMute != nil {
		s.SelfMute = *us.SelfMute
	}
	if us.SelfDeaf != nil {
		s.SelfDeaf = *us.SelfDeaf
	}
	if us.PrioritySpeaker != nil {
		s.PrioritySpeaker = *us.PrioritySpeaker
	}
	if us.Recording != nil {
		s.Recording = *us.Recording
	}
	if us.Comment != nil {
		s.Comment = *us.Comment
		s.CommentHash = nil
	}
	if len(us.CommentHash) > 0 {
		s.CommentHash = us.CommentHash
		s.Comment = ""
	}
	if us.Texture != nil {
		s.Texture = us.Texture
		s.TextureHash = nil
	}
	if len(us.TextureHash) > 0 {
		s.TextureHash = us.TextureHash
		s.Texture = nil
	}
	for _, id := range us.ListeningChannelAdd {
		s.Listening[id] = true
	}
	for _, id := range us.ListeningChannelRemove {
		delete(s.Listening, id)
	}
}

// foldChannelState applies a ChannelState to the mirrored tree, creating
// the channel on first sight.
func (hc *hubClient) foldChannelState(cs *mumbleproto.ChannelState) error {
	ch, ok := hc.edge.channels.Get(*cs.ChannelID)
	if !ok {
		ch = mirror.Channel{ID: *cs.ChannelID, InheritACL: true}
	}
	if cs.Parent != nil {
		ch.Parent = *cs.Parent
	}
	if cs.Name != nil {
		ch.Name = *cs.Name
	}
	if cs.Description != nil {
		ch.Description = *cs.Description
		ch.DescriptionHash = nil
	}
	if len(cs.DescriptionHash) > 0 {
		ch.DescriptionHash = cs.DescriptionHash
		ch.Description = ""
	}
	if cs.Position != nil {
		ch.Position = *cs.Position
	}
	if cs.MaxUsers != nil {
		ch.MaxUsers = *cs.MaxUsers
	}
	if cs.Temporary != nil {
		ch.Temporary = *cs.Temporary
	}
	if err := hc.edge.channels.Put(ch); err != nil {
		return err
	}
	if cs.Links != nil || cs.LinksAdd != nil || cs.LinksRemove != nil {
		return hc.edge.channels.SetLinks(ch.ID, cs.Links, cs.LinksAdd, cs.LinksRemove)
	}
	return nil
}

// aclUpdated refreshes one channel's mirrored rules, then recomputes the
// suppress bit for every local client in that channel and tells clients
// about visibility transitions when channel hiding is on.
func (hc *hubClient) aclUpdated(ctx context.Context, channelID uint32) {
	peer, err := hc.current()
	if err != nil {
		return
	}
	var res hublink.GetACLsResult
	if err := peer.Call(ctx, hublink.MethodGetACLs, hublink.GetACLsParams{ChannelID: channelID}, &res); err != nil {
		hc.edge.log.Warn("acl refresh failed", "channel", channelID, "error", err)
		return
	}
	var msg mumbleproto.ACL
	if err := msg.UnmarshalBinary(res.Message); err != nil {
		return
	}
	if err := hc.edge.channels.SetACL(channelID, aclFromMessage(channelID, &msg)); err != nil {
		return
	}
	hc.edge.log.Info("acl refreshed", "channel", channelID)

	hc.recomputeSuppress(channelID)
	if hc.edge.cfg.ChannelNinja {
		hc.announceVisibility(channelID)
	}
}

// recomputeSuppress applies the permission-refresh contract: a user in the
// affected channel is suppressed when it lost Speak there, unless it is
// already self-muted.
func (hc *hubClient) recomputeSuppress(channelID uint32) {
	for _, c := range hc.edge.localClients() {
		s, ok := hc.edge.sessions.Get(c.session)
		if !ok || s.ChannelID != channelID {
			continue
		}
		suppress := !hc.edge.hasPermission(c, channelID, acl.Speak) && !s.SelfMute
		if suppress == s.Suppress {
			continue
		}
		hc.edge.sessions.Update(c.session, func(s *mirror.Session) {
			s.Suppress = suppress
		})
		hc.fanoutMessage(&mumbleproto.UserState{
			Session:  mumbleproto.Uint32(c.session),
			Suppress: mumbleproto.Bool(suppress),
		})
	}
}

// announceVisibility pushes the channel to clients that can now see it and
// retracts it from clients that no longer can.
func (hc *hubClient) announceVisibility(channelID uint32) {
	ch, ok := hc.edge.channels.Get(channelID)
	if !ok {
		return
	}
	state, err := channelStateMessage(ch, false).MarshalBinary()
	if err != nil {
		return
	}
	removed, err := (&mumbleproto.ChannelRemove{
		ChannelID: mumbleproto.Uint32(channelID),
	}).MarshalBinary()
	if err != nil {
		return
	}
	for _, c := range hc.edge.localClients() {
		if hc.edge.channelVisible(c, channelID) {
			c.send(mumbleproto.TypeChannelState, state)
		} else {
			c.send(mumbleproto.TypeChannelRemove, removed)
		}
	}
}

func (hc *hubClient) fanoutMessage(msg mumbleproto.Message) {
	data, err := msg.MarshalBinary()
	if err != nil {
		return
	}
	hc.fanout(msg.Type(), data, nil)
}

// fullSync rebuilds the whole mirror from a hub snapshot. Channel frames
// arrive in two-pass-safe order, so folding them sequentially never trips
// the mirror's parent checks.
func (hc *hubClient) fullSync(ctx context.Context, peer *hublink.Peer) error {
	var snap hublink.FullSyncResult
	if err := peer.Call(ctx, hublink.MethodFullSync, nil, &snap); err != nil {
		return err
	}

	for _, ch := range hc.edge.channels.Children(mirror.RootChannel) {
		hc.edge.channels.Remove(ch.ID)
	}
	for _, s := range hc.edge.sessions.All() {
		hc.edge.sessions.Remove(s.ID)
	}

	for _, f := range snap.Channels {
		var cs mumbleproto.ChannelState
		if err := cs.UnmarshalBinary(f.Message); err != nil || cs.ChannelID == nil {
			continue
		}
		if err := hc.foldChannelState(&cs); err != nil {
			hc.edge.log.Warn("snapshot channel rejected", "error", err)
		}
	}
	for _, f := range snap.ACLs {
		var msg mumbleproto.ACL
		if err := msg.UnmarshalBinary(f.Message); err != nil || msg.ChannelID == nil {
			continue
		}
		hc.edge.channels.SetACL(*msg.ChannelID, aclFromMessage(*msg.ChannelID, &msg))
	}
	for _, ss := range snap.Sessions {
		var us mumbleproto.UserState
		if err := us.UnmarshalBinary(ss.State); err != nil || us.Session == nil {
			continue
		}
		s := mirror.Session{
			ID:        ss.Session,
			EdgeID:    ss.EdgeID,
			UserID:    acl.NoUser,
			Listening: make(map[uint32]bool),
		}
		if us.Name != nil {
			s.Name = *us.Name
		}
		if us.Hash != nil {
			s.CertHash = *us.Hash
		}
		foldUserState(&s, &us)
		hc.edge.sessions.Put(s)
	}

	bans := make([]mirror.Ban, 0, len(snap.Bans))
	for _, b := range snap.Bans {
		bans = append(bans, mirror.Ban{
			IP:       net.IP(b.Address),
			Mask:     b.Mask,
			Name:     b.Name,
			CertHash: b.CertHash,
			Reason:   b.Reason,
			Start:    time.Unix(b.Start, 0),
			Duration: time.Duration(b.DurationSecs) * time.Second,
		})
	}
	hc.edge.bans.Replace(bans)

	hc.setApplied(snap.Seq)
	hc.edge.log.Info("mirror synced",
		"channels", hc.edge.channels.Len(),
		"sessions", hc.edge.sessions.Len(),
		"bans", hc.edge.bans.Len(),
		"seq", snap.Seq)
	return nil
}

// aclFromMessage converts a wire ACL into the mirror's rule set. Entries
// the hub marked as inherited are presentation only and are skipped.
func aclFromMessage(channelID uint32, msg *mumbleproto.ACL) *acl.ChannelACL {
	a := acl.NewChannelACL(channelID)
	a.InheritACL = msg.InheritACLs == nil || *msg.InheritACLs
	for _, g := range msg.Groups {
		if g.Name == nil || (g.Inherited != nil && *g.Inherited) {
			continue
		}
		grp := &acl.Group{
			Name:        *g.Name,
			Inherit:     g.Inherit == nil || *g.Inherit,
			Inheritable: g.Inheritable == nil || *g.Inheritable,
		}
		for _, id := range g.Add {
			grp.Add = append(grp.Add, int32(id))
		}
		for _, id := range g.Remove {
			grp.Remove = append(grp.Remove, int32(id))
		}
		a.Groups[grp.Name] = grp
	}
	for _, r := range msg.ACLs {
		if r.Inherited != nil && *r.Inherited {
			continue
		}
		rule := acl.Rule{
			ApplyHere: r.ApplyHere == nil || *r.ApplyHere,
			ApplySubs: r.ApplySubs == nil || *r.ApplySubs,
			UserID:    acl.NoUser,
		}
		if r.UserID != nil {
			rule.UserID = int32(*r.UserID)
		} else if r.Group != nil {
			rule.Group = *r.Group
		}
		if r.Grant != nil {
			rule.Allow = acl.Permission(*r.Grant)
		}
		if r.Deny != nil {
			rule.Deny = acl.Permission(*r.Deny)
		}
		a.Rules = append(a.Rules, rule)
	}
	return a
}

// bansFromMessage converts a wire BanList into mirror entries.
func bansFromMessage(bl *mumbleproto.BanList) []mirror.Ban {
	out := make([]mirror.Ban, 0, len(bl.Bans))
	for _, e := range bl.Bans {
		b := mirror.Ban{IP: net.IP(e.Address)}
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
