package hub

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"humble/internal/acl"
	"humble/internal/hublink"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
)

// inlineBlobMax is the largest comment/texture/description kept inline; a
// bigger payload is offloaded to the blob store and announced by hash.
const inlineBlobMax = 128

func denyFrame(pd *mumbleproto.PermissionDenied) *hublink.HandleResult {
	data, _ := pd.MarshalBinary()
	return &hublink.HandleResult{Denied: data}
}

func denyPermission(p acl.Permission, channelID uint32) *hublink.HandleResult {
	return denyFrame(&mumbleproto.PermissionDenied{
		Permission: mumbleproto.Uint32(uint32(p)),
		ChannelID:  mumbleproto.Uint32(channelID),
		DenyType:   mumbleproto.Uint32(mumbleproto.DenyPermission),
	})
}

func denyTyped(typ uint32, reason string) *hublink.HandleResult {
	pd := &mumbleproto.PermissionDenied{DenyType: mumbleproto.Uint32(typ)}
	if reason != "" {
		pd.Reason = mumbleproto.String(reason)
	}
	return denyFrame(pd)
}

var okResult = &hublink.HandleResult{}

// Handle processes one forwarded client mutation authoritatively. The
// returned result carries a PermissionDenied frame on refusal or a direct
// reply frame for queries; acceptance reaches the cluster as broadcasts.
func (h *Hub) Handle(p hublink.HandleParams) (*hublink.HandleResult, error) {
	actor, ok := h.sessions.Get(p.Actor)
	if !ok || actor.EdgeID != p.EdgeID {
		return nil, fmt.Errorf("hub: message from unknown session %d on edge %s", p.Actor, p.EdgeID)
	}
	msg, err := mumbleproto.New(p.Kind)
	if err != nil {
		return nil, err
	}
	if err := msg.UnmarshalBinary(p.Message); err != nil {
		return nil, fmt.Errorf("hub: bad %s from session %d: %w", mumbleproto.TypeName(p.Kind), p.Actor, err)
	}

	switch m := msg.(type) {
	case *mumbleproto.UserState:
		return h.handleUserState(actor, m)
	case *mumbleproto.UserRemove:
		return h.handleUserRemove(actor, m)
	case *mumbleproto.ChannelState:
		return h.handleChannelState(actor, m)
	case *mumbleproto.ChannelRemove:
		return h.handleChannelRemove(actor, m)
	case *mumbleproto.TextMessage:
		return h.handleTextMessage(actor, m)
	case *mumbleproto.ACL:
		return h.handleACL(actor, m)
	case *mumbleproto.BanList:
		return h.handleBanList(actor, m)
	case *mumbleproto.QueryUsers:
		return h.handleQueryUsers(m)
	case *mumbleproto.UserList:
		return h.handleUserList(actor, m)
	}
	return nil, fmt.Errorf("hub: unhandled message type %s", mumbleproto.TypeName(p.Kind))
}

func (h *Hub) handleUserState(actor mirror.Session, us *mumbleproto.UserState) (*hublink.HandleResult, error) {
	target := actor
	if us.Session != nil && *us.Session != actor.ID {
		var ok bool
		target, ok = h.sessions.Get(*us.Session)
		if !ok {
			return okResult, nil
		}
	}
	self := target.ID == actor.ID

	out := &mumbleproto.UserState{
		Session: mumbleproto.Uint32(target.ID),
		Actor:   mumbleproto.Uint32(actor.ID),
	}
	changed := false

	if us.Name != nil && *us.Name != target.Name {
		return denyTyped(mumbleproto.DenyUserName, "Name changes are not permitted"), nil
	}

	if us.UserID != nil {
		res, err := h.registerSession(actor, target, self, out)
		if err != nil || res != nil {
			return res, err
		}
		changed = true
	}

	if us.ChannelID != nil && *us.ChannelID != target.ChannelID {
		dest := *us.ChannelID
		if !h.channels.Exists(dest) {
			return okResult, nil
		}
		if self {
			if !h.hasPermission(actor, dest, acl.Enter) {
				return denyPermission(acl.Enter, dest), nil
			}
		} else {
			if !h.hasPermission(actor, dest, acl.Move) {
				return denyPermission(acl.Move, dest), nil
			}
			if !h.hasPermission(actor, target.ChannelID, acl.Move) {
				return denyPermission(acl.Move, target.ChannelID), nil
			}
		}
		if res := h.checkChannelFull(actor, dest); res != nil {
			return res, nil
		}
		out.ChannelID = mumbleproto.Uint32(dest)
		changed = true
	}

	if us.Mute != nil || us.Deaf != nil || us.Suppress != nil || us.PrioritySpeaker != nil {
		if !h.hasPermission(actor, target.ChannelID, acl.MuteDeafen) {
			return denyPermission(acl.MuteDeafen, target.ChannelID), nil
		}
		out.Mute = us.Mute
		out.Deaf = us.Deaf
		out.Suppress = us.Suppress
		out.PrioritySpeaker = us.PrioritySpeaker
		if us.Deaf != nil && *us.Deaf {
			out.Mute = mumbleproto.Bool(true)
		}
		changed = true
	}

	if us.SelfMute != nil || us.SelfDeaf != nil {
		if !self {
			return denyPermission(acl.MuteDeafen, target.ChannelID), nil
		}
		out.SelfMute = us.SelfMute
		out.SelfDeaf = us.SelfDeaf
		if us.SelfDeaf != nil && *us.SelfDeaf {
			out.SelfMute = mumbleproto.Bool(true)
		}
		if us.SelfMute != nil && !*us.SelfMute {
			out.SelfDeaf = mumbleproto.Bool(false)
		}
		changed = true
	}

	if us.Recording != nil {
		if !self {
			return denyPermission(acl.MuteDeafen, target.ChannelID), nil
		}
		out.Recording = us.Recording
		changed = true
	}

	if us.Comment != nil {
		if !self {
			return denyPermission(acl.Move, target.ChannelID), nil
		}
		comment := *us.Comment
		if hash := h.maybeOffload(comment); hash != nil {
			out.CommentHash = hash
		} else {
			out.Comment = us.Comment
		}
		if target.UserID >= 0 {
			if err := h.st.SetUserComment(target.UserID, out.CommentHash); err != nil {
				h.log.Warn("persist comment failed", "user", target.UserID, "error", err)
			}
		}
		changed = true
	}

	if us.Texture != nil {
		if !self {
			return denyPermission(acl.Move, target.ChannelID), nil
		}
		if hash := h.offloadBytes(us.Texture); hash != nil {
			out.TextureHash = hash
		} else {
			out.Texture = us.Texture
		}
		if target.UserID >= 0 {
			if err := h.st.SetUserTexture(target.UserID, out.TextureHash); err != nil {
				h.log.Warn("persist texture failed", "user", target.UserID, "error", err)
			}
		}
		changed = true
	}

	if len(us.ListeningChannelAdd) > 0 || len(us.ListeningChannelRemove) > 0 {
		if !self {
			return denyPermission(acl.MuteDeafen, target.ChannelID), nil
		}
		res := h.applyListeners(actor, target, us, out)
		if res != nil {
			return res, nil
		}
		changed = true
	}

	if len(us.TemporaryAccessTokens) > 0 && self {
		h.metaMu.Lock()
		if m, ok := h.meta[actor.ID]; ok {
			m.Tokens = append(m.Tokens, us.TemporaryAccessTokens...)
		}
		h.metaMu.Unlock()
	}

	if !changed {
		return okResult, nil
	}

	oldChannel := target.ChannelID
	h.sessions.Update(target.ID, func(s *mirror.Session) {
		applyUserState(s, out)
	})
	h.broadcast(out, actor.ID, nil)
	if out.ChannelID != nil {
		h.reapTemporary(oldChannel)
	}
	return okResult, nil
}

// applyUserState folds an accepted UserState into a mirrored session. The
// edges run the identical fold on the broadcast.
func applyUserState(s *mirror.Session, us *mumbleproto.UserState) {
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

func (h *Hub) registerSession(actor, target mirror.Session, self bool, out *mumbleproto.UserState) (*hublink.HandleResult, error) {
	if !self || target.UserID >= 0 {
		return denyPermission(acl.Register, mirror.RootChannel), nil
	}
	if target.CertHash == "" {
		return denyTyped(mumbleproto.DenyMissingCertificate, "A certificate is required for registration"), nil
	}
	if !h.hasPermission(actor, mirror.RootChannel, acl.SelfRegister) {
		return denyPermission(acl.SelfRegister, mirror.RootChannel), nil
	}
	if _, exists, err := h.st.GetUserByName(target.Name); err != nil {
		return nil, err
	} else if exists {
		return denyTyped(mumbleproto.DenyUserName, "Name is already registered"), nil
	}
	id, err := h.st.RegisterUser(target.Name, nil, nil, h.kdfIterations(), target.CertHash)
	if err != nil {
		return nil, fmt.Errorf("hub: register user: %w", err)
	}
	out.UserID = mumbleproto.Uint32(uint32(id))
	h.log.Info("user registered", "name", target.Name, "user", id)
	return nil, nil
}

func (h *Hub) checkChannelFull(actor mirror.Session, dest uint32) *hublink.HandleResult {
	ch, ok := h.channels.Get(dest)
	if !ok {
		return nil
	}
	limit := int(ch.MaxUsers)
	if limit == 0 {
		limit = h.cfg.MaxUsersPerChannel
	}
	if limit > 0 && h.sessions.CountInChannel(dest) >= limit &&
		!h.hasPermission(actor, dest, acl.Write) {
		r := denyTyped(mumbleproto.DenyChannelFull, "")
		return r
	}
	return nil
}

func (h *Hub) applyListeners(actor, target mirror.Session, us, out *mumbleproto.UserState) *hublink.HandleResult {
	count := len(target.Listening)
	for _, id := range us.ListeningChannelAdd {
		if target.Listening[id] || !h.channels.Exists(id) {
			continue
		}
		if !h.hasPermission(actor, id, acl.Enter) {
			return denyPermission(acl.Enter, id)
		}
		if h.cfg.ListenersPerUser > 0 && count >= h.cfg.ListenersPerUser {
			return denyTyped(mumbleproto.DenyUserListenerLimit, "")
		}
		if h.cfg.ListenersPerChannel > 0 && len(h.sessions.ListeningTo(id)) >= h.cfg.ListenersPerChannel {
			return denyTyped(mumbleproto.DenyChannelListenerLimit, "")
		}
		out.ListeningChannelAdd = append(out.ListeningChannelAdd, id)
		count++
	}
	for _, id := range us.ListeningChannelRemove {
		if target.Listening[id] {
			out.ListeningChannelRemove = append(out.ListeningChannelRemove, id)
			count--
		}
	}
	return nil
}

func (h *Hub) handleUserRemove(actor mirror.Session, ur *mumbleproto.UserRemove) (*hublink.HandleResult, error) {
	if ur.Session == nil {
		return okResult, nil
	}
	target, ok := h.sessions.Get(*ur.Session)
	if !ok {
		return okResult, nil
	}
	ban := ur.Ban != nil && *ur.Ban
	need := acl.Kick
	if ban {
		need = acl.Ban
	}
	if !h.hasPermission(actor, mirror.RootChannel, need) {
		return denyPermission(need, mirror.RootChannel), nil
	}
	reason := ""
	if ur.Reason != nil {
		reason = *ur.Reason
	}

	if ban {
		h.banSession(target, reason)
	}

	out := &mumbleproto.UserRemove{
		Session: mumbleproto.Uint32(target.ID),
		Actor:   mumbleproto.Uint32(actor.ID),
	}
	if reason != "" {
		out.Reason = mumbleproto.String(reason)
	}
	if ban {
		out.Ban = mumbleproto.Bool(true)
	}
	data, err := out.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := h.registry.NotifyEdge(target.EdgeID, hublink.MethodKick, hublink.KickParams{
		Session: target.ID,
		Message: data,
	}); err != nil {
		h.log.Warn("kick notify failed", "session", target.ID, "edge", target.EdgeID, "error", err)
	}

	h.sessions.Remove(target.ID)
	h.dropMeta(target.ID)
	h.alloc.Release(target.ID)
	h.broadcast(out, actor.ID, nil)
	h.log.Info("session removed", "session", target.ID, "actor", actor.ID, "ban", ban, "reason", reason)
	return okResult, nil
}

// banSession turns a live session into a ban list entry: by address when the
// hub knows one, by certificate fingerprint otherwise.
func (h *Hub) banSession(target mirror.Session, reason string) {
	b := mirror.Ban{
		Name:   target.Name,
		Reason: reason,
		Start:  time.Now(),
	}
	if m, ok := h.getMeta(target.ID); ok && m.Addr != nil {
		b.IP = m.Addr
		b.Mask = 128
		if m.Addr.To4() != nil {
			b.Mask = 32
		}
	} else {
		b.CertHash = target.CertHash
	}
	if b.IP == nil && b.CertHash == "" {
		h.log.Warn("ban with neither address nor certificate", "session", target.ID)
		return
	}
	h.bans.Add(b)
	if err := h.st.AddBan(b); err != nil {
		h.log.Warn("persist ban failed", "error", err)
	}
	h.broadcastBanList()
}

func (h *Hub) handleChannelState(actor mirror.Session, cs *mumbleproto.ChannelState) (*hublink.HandleResult, error) {
	if cs.ChannelID == nil {
		return h.createChannel(actor, cs)
	}
	return h.editChannel(actor, cs)
}

func (h *Hub) createChannel(actor mirror.Session, cs *mumbleproto.ChannelState) (*hublink.HandleResult, error) {
	parent := mirror.RootChannel
	if cs.Parent != nil {
		parent = *cs.Parent
	}
	if !h.channels.Exists(parent) {
		return okResult, nil
	}
	temporary := cs.Temporary != nil && *cs.Temporary
	need := acl.MakeChannel
	if temporary {
		need = acl.MakeTempChannel
	}
	if !h.hasPermission(actor, parent, need) {
		return denyPermission(need, parent), nil
	}
	if cs.Name == nil || !h.cfg.ValidChannelName(*cs.Name) {
		return denyTyped(mumbleproto.DenyChannelName, "Invalid channel name"), nil
	}
	name := *cs.Name
	if h.channels.SiblingNameTaken(parent, name, 0) {
		return denyTyped(mumbleproto.DenyChannelName, "A sibling channel already has this name"), nil
	}
	if h.channels.Depth(parent)+1 > h.cfg.ChannelNestingLimit {
		return denyTyped(mumbleproto.DenyNestingLimit, ""), nil
	}

	ch := mirror.Channel{
		ID:         h.allocateChannelID(),
		Parent:     parent,
		Name:       name,
		Temporary:  temporary,
		InheritACL: true,
	}
	if cs.Position != nil {
		ch.Position = *cs.Position
	}
	if cs.MaxUsers != nil {
		ch.MaxUsers = *cs.MaxUsers
	}
	if cs.Description != nil {
		if hash := h.maybeOffload(*cs.Description); hash != nil {
			ch.DescriptionHash = hash
		} else {
			ch.Description = *cs.Description
		}
	}
	if err := h.channels.Put(ch); err != nil {
		return nil, err
	}
	if !temporary {
		if err := h.st.SaveChannel(ch); err != nil {
			h.log.Warn("persist channel failed", "channel", ch.ID, "error", err)
		}
	}

	out := channelState(ch, false)
	h.broadcast(out, actor.ID, nil)
	h.log.Info("channel created", "channel", ch.ID, "name", name, "parent", parent, "temporary", temporary, "actor", actor.ID)

	// The creator of a temporary channel moves into it and owns it.
	if temporary {
		move := &mumbleproto.UserState{
			Session:   mumbleproto.Uint32(actor.ID),
			Actor:     mumbleproto.Uint32(actor.ID),
			ChannelID: mumbleproto.Uint32(ch.ID),
		}
		old := actor.ChannelID
		h.sessions.Update(actor.ID, func(s *mirror.Session) { s.ChannelID = ch.ID })
		h.broadcast(move, actor.ID, nil)
		h.reapTemporary(old)
	}
	return okResult, nil
}

func (h *Hub) editChannel(actor mirror.Session, cs *mumbleproto.ChannelState) (*hublink.HandleResult, error) {
	ch, ok := h.channels.Get(*cs.ChannelID)
	if !ok {
		return okResult, nil
	}
	out := &mumbleproto.ChannelState{ChannelID: mumbleproto.Uint32(ch.ID)}
	changed := false

	if cs.Name != nil && *cs.Name != ch.Name {
		if ch.ID == mirror.RootChannel || !h.hasPermission(actor, ch.ID, acl.Write) {
			return denyPermission(acl.Write, ch.ID), nil
		}
		if !h.cfg.ValidChannelName(*cs.Name) {
			return denyTyped(mumbleproto.DenyChannelName, "Invalid channel name"), nil
		}
		if h.channels.SiblingNameTaken(ch.Parent, *cs.Name, ch.ID) {
			return denyTyped(mumbleproto.DenyChannelName, "A sibling channel already has this name"), nil
		}
		ch.Name = *cs.Name
		out.Name = cs.Name
		changed = true
	}

	if cs.Parent != nil && *cs.Parent != ch.Parent {
		dest := *cs.Parent
		if !h.channels.Exists(dest) {
			return okResult, nil
		}
		if !h.hasPermission(actor, ch.ID, acl.Move) {
			return denyPermission(acl.Move, ch.ID), nil
		}
		if !h.hasPermission(actor, dest, acl.MakeChannel) {
			return denyPermission(acl.MakeChannel, dest), nil
		}
		if ch.ID == dest || h.channels.IsDescendant(ch.ID, dest) {
			return denyPermission(acl.Move, dest), nil
		}
		if h.channels.Depth(dest)+1 > h.cfg.ChannelNestingLimit {
			return denyTyped(mumbleproto.DenyNestingLimit, ""), nil
		}
		if h.channels.SiblingNameTaken(dest, ch.Name, ch.ID) {
			return denyTyped(mumbleproto.DenyChannelName, "A sibling channel already has this name"), nil
		}
		ch.Parent = dest
		out.Parent = cs.Parent
		changed = true
	}

	if cs.Description != nil {
		if !h.hasPermission(actor, ch.ID, acl.Write) {
			return denyPermission(acl.Write, ch.ID), nil
		}
		if hash := h.maybeOffload(*cs.Description); hash != nil {
			ch.Description = ""
			ch.DescriptionHash = hash
			out.DescriptionHash = hash
		} else {
			ch.Description = *cs.Description
			ch.DescriptionHash = nil
			out.Description = cs.Description
		}
		changed = true
	}

	if cs.Position != nil && *cs.Position != ch.Position {
		if !h.hasPermission(actor, ch.ID, acl.Write) {
			return denyPermission(acl.Write, ch.ID), nil
		}
		ch.Position = *cs.Position
		out.Position = cs.Position
		changed = true
	}

	if cs.MaxUsers != nil && *cs.MaxUsers != ch.MaxUsers {
		if !h.hasPermission(actor, ch.ID, acl.Write) {
			return denyPermission(acl.Write, ch.ID), nil
		}
		ch.MaxUsers = *cs.MaxUsers
		out.MaxUsers = cs.MaxUsers
		changed = true
	}

	if len(cs.LinksAdd) > 0 || len(cs.LinksRemove) > 0 {
		if !h.hasPermission(actor, ch.ID, acl.LinkChannel) {
			return denyPermission(acl.LinkChannel, ch.ID), nil
		}
		var adds []uint32
		for _, other := range cs.LinksAdd {
			if !h.channels.Exists(other) || other == ch.ID {
				continue
			}
			if !h.hasPermission(actor, other, acl.LinkChannel) {
				return denyPermission(acl.LinkChannel, other), nil
			}
			adds = append(adds, other)
		}
		if err := h.channels.SetLinks(ch.ID, nil, adds, cs.LinksRemove); err != nil {
			return nil, err
		}
		out.LinksAdd = adds
		out.LinksRemove = cs.LinksRemove
		changed = true
	}

	if !changed {
		return okResult, nil
	}
	if err := h.channels.Put(ch); err != nil {
		return nil, err
	}
	if !ch.Temporary {
		if err := h.st.SaveChannel(ch); err != nil {
			h.log.Warn("persist channel failed", "channel", ch.ID, "error", err)
		}
	}
	h.broadcast(out, actor.ID, nil)
	return okResult, nil
}

func (h *Hub) handleChannelRemove(actor mirror.Session, cr *mumbleproto.ChannelRemove) (*hublink.HandleResult, error) {
	if cr.ChannelID == nil || *cr.ChannelID == mirror.RootChannel {
		return okResult, nil
	}
	ch, ok := h.channels.Get(*cr.ChannelID)
	if !ok {
		return okResult, nil
	}
	if !h.hasPermission(actor, ch.ID, acl.Write) {
		return denyPermission(acl.Write, ch.ID), nil
	}
	h.removeChannel(ch, actor.ID)
	return okResult, nil
}

// removeChannel evacuates the subtree's occupants to the channel's parent,
// then deletes the subtree and broadcasts the removal.
func (h *Hub) removeChannel(ch mirror.Channel, actor uint32) {
	subtree := h.channels.Subtree(ch.ID)
	inSubtree := make(map[uint32]bool, len(subtree))
	for _, id := range subtree {
		inSubtree[id] = true
	}
	for _, s := range h.sessions.All() {
		if !inSubtree[s.ChannelID] {
			continue
		}
		move := &mumbleproto.UserState{
			Session:   mumbleproto.Uint32(s.ID),
			ChannelID: mumbleproto.Uint32(ch.Parent),
		}
		if actor != 0 {
			move.Actor = mumbleproto.Uint32(actor)
		}
		h.sessions.Update(s.ID, func(ms *mirror.Session) { ms.ChannelID = ch.Parent })
		h.broadcast(move, actor, nil)
	}

	removed, err := h.channels.Remove(ch.ID)
	if err != nil {
		h.log.Warn("channel remove failed", "channel", ch.ID, "error", err)
		return
	}
	for _, id := range removed {
		if err := h.st.DeleteChannel(id); err != nil {
			h.log.Warn("persist channel delete failed", "channel", id, "error", err)
		}
	}
	h.broadcast(&mumbleproto.ChannelRemove{ChannelID: mumbleproto.Uint32(ch.ID)}, actor, nil)
	h.log.Info("channel removed", "channel", ch.ID, "subtree", len(removed), "actor", actor)
}

// reapTemporary removes a temporary channel once its last occupant leaves.
func (h *Hub) reapTemporary(channelID uint32) {
	ch, ok := h.channels.Get(channelID)
	if !ok || !ch.Temporary {
		return
	}
	if h.sessions.CountInChannel(channelID) > 0 {
		return
	}
	for _, id := range h.channels.Subtree(channelID) {
		if h.sessions.CountInChannel(id) > 0 {
			return
		}
	}
	h.removeChannel(ch, 0)
}

func (h *Hub) handleTextMessage(actor mirror.Session, tm *mumbleproto.TextMessage) (*hublink.HandleResult, error) {
	if tm.Message == nil {
		return okResult, nil
	}
	text := *tm.Message
	limit := h.cfg.TextMessageLength
	if strings.Contains(text, "data:image") {
		limit = h.cfg.ImageMessageLength
	}
	if limit > 0 && len(text) > limit {
		return denyTyped(mumbleproto.DenyTextTooLong, ""), nil
	}

	recipients := make(map[uint32]bool)
	for _, id := range tm.ChannelID {
		if !h.channels.Exists(id) {
			continue
		}
		if !h.hasPermission(actor, id, acl.TextMessage) {
			return denyPermission(acl.TextMessage, id), nil
		}
		for _, s := range h.sessions.InChannel(id) {
			recipients[s.ID] = true
		}
		for _, s := range h.sessions.ListeningTo(id) {
			recipients[s.ID] = true
		}
	}
	for _, id := range tm.TreeID {
		if !h.channels.Exists(id) {
			continue
		}
		if !h.hasPermission(actor, id, acl.TextMessage) {
			return denyPermission(acl.TextMessage, id), nil
		}
		for _, sub := range h.channels.Subtree(id) {
			for _, s := range h.sessions.InChannel(sub) {
				recipients[s.ID] = true
			}
		}
	}
	for _, id := range tm.Session {
		target, ok := h.sessions.Get(id)
		if !ok {
			continue
		}
		if !h.hasPermission(actor, target.ChannelID, acl.TextMessage) {
			return denyPermission(acl.TextMessage, target.ChannelID), nil
		}
		recipients[id] = true
	}
	delete(recipients, actor.ID)
	if len(recipients) == 0 {
		return okResult, nil
	}

	sessions := make([]uint32, 0, len(recipients))
	for id := range recipients {
		sessions = append(sessions, id)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

	out := &mumbleproto.TextMessage{
		Actor:     mumbleproto.Uint32(actor.ID),
		Session:   tm.Session,
		ChannelID: tm.ChannelID,
		TreeID:    tm.TreeID,
		Message:   tm.Message,
	}
	h.broadcast(out, actor.ID, sessions)
	return okResult, nil
}

func (h *Hub) handleACL(actor mirror.Session, msg *mumbleproto.ACL) (*hublink.HandleResult, error) {
	if msg.ChannelID == nil {
		return okResult, nil
	}
	channelID := *msg.ChannelID
	if !h.channels.Exists(channelID) {
		return okResult, nil
	}
	if !h.hasPermission(actor, channelID, acl.Write) {
		return denyPermission(acl.Write, channelID), nil
	}

	if msg.Query != nil && *msg.Query {
		reply, err := h.aclQueryReply(channelID)
		if err != nil {
			return nil, err
		}
		return &hublink.HandleResult{Reply: reply}, nil
	}

	a := aclFromMessage(channelID, msg)
	if err := h.channels.SetACL(channelID, a); err != nil {
		return nil, err
	}
	if ch, ok := h.channels.Get(channelID); ok && !ch.Temporary {
		if err := h.st.SetChannelACL(a); err != nil {
			h.log.Warn("persist acl failed", "channel", channelID, "error", err)
		}
		if err := h.st.SaveChannel(ch); err != nil {
			h.log.Warn("persist channel failed", "channel", channelID, "error", err)
		}
	}
	h.registry.NotifyAll(hublink.MethodACLUpdated, hublink.ACLUpdatedParams{ChannelID: channelID})
	h.log.Info("acl saved", "channel", channelID, "rules", len(a.Rules), "actor", actor.ID)
	return okResult, nil
}

// aclQueryReply renders the chain-flattened view an ACL query shows: the
// channel's own groups plus every visible rule, inherited ones marked.
func (h *Hub) aclQueryReply(channelID uint32) (*hublink.Frame, error) {
	chain := h.channels.Chain(channelID)
	if chain == nil {
		return nil, fmt.Errorf("hub: no chain for channel %d", channelID)
	}
	own := chain[len(chain)-1]
	msg := aclMessage(own)
	msg.Query = mumbleproto.Bool(true)

	rules := acl.QueryRules(chain)
	flags := acl.InheritedAt(chain)
	msg.ACLs = msg.ACLs[:0]
	for i, r := range rules {
		mr := mumbleproto.ACLRule{
			ApplyHere: mumbleproto.Bool(r.ApplyHere),
			ApplySubs: mumbleproto.Bool(r.ApplySubs),
			Inherited: mumbleproto.Bool(flags[i]),
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

	f, err := frameOf(msg)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (h *Hub) handleBanList(actor mirror.Session, bl *mumbleproto.BanList) (*hublink.HandleResult, error) {
	if bl.Query != nil && *bl.Query {
		if !h.hasPermission(actor, mirror.RootChannel, acl.Ban) {
			return denyPermission(acl.Ban, mirror.RootChannel), nil
		}
		f, err := frameOf(banListMessage(h.bans.All()))
		if err != nil {
			return nil, err
		}
		return &hublink.HandleResult{Reply: &f}, nil
	}

	if !h.hasPermission(actor, mirror.RootChannel, acl.Ban) {
		return denyPermission(acl.Ban, mirror.RootChannel), nil
	}
	now := time.Now()
	bans := bansFromMessage(bl, now)
	h.bans.Replace(bans)
	if err := h.st.SetBans(bans); err != nil {
		h.log.Warn("persist ban list failed", "error", err)
	}
	h.broadcastBanList()
	h.enforceBans(actor.ID, now)
	h.log.Info("ban list replaced", "entries", len(bans), "actor", actor.ID)
	return okResult, nil
}

// enforceBans disconnects every live session the current ban list matches.
func (h *Hub) enforceBans(actor uint32, now time.Time) {
	for _, s := range h.sessions.All() {
		m, _ := h.getMeta(s.ID)
		ban, hit := h.bans.Match(m.Addr, s.CertHash, now)
		if !hit {
			continue
		}
		reason := ban.Reason
		if reason == "" {
			reason = "Banned"
		}
		out := &mumbleproto.UserRemove{
			Session: mumbleproto.Uint32(s.ID),
			Actor:   mumbleproto.Uint32(actor),
			Reason:  mumbleproto.String(reason),
			Ban:     mumbleproto.Bool(true),
		}
		data, _ := out.MarshalBinary()
		if err := h.registry.NotifyEdge(s.EdgeID, hublink.MethodKick, hublink.KickParams{
			Session: s.ID,
			Message: data,
		}); err != nil {
			h.log.Warn("ban kick notify failed", "session", s.ID, "error", err)
		}
		h.sessions.Remove(s.ID)
		h.dropMeta(s.ID)
		h.alloc.Release(s.ID)
		h.broadcast(out, actor, nil)
	}
}

func (h *Hub) handleQueryUsers(q *mumbleproto.QueryUsers) (*hublink.HandleResult, error) {
	ids := make([]int32, 0, len(q.IDs))
	for _, id := range q.IDs {
		ids = append(ids, int32(id))
	}
	byName, byID, err := h.st.FindUsers(q.Names, ids)
	if err != nil {
		return nil, fmt.Errorf("hub: query users: %w", err)
	}
	reply := &mumbleproto.QueryUsers{}
	for _, name := range q.Names {
		if id, ok := byName[name]; ok {
			reply.IDs = append(reply.IDs, uint32(id))
			reply.Names = append(reply.Names, name)
		}
	}
	for _, id := range ids {
		if name, ok := byID[id]; ok {
			reply.IDs = append(reply.IDs, uint32(id))
			reply.Names = append(reply.Names, name)
		}
	}
	f, err := frameOf(reply)
	if err != nil {
		return nil, err
	}
	return &hublink.HandleResult{Reply: &f}, nil
}

func (h *Hub) handleUserList(actor mirror.Session, ul *mumbleproto.UserList) (*hublink.HandleResult, error) {
	if !h.hasPermission(actor, mirror.RootChannel, acl.Register) {
		return denyPermission(acl.Register, mirror.RootChannel), nil
	}

	if len(ul.Users) == 0 {
		users, err := h.st.ListUsers()
		if err != nil {
			return nil, fmt.Errorf("hub: list users: %w", err)
		}
		reply := &mumbleproto.UserList{}
		for _, u := range users {
			e := mumbleproto.UserListEntry{
				UserID: mumbleproto.Uint32(uint32(u.UserID)),
				Name:   mumbleproto.String(u.Name),
			}
			if u.LastActive > 0 {
				e.LastSeen = mumbleproto.String(time.Unix(u.LastActive, 0).UTC().Format(time.RFC3339))
			}
			reply.Users = append(reply.Users, e)
		}
		f, err := frameOf(reply)
		if err != nil {
			return nil, err
		}
		return &hublink.HandleResult{Reply: &f}, nil
	}

	for _, e := range ul.Users {
		if e.UserID == nil {
			continue
		}
		id := int32(*e.UserID)
		if e.Name == nil || *e.Name == "" {
			if err := h.st.DeleteUser(id); err != nil {
				h.log.Warn("deregister failed", "user", id, "error", err)
			}
			continue
		}
		if !h.cfg.ValidUsername(*e.Name) {
			return denyTyped(mumbleproto.DenyUserName, "Invalid name"), nil
		}
		if err := h.st.RenameUser(id, *e.Name); err != nil {
			h.log.Warn("rename failed", "user", id, "error", err)
		}
	}
	return okResult, nil
}

// maybeOffload stores a string payload as a blob when it exceeds the inline
// limit, returning its hash, or nil to keep it inline.
func (h *Hub) maybeOffload(s string) []byte {
	if len(s) <= inlineBlobMax {
		return nil
	}
	return h.offloadBlob([]byte(s))
}

// offloadBytes is maybeOffload for raw payloads.
func (h *Hub) offloadBytes(b []byte) []byte {
	if len(b) <= inlineBlobMax {
		return nil
	}
	return h.offloadBlob(b)
}
