package edge

import (
	"humble/internal/acl"
	"humble/internal/mirror"
	"humble/internal/mumbleproto"
)

// routeVoice handles one decrypted voice packet from a local sender,
// whether it arrived as a UDP datagram or inside a UDPTunnel frame.
func (e *Edge) routeVoice(sender *Client, packet []byte) {
	vp, err := mumbleproto.ParseVoice(packet, false)
	if err != nil {
		e.log.Debug("malformed voice packet", "session", sender.session, "error", err)
		return
	}

	state, ok := e.sessions.Get(sender.session)
	if !ok {
		return
	}
	if state.Mute || state.SelfMute || state.Suppress {
		return
	}

	vp.Session = sender.session
	plain := vp.Encode(true)

	if vp.Target == mumbleproto.TargetLoopback {
		e.deliverLocal(sender, plain)
		return
	}

	var recipients map[uint32]mirror.Session
	if vp.Target == mumbleproto.TargetNormal {
		recipients = e.channelRecipients(state.ChannelID)
	} else {
		recipients = e.whisperRecipients(sender, vp.Target)
	}
	delete(recipients, sender.session)

	remote := make(map[string][]uint32)
	for id, s := range recipients {
		if s.Deaf || s.SelfDeaf {
			continue
		}
		if s.EdgeID == e.id {
			if c, local := e.client(id); local {
				e.deliverLocal(c, plain)
			}
			continue
		}
		remote[s.EdgeID] = append(remote[s.EdgeID], id)
	}

	if len(remote) == 0 || e.cluster == nil {
		return
	}
	header := mumbleproto.ClusterVoiceHeader{
		SenderSession: sender.session,
		Sequence:      uint32(vp.Sequence),
		Codec:         vp.Codec,
	}
	if vp.Target == mumbleproto.TargetNormal {
		// Channel talk is resolvable from any edge's mirror; one datagram
		// per edge suffices.
		header.TargetID = mumbleproto.ClusterBroadcastTarget
		for edgeID := range remote {
			e.cluster.sendTo(edgeID, header, packet)
		}
		return
	}
	// Whisper slots live only on the sending edge, so remote recipients are
	// addressed individually.
	for edgeID, sessions := range remote {
		for _, id := range sessions {
			header.TargetID = id
			e.cluster.sendTo(edgeID, header, packet)
		}
	}
}

// deliverLocal re-encrypts the sender-stamped packet for one local client
// and sends it over the client's preferred path.
func (e *Edge) deliverLocal(c *Client, plain []byte) {
	if c.state.Load() != stateReady || c.crypt == nil {
		return
	}
	if addr, ok := c.udpEndpoint(); ok && e.voice != nil {
		e.voice.send(addr, c.crypt.Encrypt(plain))
		return
	}
	c.send(mumbleproto.TypeUDPTunnel, plain)
}

// channelRecipients resolves normal talking: occupants of the channel,
// everyone listening to it, and occupants of linked channels.
func (e *Edge) channelRecipients(channelID uint32) map[uint32]mirror.Session {
	out := make(map[uint32]mirror.Session)
	for _, s := range e.sessions.InChannel(channelID) {
		out[s.ID] = s
	}
	for _, s := range e.sessions.ListeningTo(channelID) {
		out[s.ID] = s
	}
	for _, linked := range e.channels.LinkedWith(channelID) {
		for _, s := range e.sessions.InChannel(linked) {
			out[s.ID] = s
		}
	}
	return out
}

// whisperRecipients resolves a configured whisper slot: named sessions plus
// channel wildcards with optional subtree, link, and group restrictions.
// The sender needs Whisper on each targeted channel.
func (e *Edge) whisperRecipients(sender *Client, target uint8) map[uint32]mirror.Session {
	out := make(map[uint32]mirror.Session)
	entries := sender.targets.Get(target)
	for _, entry := range entries {
		for _, id := range entry.Session {
			if s, ok := e.sessions.Get(id); ok {
				out[s.ID] = s
			}
		}
		if entry.ChannelID == nil {
			continue
		}
		base := *entry.ChannelID
		channels := []uint32{base}
		if entry.Children != nil && *entry.Children {
			channels = e.channels.Subtree(base)
		}
		if entry.Links != nil && *entry.Links {
			channels = append(channels, e.channels.LinkedWith(base)...)
		}
		for _, ch := range channels {
			if !e.hasPermission(sender, ch, acl.Whisper) {
				continue
			}
			for _, s := range e.sessions.InChannel(ch) {
				if e.groupMatch(ch, entry.Group, s) {
					out[s.ID] = s
				}
			}
			for _, s := range e.sessions.ListeningTo(ch) {
				if e.groupMatch(ch, entry.Group, s) {
					out[s.ID] = s
				}
			}
		}
	}
	return out
}

// groupMatch applies an optional whisper group filter against the mirrored
// group definitions of the target channel.
func (e *Edge) groupMatch(channelID uint32, group *string, s mirror.Session) bool {
	if group == nil || *group == "" {
		return true
	}
	chain := e.channels.Chain(channelID)
	if chain == nil {
		return false
	}
	return acl.IsMember(chain, len(chain)-1, *group, acl.Context{UserID: s.UserID})
}

// deliverClusterVoice handles a datagram relayed by a peer edge: either a
// channel-talk broadcast to be resolved against the local mirror, or a
// whisper addressed to one local session.
func (e *Edge) deliverClusterVoice(header mumbleproto.ClusterVoiceHeader, packet []byte) {
	vp, err := mumbleproto.ParseVoice(packet, false)
	if err != nil {
		return
	}
	vp.Session = header.SenderSession
	plain := vp.Encode(true)

	if header.TargetID != mumbleproto.ClusterBroadcastTarget {
		s, ok := e.sessions.Get(header.TargetID)
		if !ok || s.Deaf || s.SelfDeaf {
			return
		}
		if c, local := e.client(header.TargetID); local {
			e.deliverLocal(c, plain)
		}
		return
	}

	sender, ok := e.sessions.Get(header.SenderSession)
	if !ok {
		return
	}
	for id, s := range e.channelRecipients(sender.ChannelID) {
		if id == header.SenderSession || s.Deaf || s.SelfDeaf || s.EdgeID != e.id {
			continue
		}
		if c, local := e.client(id); local {
			e.deliverLocal(c, plain)
		}
	}
}
