package client

import (
	"context"
	"fmt"
	"strings"

	"humble/internal/mumbleproto"
)

func (c *Client) requireSync() error {
	if !c.Synced() {
		return fmt.Errorf("client: not connected")
	}
	return nil
}

// Join moves the client into a channel.
func (c *Client) Join(channelID uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session:   mumbleproto.Uint32(c.Session()),
		ChannelID: mumbleproto.Uint32(channelID),
	})
}

// SetSelfMute sets the client's self-mute flag. Unmuting also clears
// self-deaf, matching stock client behavior.
func (c *Client) SetSelfMute(mute bool) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	msg := &mumbleproto.UserState{
		Session:  mumbleproto.Uint32(c.Session()),
		SelfMute: mumbleproto.Bool(mute),
	}
	if !mute {
		msg.SelfDeaf = mumbleproto.Bool(false)
	}
	return c.conn.WriteMessage(msg)
}

// SetSelfDeaf sets the client's self-deaf flag. Deafening implies self-mute.
func (c *Client) SetSelfDeaf(deaf bool) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	msg := &mumbleproto.UserState{
		Session:  mumbleproto.Uint32(c.Session()),
		SelfDeaf: mumbleproto.Bool(deaf),
	}
	if deaf {
		msg.SelfMute = mumbleproto.Bool(true)
	}
	return c.conn.WriteMessage(msg)
}

// SetComment publishes the client's comment text.
func (c *Client) SetComment(comment string) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session: mumbleproto.Uint32(c.Session()),
		Comment: mumbleproto.String(comment),
	})
}

// Listen subscribes the client to a channel's audio without joining it.
func (c *Client) Listen(channelID uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session:             mumbleproto.Uint32(c.Session()),
		ListeningChannelAdd: []uint32{channelID},
	})
}

// Unlisten removes a listening subscription.
func (c *Client) Unlisten(channelID uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session:                mumbleproto.Uint32(c.Session()),
		ListeningChannelRemove: []uint32{channelID},
	})
}

// RegisterSelf asks the server to register the client's certificate under
// its current name.
func (c *Client) RegisterSelf() error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session: mumbleproto.Uint32(c.Session()),
		UserID:  mumbleproto.Uint32(0),
	})
}

// SendText sends a text message to sessions, channels, or whole subtrees.
// At least one destination must be given.
func (c *Client) SendText(message string, sessions, channels, trees []uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	if len(sessions) == 0 && len(channels) == 0 && len(trees) == 0 {
		return fmt.Errorf("client: text message needs a destination")
	}
	return c.conn.WriteMessage(&mumbleproto.TextMessage{
		Session:   sessions,
		ChannelID: channels,
		TreeID:    trees,
		Message:   mumbleproto.String(message),
	})
}

// SendTextToChannel sends a text message to the given channel.
func (c *Client) SendTextToChannel(channelID uint32, message string) error {
	return c.SendText(message, nil, []uint32{channelID}, nil)
}

// CreateChannel creates a channel under parent and waits for the server to
// echo it back, returning the new channel with its assigned id. A
// PermissionDenied outcome surfaces as an event, and the call times out.
func (c *Client) CreateChannel(ctx context.Context, parent uint32, name string, temporary bool) (Channel, error) {
	if err := c.requireSync(); err != nil {
		return Channel{}, err
	}
	w := c.await(mumbleproto.TypeChannelState, func(msg mumbleproto.Message) bool {
		m, ok := msg.(*mumbleproto.ChannelState)
		return ok && m.ChannelID != nil && m.Name != nil && *m.Name == name &&
			m.Parent != nil && *m.Parent == parent
	})
	err := c.conn.WriteMessage(&mumbleproto.ChannelState{
		Parent:    mumbleproto.Uint32(parent),
		Name:      mumbleproto.String(name),
		Temporary: mumbleproto.Bool(temporary),
	})
	if err != nil {
		c.cancelWait(mumbleproto.TypeChannelState, w)
		return Channel{}, err
	}
	msg, err := c.wait(ctx, mumbleproto.TypeChannelState, w)
	if err != nil {
		return Channel{}, err
	}
	id := *msg.(*mumbleproto.ChannelState).ChannelID
	ch, ok := c.Channel(id)
	if !ok {
		ch = Channel{ID: id, Parent: parent, Name: name, Temporary: temporary}
	}
	return ch, nil
}

// RemoveChannel deletes a channel and its subtree.
func (c *Client) RemoveChannel(channelID uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.ChannelRemove{
		ChannelID: mumbleproto.Uint32(channelID),
	})
}

// LinkChannels adds links from a channel to the given targets.
func (c *Client) LinkChannels(channelID uint32, targets ...uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.ChannelState{
		ChannelID: mumbleproto.Uint32(channelID),
		LinksAdd:  targets,
	})
}

// UnlinkChannels removes links from a channel to the given targets.
func (c *Client) UnlinkChannels(channelID uint32, targets ...uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.ChannelState{
		ChannelID:   mumbleproto.Uint32(channelID),
		LinksRemove: targets,
	})
}

// Mute sets or clears another session's server mute. Requires MuteDeafen on
// the target's channel.
func (c *Client) Mute(session uint32, mute bool) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session: mumbleproto.Uint32(session),
		Mute:    mumbleproto.Bool(mute),
	})
}

// Deafen sets or clears another session's server deafen.
func (c *Client) Deafen(session uint32, deaf bool) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session: mumbleproto.Uint32(session),
		Deaf:    mumbleproto.Bool(deaf),
	})
}

// Move places another session into a channel.
func (c *Client) Move(session, channelID uint32) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserState{
		Session:   mumbleproto.Uint32(session),
		ChannelID: mumbleproto.Uint32(channelID),
	})
}

// Kick disconnects another session.
func (c *Client) Kick(session uint32, reason string) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserRemove{
		Session: mumbleproto.Uint32(session),
		Reason:  mumbleproto.String(reason),
	})
}

// Ban kicks another session and records a ban against its address and
// certificate.
func (c *Client) Ban(session uint32, reason string) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	return c.conn.WriteMessage(&mumbleproto.UserRemove{
		Session: mumbleproto.Uint32(session),
		Reason:  mumbleproto.String(reason),
		Ban:     mumbleproto.Bool(true),
	})
}

// SetVoiceTarget configures a whisper slot (1..30) with the given targets.
// Sending voice with that target id then whispers to the configured set.
func (c *Client) SetVoiceTarget(id uint8, targets []mumbleproto.VoiceTargetEntry) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	if id < 1 || id > 30 {
		return fmt.Errorf("client: voice target id %d out of range", id)
	}
	return c.conn.WriteMessage(&mumbleproto.VoiceTarget{
		ID:      mumbleproto.Uint32(uint32(id)),
		Targets: targets,
	})
}

// ClearVoiceTarget removes a whisper slot's configuration.
func (c *Client) ClearVoiceTarget(id uint8) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	if id < 1 || id > 30 {
		return fmt.Errorf("client: voice target id %d out of range", id)
	}
	return c.conn.WriteMessage(&mumbleproto.VoiceTarget{
		ID: mumbleproto.Uint32(uint32(id)),
	})
}

// QueryACL fetches a channel's groups and rules. Requires Write on the
// channel.
func (c *Client) QueryACL(ctx context.Context, channelID uint32) (*mumbleproto.ACL, error) {
	if err := c.requireSync(); err != nil {
		return nil, err
	}
	w := c.await(mumbleproto.TypeACL, func(msg mumbleproto.Message) bool {
		m, ok := msg.(*mumbleproto.ACL)
		return ok && m.ChannelID != nil && *m.ChannelID == channelID
	})
	err := c.conn.WriteMessage(&mumbleproto.ACL{
		ChannelID: mumbleproto.Uint32(channelID),
		Query:     mumbleproto.Bool(true),
	})
	if err != nil {
		c.cancelWait(mumbleproto.TypeACL, w)
		return nil, err
	}
	msg, err := c.wait(ctx, mumbleproto.TypeACL, w)
	if err != nil {
		return nil, err
	}
	return msg.(*mumbleproto.ACL), nil
}

// SetACL replaces a channel's groups and rules.
func (c *Client) SetACL(acl *mumbleproto.ACL) error {
	if err := c.requireSync(); err != nil {
		return err
	}
	if acl.ChannelID == nil {
		return fmt.Errorf("client: acl needs a channel id")
	}
	return c.conn.WriteMessage(acl)
}

// QueryBans fetches the server ban list. Requires root Write.
func (c *Client) QueryBans(ctx context.Context) (*mumbleproto.BanList, error) {
	if err := c.requireSync(); err != nil {
		return nil, err
	}
	w := c.await(mumbleproto.TypeBanList, nil)
	if err := c.conn.WriteMessage(&mumbleproto.BanList{Query: mumbleproto.Bool(true)}); err != nil {
		c.cancelWait(mumbleproto.TypeBanList, w)
		return nil, err
	}
	msg, err := c.wait(ctx, mumbleproto.TypeBanList, w)
	if err != nil {
		return nil, err
	}
	return msg.(*mumbleproto.BanList), nil
}

// QueryRegisteredUsers fetches the registered-user list, optionally
// filtered by a name substring.
func (c *Client) QueryRegisteredUsers(ctx context.Context, filter string) (*mumbleproto.UserList, error) {
	if err := c.requireSync(); err != nil {
		return nil, err
	}
	w := c.await(mumbleproto.TypeUserList, nil)
	if err := c.conn.WriteMessage(&mumbleproto.UserList{}); err != nil {
		c.cancelWait(mumbleproto.TypeUserList, w)
		return nil, err
	}
	msg, err := c.wait(ctx, mumbleproto.TypeUserList, w)
	if err != nil {
		return nil, err
	}
	list := msg.(*mumbleproto.UserList)
	if filter == "" {
		return list, nil
	}
	filtered := &mumbleproto.UserList{}
	for _, u := range list.Users {
		if u.Name != nil && strings.Contains(strings.ToLower(*u.Name), strings.ToLower(filter)) {
			filtered.Users = append(filtered.Users, u)
		}
	}
	return filtered, nil
}

// QueryUserStats fetches connection statistics for a session.
func (c *Client) QueryUserStats(ctx context.Context, session uint32, statsOnly bool) (*mumbleproto.UserStats, error) {
	if err := c.requireSync(); err != nil {
		return nil, err
	}
	w := c.await(mumbleproto.TypeUserStats, func(msg mumbleproto.Message) bool {
		m, ok := msg.(*mumbleproto.UserStats)
		return ok && m.Session != nil && *m.Session == session
	})
	err := c.conn.WriteMessage(&mumbleproto.UserStats{
		Session:   mumbleproto.Uint32(session),
		StatsOnly: mumbleproto.Bool(statsOnly),
	})
	if err != nil {
		c.cancelWait(mumbleproto.TypeUserStats, w)
		return nil, err
	}
	msg, err := c.wait(ctx, mumbleproto.TypeUserStats, w)
	if err != nil {
		return nil, err
	}
	return msg.(*mumbleproto.UserStats), nil
}

// QueryPermissions fetches the client's effective permission mask on a
// channel.
func (c *Client) QueryPermissions(ctx context.Context, channelID uint32) (uint32, error) {
	if err := c.requireSync(); err != nil {
		return 0, err
	}
	w := c.await(mumbleproto.TypePermissionQuery, func(msg mumbleproto.Message) bool {
		m, ok := msg.(*mumbleproto.PermissionQuery)
		return ok && m.ChannelID != nil && *m.ChannelID == channelID
	})
	err := c.conn.WriteMessage(&mumbleproto.PermissionQuery{
		ChannelID: mumbleproto.Uint32(channelID),
	})
	if err != nil {
		c.cancelWait(mumbleproto.TypePermissionQuery, w)
		return 0, err
	}
	msg, err := c.wait(ctx, mumbleproto.TypePermissionQuery, w)
	if err != nil {
		return 0, err
	}
	m := msg.(*mumbleproto.PermissionQuery)
	if m.Permissions == nil {
		return 0, nil
	}
	return *m.Permissions, nil
}
