package client

import "humble/internal/mumbleproto"

// Event is one item on the client's event stream. Switch on the concrete
// type to handle it.
type Event interface {
	event()
}

// ConnectEvent signals that the login sequence completed and the local view
// of channels and users is populated.
type ConnectEvent struct {
	Session     uint32
	WelcomeText string
}

// RejectEvent signals that the server refused the connection. A
// DisconnectEvent follows once the server drops the link.
type RejectEvent struct {
	Message *mumbleproto.Reject
}

// UserChangeEvent reports a session appearing, changing, or leaving.
type UserChangeEvent struct {
	User    User
	Removed bool
	// Reason and Banned are set when the removal was a kick.
	Reason string
	Banned bool
}

// ChannelChangeEvent reports a channel appearing, changing, or being removed.
type ChannelChangeEvent struct {
	Channel Channel
	Removed bool
}

// TextMessageEvent carries an incoming text message.
type TextMessageEvent struct {
	Message *mumbleproto.TextMessage
}

// PermissionDeniedEvent reports a refused operation.
type PermissionDeniedEvent struct {
	Message *mumbleproto.PermissionDenied
}

// DisconnectEvent is the final event on the stream. Err is nil when the
// client closed the connection itself.
type DisconnectEvent struct {
	Err error
}

func (ConnectEvent) event()          {}
func (RejectEvent) event()           {}
func (UserChangeEvent) event()       {}
func (ChannelChangeEvent) event()    {}
func (TextMessageEvent) event()      {}
func (PermissionDeniedEvent) event() {}
func (DisconnectEvent) event()       {}
