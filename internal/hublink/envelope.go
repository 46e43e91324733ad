// Package hublink is the bidirectional request/notify channel between an
// edge and the hub: newline-delimited JSON envelopes on a single QUIC
// stream. The hub listens; edges dial and keep one persistent connection.
package hublink

import "encoding/json"

// Envelope is one wire message. A request carries a nonzero ID and expects
// an envelope with the same ID and Reply set; a notification carries ID 0.
// Broadcast notifications from the hub carry a per-edge Seq so an edge can
// detect replay order after a reconnect.
type Envelope struct {
	Method string          `json:"method,omitempty"`
	ID     uint64          `json:"id,omitempty"`
	Reply  bool            `json:"reply,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  string          `json:"error,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
}

// Methods an edge calls on the hub.
const (
	MethodRegister       = "edge.register"
	MethodConfirmJoin    = "edge.confirmJoin"
	MethodHeartbeat      = "edge.heartbeat"
	MethodAllocSession   = "edge.allocateSessionId"
	MethodReleaseSession = "edge.releaseSessionId"
	MethodFullSync       = "edge.fullSync"
	MethodGetACLs        = "edge.getACLs"

	MethodAuthenticate        = "hub.authenticate"
	MethodHandleUserState     = "hub.handleUserState"
	MethodHandleUserRemove    = "hub.handleUserRemove"
	MethodHandleChannelState  = "hub.handleChannelState"
	MethodHandleChannelRemove = "hub.handleChannelRemove"
	MethodHandleTextMessage   = "hub.handleTextMessage"
	MethodHandleACL           = "hub.handleACL"
	MethodHandleBanList       = "hub.handleBanList"
	MethodHandleQueryUsers    = "hub.handleQueryUsers"
	MethodHandleUserList      = "hub.handleUserList"
	MethodGetBlob             = "hub.getBlob"
	MethodSessionClosed       = "hub.sessionClosed"
)

// Broadcast notifications the hub sends to every edge.
const (
	MethodUserJoined       = "hub.userJoined"
	MethodUserLeft         = "hub.userLeft"
	MethodUserState        = "hub.userStateBroadcast"
	MethodUserRemove       = "hub.userRemoveBroadcast"
	MethodChannelState     = "hub.channelStateBroadcast"
	MethodChannelRemove    = "hub.channelRemoveBroadcast"
	MethodTextMessage      = "hub.textMessageBroadcast"
	MethodBanListBroadcast = "hub.banListBroadcast"

	MethodPeerJoined = "edge.peerJoined"
	MethodPeerLeft   = "edge.peerLeft"
	MethodACLUpdated = "edge.aclUpdated"
	MethodKick       = "edge.kick"
)

// PeerInfo describes one edge to the rest of the cluster.
type PeerInfo struct {
	EdgeID    string `json:"edge_id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	VoicePort int    `json:"voice_port"`
	Capacity  int    `json:"capacity"`
}

// RegisterParams opens a join: the hub serializes joins and answers with a
// token, the current peer set, and the time budget to connect to them all.
type RegisterParams struct {
	Peer PeerInfo `json:"peer"`
}

type RegisterResult struct {
	Token           string     `json:"token"`
	Peers           []PeerInfo `json:"peers"`
	JoinTimeoutSecs int        `json:"join_timeout_secs"`
	// LastSeq is the newest broadcast sequence the hub had assigned to this
	// edge before a reconnect; 0 for a first join.
	LastSeq uint64 `json:"last_seq"`
}

// ConfirmJoinParams completes a join once the edge has reached every peer.
// LastApplied is the newest broadcast sequence the edge had applied before
// reconnecting; the hub replays anything newer, or orders a resync when the
// gap outgrew its cache.
type ConfirmJoinParams struct {
	Token          string   `json:"token"`
	ConnectedPeers []string `json:"connected_peers"`
	LastApplied    uint64   `json:"last_applied,omitempty"`
}

type ConfirmJoinResult struct {
	Resync bool `json:"resync,omitempty"`
}

type HeartbeatParams struct {
	EdgeID       string `json:"edge_id"`
	Sessions     int    `json:"sessions"`
	BandwidthBps int64  `json:"bandwidth_bps"`
}

type AllocSessionResult struct {
	Session uint32 `json:"session"`
}

type ReleaseSessionParams struct {
	Session uint32 `json:"session"`
}

// Frame carries one marshaled control-protocol message: Kind is the frame
// type id, Message the protobuf payload bytes.
type Frame struct {
	Kind    uint16 `json:"kind"`
	Message []byte `json:"message"`
}

// SessionState is the hub's view of one session, shipped in full syncs and
// userJoined broadcasts alongside the marshaled UserState frame.
type SessionState struct {
	Session uint32 `json:"session"`
	EdgeID  string `json:"edge_id"`
	State   []byte `json:"state"`
}

// BanEntry mirrors one ban list row.
type BanEntry struct {
	Address      []byte `json:"address,omitempty"`
	Mask         int    `json:"mask,omitempty"`
	Name         string `json:"name,omitempty"`
	CertHash     string `json:"cert_hash,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Start        int64  `json:"start,omitempty"`
	DurationSecs int64  `json:"duration_secs,omitempty"`
}

// FullSyncResult hydrates an edge mirror in one shot. Channels come in the
// two-pass-safe order (root first, ascending id).
type FullSyncResult struct {
	Seq      uint64         `json:"seq"`
	Channels []Frame        `json:"channels"`
	ACLs     []Frame        `json:"acls"`
	Sessions []SessionState `json:"sessions"`
	Bans     []BanEntry     `json:"bans"`
}

type GetACLsParams struct {
	ChannelID uint32 `json:"channel_id"`
}

type GetACLsResult struct {
	Message []byte `json:"message"`
}

// AuthenticateParams forwards a client's Authenticate to the hub together
// with the connection facts only the edge knows.
type AuthenticateParams struct {
	EdgeID   string `json:"edge_id"`
	Session  uint32 `json:"session"`
	Address  string `json:"address"`
	CertHash string `json:"cert_hash"`
	Message  []byte `json:"message"`
}

// AuthenticateResult is the hub's verdict. Reject carries a marshaled
// Reject frame when the credentials are refused.
type AuthenticateResult struct {
	UserID    int32    `json:"user_id"`
	Name      string   `json:"name"`
	Groups    []string `json:"groups,omitempty"`
	ChannelID uint32   `json:"channel_id"`
	Reject    []byte   `json:"reject,omitempty"`
}

// HandleParams forwards one mutating client message for authoritative
// processing. Actor is the originating session.
type HandleParams struct {
	EdgeID  string `json:"edge_id"`
	Actor   uint32 `json:"actor"`
	Kind    uint16 `json:"kind"`
	Message []byte `json:"message"`
}

// HandleResult is empty on success; Denied carries a marshaled
// PermissionDenied frame the edge sends back to the actor, and Reply an
// optional direct answer frame (ACL query, ban list query).
type HandleResult struct {
	Denied []byte `json:"denied,omitempty"`
	Reply  *Frame `json:"reply,omitempty"`
}

// Broadcast is the shared payload of every hub.*Broadcast notification.
// Sessions, when present, limits delivery to the named recipients
// (text messages); EdgeID names the owning edge on userJoined.
type Broadcast struct {
	Seq      uint64   `json:"seq"`
	Kind     uint16   `json:"kind"`
	Message  []byte   `json:"message"`
	Sessions []uint32 `json:"sessions,omitempty"`
	Actor    uint32   `json:"actor,omitempty"`
	EdgeID   string   `json:"edge_id,omitempty"`
}

type ACLUpdatedParams struct {
	ChannelID uint32 `json:"channel_id"`
}

type PeerLeftParams struct {
	EdgeID string `json:"edge_id"`
}

type KickParams struct {
	Session uint32 `json:"session"`
	Message []byte `json:"message"`
}

type GetBlobParams struct {
	Hash string `json:"hash"`
}

type GetBlobResult struct {
	Data []byte `json:"data"`
}

type SessionClosedParams struct {
	EdgeID  string `json:"edge_id"`
	Session uint32 `json:"session"`
}
