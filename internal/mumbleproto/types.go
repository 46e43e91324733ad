// Package mumbleproto implements the Mumble 1.4.x control protocol: the
// TCP frame layout, the protobuf message set, the voice packet format, and
// the cluster voice encapsulation used between edges.
package mumbleproto

// Control message type identifiers. The numeric value is the u16 that
// prefixes every TCP frame.
const (
	TypeVersion uint16 = iota
	TypeUDPTunnel
	TypeAuthenticate
	TypePing
	TypeReject
	TypeServerSync
	TypeChannelRemove
	TypeChannelState
	TypeUserRemove
	TypeUserState
	TypeBanList
	TypeTextMessage
	TypePermissionDenied
	TypeACL
	TypeQueryUsers
	TypeCryptSetup
	TypeContextActionModify
	TypeContextAction
	TypeUserList
	TypeVoiceTarget
	TypePermissionQuery
	TypeCodecVersion
	TypeUserStats
	TypeRequestBlob
	TypeServerConfig
	TypeSuggestConfig
)

// Voice packet codec identifiers (the top 3 bits of the voice header byte).
const (
	CodecCeltAlpha uint8 = 0
	CodecPing      uint8 = 1
	CodecSpeex     uint8 = 2
	CodecCeltBeta  uint8 = 3
	CodecOpus      uint8 = 4
)

// Voice target identifiers inside the low 5 bits of the voice header byte.
const (
	TargetNormal   uint8 = 0  // everyone in / listening to / linked with the channel
	TargetLoopback uint8 = 31 // echo back to the sender only
	// 1..30 are whisper targets configured through VoiceTarget.
)

// Reject.Type values.
const (
	RejectNone uint32 = iota
	RejectWrongVersion
	RejectInvalidUsername
	RejectWrongUserPW
	RejectWrongServerPW
	RejectUsernameInUse
	RejectServerFull
	RejectNoCertificate
	RejectAuthenticatorFail
)

// PermissionDenied.Type values.
const (
	DenyText uint32 = iota
	DenyPermission
	DenySuperUser
	DenyChannelName
	DenyTextTooLong
	DenyH9K
	DenyTemporaryChannel
	DenyMissingCertificate
	DenyUserName
	DenyChannelFull
	DenyNestingLimit
	DenyChannelCountLimit
	DenyChannelListenerLimit
	DenyUserListenerLimit
)

// ContextActionModify.Operation values.
const (
	ContextActionAdd    uint32 = 0
	ContextActionRemove uint32 = 1
)

// Context bits for ContextActionModify.Context.
const (
	ContextServer  uint32 = 0x01
	ContextChannel uint32 = 0x02
	ContextUser    uint32 = 0x04
)

var typeNames = map[uint16]string{
	TypeVersion:             "Version",
	TypeUDPTunnel:           "UDPTunnel",
	TypeAuthenticate:        "Authenticate",
	TypePing:                "Ping",
	TypeReject:              "Reject",
	TypeServerSync:          "ServerSync",
	TypeChannelRemove:       "ChannelRemove",
	TypeChannelState:        "ChannelState",
	TypeUserRemove:          "UserRemove",
	TypeUserState:           "UserState",
	TypeBanList:             "BanList",
	TypeTextMessage:         "TextMessage",
	TypePermissionDenied:    "PermissionDenied",
	TypeACL:                 "ACL",
	TypeQueryUsers:          "QueryUsers",
	TypeCryptSetup:          "CryptSetup",
	TypeContextActionModify: "ContextActionModify",
	TypeContextAction:       "ContextAction",
	TypeUserList:            "UserList",
	TypeVoiceTarget:         "VoiceTarget",
	TypePermissionQuery:     "PermissionQuery",
	TypeCodecVersion:        "CodecVersion",
	TypeUserStats:           "UserStats",
	TypeRequestBlob:         "RequestBlob",
	TypeServerConfig:        "ServerConfig",
	TypeSuggestConfig:       "SuggestConfig",
}

// TypeName returns a human-readable name for a message type, for logging.
func TypeName(t uint16) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// Helpers for building optional protobuf fields.

// Uint32 returns a pointer to v.
func Uint32(v uint32) *uint32 { return &v }

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 { return &v }

// Int32 returns a pointer to v.
func Int32(v int32) *int32 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Float32 returns a pointer to v.
func Float32(v float32) *float32 { return &v }
