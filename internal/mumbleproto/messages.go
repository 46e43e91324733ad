package mumbleproto

import "fmt"

// Message is one control-protocol message. Optional scalar fields are
// pointers: a nil pointer is absent on the wire, which the protocol treats
// differently from a present zero value in many state fields.
type Message interface {
	Type() uint16
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// New returns an empty message value for the given frame type.
func New(t uint16) (Message, error) {
	switch t {
	case TypeVersion:
		return &Version{}, nil
	case TypeUDPTunnel:
		return &UDPTunnel{}, nil
	case TypeAuthenticate:
		return &Authenticate{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypeReject:
		return &Reject{}, nil
	case TypeServerSync:
		return &ServerSync{}, nil
	case TypeChannelRemove:
		return &ChannelRemove{}, nil
	case TypeChannelState:
		return &ChannelState{}, nil
	case TypeUserRemove:
		return &UserRemove{}, nil
	case TypeUserState:
		return &UserState{}, nil
	case TypeBanList:
		return &BanList{}, nil
	case TypeTextMessage:
		return &TextMessage{}, nil
	case TypePermissionDenied:
		return &PermissionDenied{}, nil
	case TypeACL:
		return &ACL{}, nil
	case TypeQueryUsers:
		return &QueryUsers{}, nil
	case TypeCryptSetup:
		return &CryptSetup{}, nil
	case TypeContextActionModify:
		return &ContextActionModify{}, nil
	case TypeContextAction:
		return &ContextAction{}, nil
	case TypeUserList:
		return &UserList{}, nil
	case TypeVoiceTarget:
		return &VoiceTarget{}, nil
	case TypePermissionQuery:
		return &PermissionQuery{}, nil
	case TypeCodecVersion:
		return &CodecVersion{}, nil
	case TypeUserStats:
		return &UserStats{}, nil
	case TypeRequestBlob:
		return &RequestBlob{}, nil
	case TypeServerConfig:
		return &ServerConfig{}, nil
	case TypeSuggestConfig:
		return &SuggestConfig{}, nil
	}
	return nil, fmt.Errorf("unknown message type %d", t)
}

// Version announces protocol and software version.
type Version struct {
	Version   *uint32
	Release   *string
	Os        *string
	OsVersion *string
}

func (*Version) Type() uint16 { return TypeVersion }

func (m *Version) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Version)
	b = appendString(b, 2, m.Release)
	b = appendString(b, 3, m.Os)
	b = appendString(b, 4, m.OsVersion)
	return b, nil
}

func (m *Version) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Version = Uint32(s.uint32f(num, typ))
		case 2:
			m.Release = String(s.stringf(num, typ))
		case 3:
			m.Os = String(s.stringf(num, typ))
		case 4:
			m.OsVersion = String(s.stringf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// UDPTunnel carries a raw voice packet inside the TCP stream. The payload is
// not protobuf; it is the voice packet bytes verbatim.
type UDPTunnel struct {
	Packet []byte
}

func (*UDPTunnel) Type() uint16 { return TypeUDPTunnel }

func (m *UDPTunnel) MarshalBinary() ([]byte, error) { return m.Packet, nil }

func (m *UDPTunnel) UnmarshalBinary(data []byte) error {
	m.Packet = make([]byte, len(data))
	copy(m.Packet, data)
	return nil
}

// Authenticate carries credentials and codec capabilities.
type Authenticate struct {
	Username     *string
	Password     *string
	Tokens       []string
	CeltVersions []int32
	Opus         *bool
}

func (*Authenticate) Type() uint16 { return TypeAuthenticate }

func (m *Authenticate) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Username)
	b = appendString(b, 2, m.Password)
	b = appendRepString(b, 3, m.Tokens)
	b = appendRepInt32(b, 4, m.CeltVersions)
	b = appendBool(b, 5, m.Opus)
	return b, nil
}

func (m *Authenticate) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Username = String(s.stringf(num, typ))
		case 2:
			m.Password = String(s.stringf(num, typ))
		case 3:
			m.Tokens = append(m.Tokens, s.stringf(num, typ))
		case 4:
			s.repInt32(num, typ, &m.CeltVersions)
		case 5:
			m.Opus = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// Ping carries keepalive and transport quality statistics.
type Ping struct {
	Timestamp  *uint64
	Good       *uint32
	Late       *uint32
	Lost       *uint32
	Resync     *uint32
	UDPPackets *uint32
	TCPPackets *uint32
	UDPPingAvg *float32
	UDPPingVar *float32
	TCPPingAvg *float32
	TCPPingVar *float32
}

func (*Ping) Type() uint16 { return TypePing }

func (m *Ping) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint64(b, 1, m.Timestamp)
	b = appendUint32(b, 2, m.Good)
	b = appendUint32(b, 3, m.Late)
	b = appendUint32(b, 4, m.Lost)
	b = appendUint32(b, 5, m.Resync)
	b = appendUint32(b, 6, m.UDPPackets)
	b = appendUint32(b, 7, m.TCPPackets)
	b = appendFloat32(b, 8, m.UDPPingAvg)
	b = appendFloat32(b, 9, m.UDPPingVar)
	b = appendFloat32(b, 10, m.TCPPingAvg)
	b = appendFloat32(b, 11, m.TCPPingVar)
	return b, nil
}

func (m *Ping) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Timestamp = Uint64(s.varint(num, typ))
		case 2:
			m.Good = Uint32(s.uint32f(num, typ))
		case 3:
			m.Late = Uint32(s.uint32f(num, typ))
		case 4:
			m.Lost = Uint32(s.uint32f(num, typ))
		case 5:
			m.Resync = Uint32(s.uint32f(num, typ))
		case 6:
			m.UDPPackets = Uint32(s.uint32f(num, typ))
		case 7:
			m.TCPPackets = Uint32(s.uint32f(num, typ))
		case 8:
			m.UDPPingAvg = Float32(s.float32f(num, typ))
		case 9:
			m.UDPPingVar = Float32(s.float32f(num, typ))
		case 10:
			m.TCPPingAvg = Float32(s.float32f(num, typ))
		case 11:
			m.TCPPingVar = Float32(s.float32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// Reject terminates an authentication attempt.
type Reject struct {
	RejectType *uint32
	Reason     *string
}

func (*Reject) Type() uint16 { return TypeReject }

func (m *Reject) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.RejectType)
	b = appendString(b, 2, m.Reason)
	return b, nil
}

func (m *Reject) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.RejectType = Uint32(s.uint32f(num, typ))
		case 2:
			m.Reason = String(s.stringf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ServerSync completes the login sequence.
type ServerSync struct {
	Session      *uint32
	MaxBandwidth *uint32
	WelcomeText  *string
	Permissions  *uint64
}

func (*ServerSync) Type() uint16 { return TypeServerSync }

func (m *ServerSync) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendUint32(b, 2, m.MaxBandwidth)
	b = appendString(b, 3, m.WelcomeText)
	b = appendUint64(b, 4, m.Permissions)
	return b, nil
}

func (m *ServerSync) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Session = Uint32(s.uint32f(num, typ))
		case 2:
			m.MaxBandwidth = Uint32(s.uint32f(num, typ))
		case 3:
			m.WelcomeText = String(s.stringf(num, typ))
		case 4:
			m.Permissions = Uint64(s.varint(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ChannelRemove deletes a channel (and, server-side, its subtree).
type ChannelRemove struct {
	ChannelID *uint32
}

func (*ChannelRemove) Type() uint16 { return TypeChannelRemove }

func (m *ChannelRemove) MarshalBinary() ([]byte, error) {
	return appendUint32(nil, 1, m.ChannelID), nil
}

func (m *ChannelRemove) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.ChannelID = Uint32(s.uint32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ChannelState creates or updates a channel.
type ChannelState struct {
	ChannelID         *uint32
	Parent            *uint32
	Name              *string
	Links             []uint32
	Description       *string
	LinksAdd          []uint32
	LinksRemove       []uint32
	Temporary         *bool
	Position          *int32
	DescriptionHash   []byte
	MaxUsers          *uint32
	IsEnterRestricted *bool
	CanEnter          *bool
}

func (*ChannelState) Type() uint16 { return TypeChannelState }

func (m *ChannelState) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.ChannelID)
	b = appendUint32(b, 2, m.Parent)
	b = appendString(b, 3, m.Name)
	b = appendRepUint32(b, 4, m.Links)
	b = appendString(b, 5, m.Description)
	b = appendRepUint32(b, 6, m.LinksAdd)
	b = appendRepUint32(b, 7, m.LinksRemove)
	b = appendBool(b, 8, m.Temporary)
	b = appendInt32(b, 9, m.Position)
	b = appendBytes(b, 10, m.DescriptionHash)
	b = appendUint32(b, 11, m.MaxUsers)
	b = appendBool(b, 12, m.IsEnterRestricted)
	b = appendBool(b, 13, m.CanEnter)
	return b, nil
}

func (m *ChannelState) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.ChannelID = Uint32(s.uint32f(num, typ))
		case 2:
			m.Parent = Uint32(s.uint32f(num, typ))
		case 3:
			m.Name = String(s.stringf(num, typ))
		case 4:
			s.repUint32(num, typ, &m.Links)
		case 5:
			m.Description = String(s.stringf(num, typ))
		case 6:
			s.repUint32(num, typ, &m.LinksAdd)
		case 7:
			s.repUint32(num, typ, &m.LinksRemove)
		case 8:
			m.Temporary = Bool(s.boolf(num, typ))
		case 9:
			m.Position = Int32(s.int32f(num, typ))
		case 10:
			m.DescriptionHash = s.bytesf(num, typ)
		case 11:
			m.MaxUsers = Uint32(s.uint32f(num, typ))
		case 12:
			m.IsEnterRestricted = Bool(s.boolf(num, typ))
		case 13:
			m.CanEnter = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// UserRemove kicks or bans a user, or reports a disconnect.
type UserRemove struct {
	Session *uint32
	Actor   *uint32
	Reason  *string
	Ban     *bool
}

func (*UserRemove) Type() uint16 { return TypeUserRemove }

func (m *UserRemove) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendUint32(b, 2, m.Actor)
	b = appendString(b, 3, m.Reason)
	b = appendBool(b, 4, m.Ban)
	return b, nil
}

func (m *UserRemove) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Session = Uint32(s.uint32f(num, typ))
		case 2:
			m.Actor = Uint32(s.uint32f(num, typ))
		case 3:
			m.Reason = String(s.stringf(num, typ))
		case 4:
			m.Ban = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// UserState describes or mutates a user's state.
type UserState struct {
	Session                *uint32
	Actor                  *uint32
	Name                   *string
	UserID                 *uint32
	ChannelID              *uint32
	Mute                   *bool
	Deaf                   *bool
	Suppress               *bool
	SelfMute               *bool
	SelfDeaf               *bool
	Texture                []byte
	PluginContext          []byte
	PluginIdentity         *string
	Comment                *string
	Hash                   *string
	CommentHash            []byte
	TextureHash            []byte
	PrioritySpeaker        *bool
	Recording              *bool
	TemporaryAccessTokens  []string
	ListeningChannelAdd    []uint32
	ListeningChannelRemove []uint32
}

func (*UserState) Type() uint16 { return TypeUserState }

func (m *UserState) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendUint32(b, 2, m.Actor)
	b = appendString(b, 3, m.Name)
	b = appendUint32(b, 4, m.UserID)
	b = appendUint32(b, 5, m.ChannelID)
	b = appendBool(b, 6, m.Mute)
	b = appendBool(b, 7, m.Deaf)
	b = appendBool(b, 8, m.Suppress)
	b = appendBool(b, 9, m.SelfMute)
	b = appendBool(b, 10, m.SelfDeaf)
	b = appendBytes(b, 11, m.Texture)
	b = appendBytes(b, 12, m.PluginContext)
	b = appendString(b, 13, m.PluginIdentity)
	b = appendString(b, 14, m.Comment)
	b = appendString(b, 15, m.Hash)
	b = appendBytes(b, 16, m.CommentHash)
	b = appendBytes(b, 17, m.TextureHash)
	b = appendBool(b, 18, m.PrioritySpeaker)
	b = appendBool(b, 19, m.Recording)
	b = appendRepString(b, 20, m.TemporaryAccessTokens)
	b = appendRepUint32(b, 21, m.ListeningChannelAdd)
	b = appendRepUint32(b, 22, m.ListeningChannelRemove)
	return b, nil
}

func (m *UserState) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Session = Uint32(s.uint32f(num, typ))
		case 2:
			m.Actor = Uint32(s.uint32f(num, typ))
		case 3:
			m.Name = String(s.stringf(num, typ))
		case 4:
			m.UserID = Uint32(s.uint32f(num, typ))
		case 5:
			m.ChannelID = Uint32(s.uint32f(num, typ))
		case 6:
			m.Mute = Bool(s.boolf(num, typ))
		case 7:
			m.Deaf = Bool(s.boolf(num, typ))
		case 8:
			m.Suppress = Bool(s.boolf(num, typ))
		case 9:
			m.SelfMute = Bool(s.boolf(num, typ))
		case 10:
			m.SelfDeaf = Bool(s.boolf(num, typ))
		case 11:
			m.Texture = s.bytesf(num, typ)
		case 12:
			m.PluginContext = s.bytesf(num, typ)
		case 13:
			m.PluginIdentity = String(s.stringf(num, typ))
		case 14:
			m.Comment = String(s.stringf(num, typ))
		case 15:
			m.Hash = String(s.stringf(num, typ))
		case 16:
			m.CommentHash = s.bytesf(num, typ)
		case 17:
			m.TextureHash = s.bytesf(num, typ)
		case 18:
			m.PrioritySpeaker = Bool(s.boolf(num, typ))
		case 19:
			m.Recording = Bool(s.boolf(num, typ))
		case 20:
			m.TemporaryAccessTokens = append(m.TemporaryAccessTokens, s.stringf(num, typ))
		case 21:
			s.repUint32(num, typ, &m.ListeningChannelAdd)
		case 22:
			s.repUint32(num, typ, &m.ListeningChannelRemove)
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// BanEntry is one ban record inside a BanList.
type BanEntry struct {
	Address  []byte
	Mask     *uint32
	Name     *string
	Hash     *string
	Reason   *string
	Start    *string
	Duration *uint32
}

func (e *BanEntry) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, e.Address)
	b = appendUint32(b, 2, e.Mask)
	b = appendString(b, 3, e.Name)
	b = appendString(b, 4, e.Hash)
	b = appendString(b, 5, e.Reason)
	b = appendString(b, 6, e.Start)
	b = appendUint32(b, 7, e.Duration)
	return b
}

func (e *BanEntry) unmarshal(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			e.Address = s.bytesf(num, typ)
		case 2:
			e.Mask = Uint32(s.uint32f(num, typ))
		case 3:
			e.Name = String(s.stringf(num, typ))
		case 4:
			e.Hash = String(s.stringf(num, typ))
		case 5:
			e.Reason = String(s.stringf(num, typ))
		case 6:
			e.Start = String(s.stringf(num, typ))
		case 7:
			e.Duration = Uint32(s.uint32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// BanList queries or replaces the ban list.
type BanList struct {
	Bans  []BanEntry
	Query *bool
}

func (*BanList) Type() uint16 { return TypeBanList }

func (m *BanList) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range m.Bans {
		b = appendMessage(b, 1, m.Bans[i].marshal())
	}
	b = appendBool(b, 2, m.Query)
	return b, nil
}

func (m *BanList) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			var e BanEntry
			if err := e.unmarshal(s.bytesf(num, typ)); err != nil {
				return err
			}
			m.Bans = append(m.Bans, e)
		case 2:
			m.Query = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// TextMessage sends text to sessions, channels, or channel subtrees.
type TextMessage struct {
	Actor     *uint32
	Session   []uint32
	ChannelID []uint32
	TreeID    []uint32
	Message   *string
}

func (*TextMessage) Type() uint16 { return TypeTextMessage }

func (m *TextMessage) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Actor)
	b = appendRepUint32(b, 2, m.Session)
	b = appendRepUint32(b, 3, m.ChannelID)
	b = appendRepUint32(b, 4, m.TreeID)
	b = appendString(b, 5, m.Message)
	return b, nil
}

func (m *TextMessage) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Actor = Uint32(s.uint32f(num, typ))
		case 2:
			s.repUint32(num, typ, &m.Session)
		case 3:
			s.repUint32(num, typ, &m.ChannelID)
		case 4:
			s.repUint32(num, typ, &m.TreeID)
		case 5:
			m.Message = String(s.stringf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// PermissionDenied reports why a request was refused.
type PermissionDenied struct {
	Permission *uint32
	ChannelID  *uint32
	Session    *uint32
	Reason     *string
	DenyType   *uint32
	Name       *string
}

func (*PermissionDenied) Type() uint16 { return TypePermissionDenied }

func (m *PermissionDenied) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Permission)
	b = appendUint32(b, 2, m.ChannelID)
	b = appendUint32(b, 3, m.Session)
	b = appendString(b, 4, m.Reason)
	b = appendUint32(b, 5, m.DenyType)
	b = appendString(b, 6, m.Name)
	return b, nil
}

func (m *PermissionDenied) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Permission = Uint32(s.uint32f(num, typ))
		case 2:
			m.ChannelID = Uint32(s.uint32f(num, typ))
		case 3:
			m.Session = Uint32(s.uint32f(num, typ))
		case 4:
			m.Reason = String(s.stringf(num, typ))
		case 5:
			m.DenyType = Uint32(s.uint32f(num, typ))
		case 6:
			m.Name = String(s.stringf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ACLGroup is one channel group inside an ACL message.
type ACLGroup struct {
	Name             *string
	Inherited        *bool
	Inherit          *bool
	Inheritable      *bool
	Add              []uint32
	Remove           []uint32
	InheritedMembers []uint32
}

func (g *ACLGroup) marshal() []byte {
	var b []byte
	b = appendString(b, 1, g.Name)
	b = appendBool(b, 2, g.Inherited)
	b = appendBool(b, 3, g.Inherit)
	b = appendBool(b, 4, g.Inheritable)
	b = appendRepUint32(b, 5, g.Add)
	b = appendRepUint32(b, 6, g.Remove)
	b = appendRepUint32(b, 7, g.InheritedMembers)
	return b
}

func (g *ACLGroup) unmarshal(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			g.Name = String(s.stringf(num, typ))
		case 2:
			g.Inherited = Bool(s.boolf(num, typ))
		case 3:
			g.Inherit = Bool(s.boolf(num, typ))
		case 4:
			g.Inheritable = Bool(s.boolf(num, typ))
		case 5:
			s.repUint32(num, typ, &g.Add)
		case 6:
			s.repUint32(num, typ, &g.Remove)
		case 7:
			s.repUint32(num, typ, &g.InheritedMembers)
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ACLRule is one access rule inside an ACL message.
type ACLRule struct {
	ApplyHere *bool
	ApplySubs *bool
	Inherited *bool
	UserID    *uint32
	Group     *string
	Grant     *uint32
	Deny      *uint32
}

func (r *ACLRule) marshal() []byte {
	var b []byte
	b = appendBool(b, 1, r.ApplyHere)
	b = appendBool(b, 2, r.ApplySubs)
	b = appendBool(b, 3, r.Inherited)
	b = appendUint32(b, 4, r.UserID)
	b = appendString(b, 5, r.Group)
	b = appendUint32(b, 6, r.Grant)
	b = appendUint32(b, 7, r.Deny)
	return b
}

func (r *ACLRule) unmarshal(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			r.ApplyHere = Bool(s.boolf(num, typ))
		case 2:
			r.ApplySubs = Bool(s.boolf(num, typ))
		case 3:
			r.Inherited = Bool(s.boolf(num, typ))
		case 4:
			r.UserID = Uint32(s.uint32f(num, typ))
		case 5:
			r.Group = String(s.stringf(num, typ))
		case 6:
			r.Grant = Uint32(s.uint32f(num, typ))
		case 7:
			r.Deny = Uint32(s.uint32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ACL queries or replaces the access rules of one channel.
type ACL struct {
	ChannelID   *uint32
	InheritACLs *bool
	Groups      []ACLGroup
	ACLs        []ACLRule
	Query       *bool
}

func (*ACL) Type() uint16 { return TypeACL }

func (m *ACL) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.ChannelID)
	b = appendBool(b, 2, m.InheritACLs)
	for i := range m.Groups {
		b = appendMessage(b, 3, m.Groups[i].marshal())
	}
	for i := range m.ACLs {
		b = appendMessage(b, 4, m.ACLs[i].marshal())
	}
	b = appendBool(b, 5, m.Query)
	return b, nil
}

func (m *ACL) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.ChannelID = Uint32(s.uint32f(num, typ))
		case 2:
			m.InheritACLs = Bool(s.boolf(num, typ))
		case 3:
			var g ACLGroup
			if err := g.unmarshal(s.bytesf(num, typ)); err != nil {
				return err
			}
			m.Groups = append(m.Groups, g)
		case 4:
			var r ACLRule
			if err := r.unmarshal(s.bytesf(num, typ)); err != nil {
				return err
			}
			m.ACLs = append(m.ACLs, r)
		case 5:
			m.Query = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// QueryUsers maps registered user ids to names and back.
type QueryUsers struct {
	IDs   []uint32
	Names []string
}

func (*QueryUsers) Type() uint16 { return TypeQueryUsers }

func (m *QueryUsers) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendRepUint32(b, 1, m.IDs)
	b = appendRepString(b, 2, m.Names)
	return b, nil
}

func (m *QueryUsers) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			s.repUint32(num, typ, &m.IDs)
		case 2:
			m.Names = append(m.Names, s.stringf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// CryptSetup carries OCB2 key material or triggers a nonce resync.
type CryptSetup struct {
	Key         []byte
	ClientNonce []byte
	ServerNonce []byte
}

func (*CryptSetup) Type() uint16 { return TypeCryptSetup }

func (m *CryptSetup) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, m.Key)
	b = appendBytes(b, 2, m.ClientNonce)
	b = appendBytes(b, 3, m.ServerNonce)
	return b, nil
}

func (m *CryptSetup) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Key = s.bytesf(num, typ)
		case 2:
			m.ClientNonce = s.bytesf(num, typ)
		case 3:
			m.ServerNonce = s.bytesf(num, typ)
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ContextActionModify registers or removes a server-defined context action.
type ContextActionModify struct {
	Action    *string
	Text      *string
	Context   *uint32
	Operation *uint32
}

func (*ContextActionModify) Type() uint16 { return TypeContextActionModify }

func (m *ContextActionModify) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Action)
	b = appendString(b, 2, m.Text)
	b = appendUint32(b, 3, m.Context)
	b = appendUint32(b, 4, m.Operation)
	return b, nil
}

func (m *ContextActionModify) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Action = String(s.stringf(num, typ))
		case 2:
			m.Text = String(s.stringf(num, typ))
		case 3:
			m.Context = Uint32(s.uint32f(num, typ))
		case 4:
			m.Operation = Uint32(s.uint32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ContextAction fires a previously registered context action.
type ContextAction struct {
	Session   *uint32
	ChannelID *uint32
	Action    *string
}

func (*ContextAction) Type() uint16 { return TypeContextAction }

func (m *ContextAction) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendUint32(b, 2, m.ChannelID)
	b = appendString(b, 3, m.Action)
	return b, nil
}

func (m *ContextAction) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Session = Uint32(s.uint32f(num, typ))
		case 2:
			m.ChannelID = Uint32(s.uint32f(num, typ))
		case 3:
			m.Action = String(s.stringf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// UserListEntry is one registered user inside a UserList.
type UserListEntry struct {
	UserID      *uint32
	Name        *string
	LastSeen    *string
	LastChannel *uint32
}

func (e *UserListEntry) marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, e.UserID)
	b = appendString(b, 2, e.Name)
	b = appendString(b, 3, e.LastSeen)
	b = appendUint32(b, 4, e.LastChannel)
	return b
}

func (e *UserListEntry) unmarshal(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			e.UserID = Uint32(s.uint32f(num, typ))
		case 2:
			e.Name = String(s.stringf(num, typ))
		case 3:
			e.LastSeen = String(s.stringf(num, typ))
		case 4:
			e.LastChannel = Uint32(s.uint32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// UserList lists or edits registered users.
type UserList struct {
	Users []UserListEntry
}

func (*UserList) Type() uint16 { return TypeUserList }

func (m *UserList) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range m.Users {
		b = appendMessage(b, 1, m.Users[i].marshal())
	}
	return b, nil
}

func (m *UserList) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			var e UserListEntry
			if err := e.unmarshal(s.bytesf(num, typ)); err != nil {
				return err
			}
			m.Users = append(m.Users, e)
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// VoiceTargetEntry is one routing rule inside a VoiceTarget.
type VoiceTargetEntry struct {
	Session   []uint32
	ChannelID *uint32
	Group     *string
	Links     *bool
	Children  *bool
}

func (e *VoiceTargetEntry) marshal() []byte {
	var b []byte
	b = appendRepUint32(b, 1, e.Session)
	b = appendUint32(b, 2, e.ChannelID)
	b = appendString(b, 3, e.Group)
	b = appendBool(b, 4, e.Links)
	b = appendBool(b, 5, e.Children)
	return b
}

func (e *VoiceTargetEntry) unmarshal(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			s.repUint32(num, typ, &e.Session)
		case 2:
			e.ChannelID = Uint32(s.uint32f(num, typ))
		case 3:
			e.Group = String(s.stringf(num, typ))
		case 4:
			e.Links = Bool(s.boolf(num, typ))
		case 5:
			e.Children = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// VoiceTarget configures a whisper routing slot (id 1..30).
type VoiceTarget struct {
	ID      *uint32
	Targets []VoiceTargetEntry
}

func (*VoiceTarget) Type() uint16 { return TypeVoiceTarget }

func (m *VoiceTarget) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.ID)
	for i := range m.Targets {
		b = appendMessage(b, 2, m.Targets[i].marshal())
	}
	return b, nil
}

func (m *VoiceTarget) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.ID = Uint32(s.uint32f(num, typ))
		case 2:
			var e VoiceTargetEntry
			if err := e.unmarshal(s.bytesf(num, typ)); err != nil {
				return err
			}
			m.Targets = append(m.Targets, e)
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// PermissionQuery asks for (or reports) the caller's permissions on a channel.
type PermissionQuery struct {
	ChannelID   *uint32
	Permissions *uint32
	Flush       *bool
}

func (*PermissionQuery) Type() uint16 { return TypePermissionQuery }

func (m *PermissionQuery) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.ChannelID)
	b = appendUint32(b, 2, m.Permissions)
	b = appendBool(b, 3, m.Flush)
	return b, nil
}

func (m *PermissionQuery) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.ChannelID = Uint32(s.uint32f(num, typ))
		case 2:
			m.Permissions = Uint32(s.uint32f(num, typ))
		case 3:
			m.Flush = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// CodecVersion announces the codecs in use on the server.
type CodecVersion struct {
	Alpha       *int32
	Beta        *int32
	PreferAlpha *bool
	Opus        *bool
}

func (*CodecVersion) Type() uint16 { return TypeCodecVersion }

func (m *CodecVersion) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, m.Alpha)
	b = appendInt32(b, 2, m.Beta)
	b = appendBool(b, 3, m.PreferAlpha)
	b = appendBool(b, 4, m.Opus)
	return b, nil
}

func (m *CodecVersion) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Alpha = Int32(s.int32f(num, typ))
		case 2:
			m.Beta = Int32(s.int32f(num, typ))
		case 3:
			m.PreferAlpha = Bool(s.boolf(num, typ))
		case 4:
			m.Opus = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// UserStatsDetail is one direction's packet statistics inside UserStats.
type UserStatsDetail struct {
	Good   *uint32
	Late   *uint32
	Lost   *uint32
	Resync *uint32
}

func (d *UserStatsDetail) marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, d.Good)
	b = appendUint32(b, 2, d.Late)
	b = appendUint32(b, 3, d.Lost)
	b = appendUint32(b, 4, d.Resync)
	return b
}

func (d *UserStatsDetail) unmarshal(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			d.Good = Uint32(s.uint32f(num, typ))
		case 2:
			d.Late = Uint32(s.uint32f(num, typ))
		case 3:
			d.Lost = Uint32(s.uint32f(num, typ))
		case 4:
			d.Resync = Uint32(s.uint32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// UserStats is the detailed per-user information panel.
type UserStats struct {
	Session           *uint32
	StatsOnly         *bool
	Certificates      [][]byte
	FromClient        *UserStatsDetail
	FromServer        *UserStatsDetail
	UDPPackets        *uint32
	TCPPackets        *uint32
	UDPPingAvg        *float32
	UDPPingVar        *float32
	TCPPingAvg        *float32
	TCPPingVar        *float32
	Version           *Version
	CeltVersions      []int32
	Address           []byte
	Bandwidth         *uint32
	Onlinesecs        *uint32
	Idlesecs          *uint32
	StrongCertificate *bool
	Opus              *bool
}

func (*UserStats) Type() uint16 { return TypeUserStats }

func (m *UserStats) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Session)
	b = appendBool(b, 2, m.StatsOnly)
	b = appendRepBytes(b, 3, m.Certificates)
	if m.FromClient != nil {
		b = appendMessage(b, 4, m.FromClient.marshal())
	}
	if m.FromServer != nil {
		b = appendMessage(b, 5, m.FromServer.marshal())
	}
	b = appendUint32(b, 6, m.UDPPackets)
	b = appendUint32(b, 7, m.TCPPackets)
	b = appendFloat32(b, 8, m.UDPPingAvg)
	b = appendFloat32(b, 9, m.UDPPingVar)
	b = appendFloat32(b, 10, m.TCPPingAvg)
	b = appendFloat32(b, 11, m.TCPPingVar)
	if m.Version != nil {
		body, err := m.Version.MarshalBinary()
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 12, body)
	}
	b = appendRepInt32(b, 13, m.CeltVersions)
	b = appendBytes(b, 14, m.Address)
	b = appendUint32(b, 15, m.Bandwidth)
	b = appendUint32(b, 16, m.Onlinesecs)
	b = appendUint32(b, 17, m.Idlesecs)
	b = appendBool(b, 18, m.StrongCertificate)
	b = appendBool(b, 19, m.Opus)
	return b, nil
}

func (m *UserStats) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Session = Uint32(s.uint32f(num, typ))
		case 2:
			m.StatsOnly = Bool(s.boolf(num, typ))
		case 3:
			m.Certificates = append(m.Certificates, s.bytesf(num, typ))
		case 4:
			m.FromClient = &UserStatsDetail{}
			if err := m.FromClient.unmarshal(s.bytesf(num, typ)); err != nil {
				return err
			}
		case 5:
			m.FromServer = &UserStatsDetail{}
			if err := m.FromServer.unmarshal(s.bytesf(num, typ)); err != nil {
				return err
			}
		case 6:
			m.UDPPackets = Uint32(s.uint32f(num, typ))
		case 7:
			m.TCPPackets = Uint32(s.uint32f(num, typ))
		case 8:
			m.UDPPingAvg = Float32(s.float32f(num, typ))
		case 9:
			m.UDPPingVar = Float32(s.float32f(num, typ))
		case 10:
			m.TCPPingAvg = Float32(s.float32f(num, typ))
		case 11:
			m.TCPPingVar = Float32(s.float32f(num, typ))
		case 12:
			m.Version = &Version{}
			if err := m.Version.UnmarshalBinary(s.bytesf(num, typ)); err != nil {
				return err
			}
		case 13:
			s.repInt32(num, typ, &m.CeltVersions)
		case 14:
			m.Address = s.bytesf(num, typ)
		case 15:
			m.Bandwidth = Uint32(s.uint32f(num, typ))
		case 16:
			m.Onlinesecs = Uint32(s.uint32f(num, typ))
		case 17:
			m.Idlesecs = Uint32(s.uint32f(num, typ))
		case 18:
			m.StrongCertificate = Bool(s.boolf(num, typ))
		case 19:
			m.Opus = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// RequestBlob asks the server for full texture/comment/description payloads
// that were previously announced by hash only.
type RequestBlob struct {
	SessionTexture     []uint32
	SessionComment     []uint32
	ChannelDescription []uint32
}

func (*RequestBlob) Type() uint16 { return TypeRequestBlob }

func (m *RequestBlob) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendRepUint32(b, 1, m.SessionTexture)
	b = appendRepUint32(b, 2, m.SessionComment)
	b = appendRepUint32(b, 3, m.ChannelDescription)
	return b, nil
}

func (m *RequestBlob) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			s.repUint32(num, typ, &m.SessionTexture)
		case 2:
			s.repUint32(num, typ, &m.SessionComment)
		case 3:
			s.repUint32(num, typ, &m.ChannelDescription)
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// ServerConfig announces server-side limits after sync.
type ServerConfig struct {
	MaxBandwidth       *uint32
	WelcomeText        *string
	AllowHTML          *bool
	MessageLength      *uint32
	ImageMessageLength *uint32
	MaxUsers           *uint32
}

func (*ServerConfig) Type() uint16 { return TypeServerConfig }

func (m *ServerConfig) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.MaxBandwidth)
	b = appendString(b, 2, m.WelcomeText)
	b = appendBool(b, 3, m.AllowHTML)
	b = appendUint32(b, 4, m.MessageLength)
	b = appendUint32(b, 5, m.ImageMessageLength)
	b = appendUint32(b, 6, m.MaxUsers)
	return b, nil
}

func (m *ServerConfig) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.MaxBandwidth = Uint32(s.uint32f(num, typ))
		case 2:
			m.WelcomeText = String(s.stringf(num, typ))
		case 3:
			m.AllowHTML = Bool(s.boolf(num, typ))
		case 4:
			m.MessageLength = Uint32(s.uint32f(num, typ))
		case 5:
			m.ImageMessageLength = Uint32(s.uint32f(num, typ))
		case 6:
			m.MaxUsers = Uint32(s.uint32f(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}

// SuggestConfig recommends client settings.
type SuggestConfig struct {
	Version    *uint32
	Positional *bool
	PushToTalk *bool
}

func (*SuggestConfig) Type() uint16 { return TypeSuggestConfig }

func (m *SuggestConfig) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, m.Version)
	b = appendBool(b, 2, m.Positional)
	b = appendBool(b, 3, m.PushToTalk)
	return b, nil
}

func (m *SuggestConfig) UnmarshalBinary(data []byte) error {
	s := scanner{b: data}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Version = Uint32(s.uint32f(num, typ))
		case 2:
			m.Positional = Bool(s.boolf(num, typ))
		case 3:
			m.PushToTalk = Bool(s.boolf(num, typ))
		default:
			s.skip(num, typ)
		}
	}
	return s.err
}
