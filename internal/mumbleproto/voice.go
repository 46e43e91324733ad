package mumbleproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Mumble varint encoding, as used in voice packets. This is not the protobuf
// varint: the leading bits of the first byte select the width.

var errVarintTruncated = errors.New("mumbleproto: truncated varint")

// PutVarint appends the Mumble varint form of v to b.
func PutVarint(b []byte, v int64) []byte {
	if v < 0 {
		// Small negative numbers pack into one byte; everything else is
		// the inverted value behind a 0xF8 prefix.
		if v >= -4 {
			return append(b, 0xFC|byte(^v&0x03))
		}
		b = append(b, 0xF8)
		return PutVarint(b, ^v)
	}
	u := uint64(v)
	switch {
	case u < 0x80:
		return append(b, byte(u))
	case u < 0x4000:
		return append(b, 0x80|byte(u>>8), byte(u))
	case u < 0x200000:
		return append(b, 0xC0|byte(u>>16), byte(u>>8), byte(u))
	case u < 0x10000000:
		return append(b, 0xE0|byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
	case u <= 0xFFFFFFFF:
		b = append(b, 0xF0)
		return append(b, byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
	default:
		b = append(b, 0xF4)
		return append(b,
			byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
			byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
	}
}

// Varint decodes one Mumble varint from b, returning the value and the number
// of bytes consumed.
func Varint(b []byte) (int64, int, error) {
	if len(b) == 0 {
		return 0, 0, errVarintTruncated
	}
	first := b[0]
	switch {
	case first&0x80 == 0x00:
		return int64(first & 0x7F), 1, nil
	case first&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, errVarintTruncated
		}
		return int64(first&0x3F)<<8 | int64(b[1]), 2, nil
	case first&0xE0 == 0xC0:
		if len(b) < 3 {
			return 0, 0, errVarintTruncated
		}
		return int64(first&0x1F)<<16 | int64(b[1])<<8 | int64(b[2]), 3, nil
	case first&0xF0 == 0xE0:
		if len(b) < 4 {
			return 0, 0, errVarintTruncated
		}
		return int64(first&0x0F)<<24 | int64(b[1])<<16 | int64(b[2])<<8 | int64(b[3]), 4, nil
	case first&0xFC == 0xF0:
		if len(b) < 5 {
			return 0, 0, errVarintTruncated
		}
		return int64(binary.BigEndian.Uint32(b[1:5])), 5, nil
	case first&0xFC == 0xF4:
		if len(b) < 9 {
			return 0, 0, errVarintTruncated
		}
		return int64(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case first&0xFC == 0xF8:
		v, n, err := Varint(b[1:])
		if err != nil {
			return 0, 0, err
		}
		return ^v, n + 1, nil
	default: // 0xFC: inverted two-bit value
		return ^int64(first & 0x03), 1, nil
	}
}

// VoicePacket is one decoded voice datagram (or UDPTunnel payload).
// Session is only present in the server-to-client direction; for packets
// received from a client it is zero and the edge stamps the real value.
type VoicePacket struct {
	Codec    uint8
	Target   uint8
	Session  uint32
	Sequence int64
	// Payload is the codec frame data plus any trailing positional audio,
	// carried opaquely.
	Payload []byte
}

// ParseVoice decodes a voice packet. withSession selects the
// server-to-client layout, which carries the sender session id between the
// header byte and the sequence number.
func ParseVoice(data []byte, withSession bool) (*VoicePacket, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("voice packet too short: %d bytes", len(data))
	}
	p := &VoicePacket{
		Codec:  data[0] >> 5,
		Target: data[0] & 0x1F,
	}
	rest := data[1:]
	if withSession {
		session, n, err := Varint(rest)
		if err != nil {
			return nil, err
		}
		p.Session = uint32(session)
		rest = rest[n:]
	}
	seq, n, err := Varint(rest)
	if err != nil {
		return nil, err
	}
	p.Sequence = seq
	p.Payload = rest[n:]
	return p, nil
}

// Encode serializes the packet. withSession must match the direction the
// packet travels in.
func (p *VoicePacket) Encode(withSession bool) []byte {
	b := make([]byte, 1, 1+10+10+len(p.Payload))
	b[0] = p.Codec<<5 | p.Target&0x1F
	if withSession {
		b = PutVarint(b, int64(p.Session))
	}
	b = PutVarint(b, p.Sequence)
	return append(b, p.Payload...)
}

// IsVoicePing reports whether a datagram is an in-session UDP ping
// (header byte 0x20, followed by an 8-byte timestamp).
func IsVoicePing(data []byte) bool {
	return len(data) >= 9 && data[0] == 0x20
}

// VoicePingReply builds the echo for an in-session UDP ping.
func VoicePingReply(ping []byte) []byte {
	out := make([]byte, 9)
	out[0] = 0x20
	copy(out[1:9], ping[1:9])
	return out
}

// ServerListPingSize is the size of the out-of-session ping sent by the
// client's server browser: u32 zero, u64 random token.
const ServerListPingSize = 12

// IsServerListPing reports whether a datagram is a server-browser ping.
func IsServerListPing(data []byte) bool {
	return len(data) == ServerListPingSize && binary.BigEndian.Uint32(data[0:4]) == 0
}

// ServerListPingReply builds the 24-byte reply: packed version, the echoed
// token, current users, max users, and max bandwidth.
func ServerListPingReply(ping []byte, version uint32, users, maxUsers, bandwidth uint32) []byte {
	out := make([]byte, 24)
	binary.BigEndian.PutUint32(out[0:4], version)
	copy(out[4:12], ping[4:12])
	binary.BigEndian.PutUint32(out[12:16], users)
	binary.BigEndian.PutUint32(out[16:20], maxUsers)
	binary.BigEndian.PutUint32(out[20:24], bandwidth)
	return out
}

// ClusterVoiceVersion is the version byte of the cross-edge voice header.
const ClusterVoiceVersion = 1

// ClusterBroadcastTarget marks a cluster voice packet addressed to every
// edge rather than resolved from a whisper target.
const ClusterBroadcastTarget = 0xFFFFFFFF

// ClusterVoiceHeaderSize is the fixed prefix in front of the original voice
// packet bytes on the cluster voice socket.
const ClusterVoiceHeaderSize = 14

// ClusterVoiceHeader prefixes voice packets relayed between edges.
type ClusterVoiceHeader struct {
	SenderSession uint32
	TargetID      uint32
	Sequence      uint32
	Codec         uint8
}

// EncodeClusterVoice builds a cluster datagram: header then the voice packet.
func EncodeClusterVoice(h ClusterVoiceHeader, packet []byte) []byte {
	out := make([]byte, ClusterVoiceHeaderSize+len(packet))
	out[0] = ClusterVoiceVersion
	binary.BigEndian.PutUint32(out[1:5], h.SenderSession)
	binary.BigEndian.PutUint32(out[5:9], h.TargetID)
	binary.BigEndian.PutUint32(out[9:13], h.Sequence)
	out[13] = h.Codec
	copy(out[ClusterVoiceHeaderSize:], packet)
	return out
}

// DecodeClusterVoice splits a cluster datagram into header and voice packet.
func DecodeClusterVoice(data []byte) (ClusterVoiceHeader, []byte, error) {
	if len(data) < ClusterVoiceHeaderSize {
		return ClusterVoiceHeader{}, nil, fmt.Errorf("cluster voice datagram too short: %d bytes", len(data))
	}
	if data[0] != ClusterVoiceVersion {
		return ClusterVoiceHeader{}, nil, fmt.Errorf("unsupported cluster voice version %d", data[0])
	}
	h := ClusterVoiceHeader{
		SenderSession: binary.BigEndian.Uint32(data[1:5]),
		TargetID:      binary.BigEndian.Uint32(data[5:9]),
		Sequence:      binary.BigEndian.Uint32(data[9:13]),
		Codec:         data[13],
	}
	return h, data[ClusterVoiceHeaderSize:], nil
}
