package mumbleproto

import (
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000,
		0xFFFFFFF, 0x10000000, 0xFFFFFFFF, 0x100000000, 1 << 60,
		-1, -2, -4, -5, -300, -1 << 40,
	}
	for _, v := range values {
		b := PutVarint(nil, v)
		got, n, err := Varint(b)
		if err != nil {
			t.Fatalf("Varint(%d): %v", v, err)
		}
		if got != v || n != len(b) {
			t.Errorf("Varint(%d) = %d (consumed %d of %d)", v, got, n, len(b))
		}
	}
}

func TestVarintWidths(t *testing.T) {
	cases := []struct {
		v    int64
		want int
	}{
		{0x7F, 1}, {0x80, 2}, {0x4000, 3}, {0x200000, 4},
		{0x10000000, 5}, {0x100000000, 9}, {-1, 1}, {-5, 2},
	}
	for _, c := range cases {
		if got := len(PutVarint(nil, c.v)); got != c.want {
			t.Errorf("len(PutVarint(%d)) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestVarintTruncated(t *testing.T) {
	if _, _, err := Varint(nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, _, err := Varint([]byte{0x80}); err == nil {
		t.Error("expected error for truncated two-byte form")
	}
}

func TestVoicePacketRoundTrip(t *testing.T) {
	p := &VoicePacket{
		Codec:    CodecOpus,
		Target:   0,
		Session:  4097,
		Sequence: 17,
		Payload:  []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	// Server-to-client layout carries the session.
	enc := p.Encode(true)
	if enc[0] != CodecOpus<<5 {
		t.Fatalf("header byte = %#x, want %#x", enc[0], CodecOpus<<5)
	}
	dec, err := ParseVoice(enc, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if dec.Codec != p.Codec || dec.Target != p.Target || dec.Session != p.Session ||
		dec.Sequence != p.Sequence || !bytes.Equal(dec.Payload, p.Payload) {
		t.Fatalf("decoded %#v, want %#v", dec, p)
	}

	// Client-to-server layout omits the session.
	enc = p.Encode(false)
	dec, err = ParseVoice(enc, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if dec.Session != 0 || dec.Sequence != 17 {
		t.Fatalf("decoded session=%d seq=%d", dec.Session, dec.Sequence)
	}
}

func TestVoiceHeaderBits(t *testing.T) {
	p := &VoicePacket{Codec: CodecOpus, Target: 31, Sequence: 1}
	enc := p.Encode(false)
	if enc[0] != 4<<5|31 {
		t.Fatalf("header byte = %#x", enc[0])
	}
	dec, err := ParseVoice(enc, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if dec.Codec != 4 || dec.Target != 31 {
		t.Fatalf("codec=%d target=%d", dec.Codec, dec.Target)
	}
}

func TestVoicePing(t *testing.T) {
	ping := append([]byte{0x20}, []byte{1, 2, 3, 4, 5, 6, 7, 8}...)
	if !IsVoicePing(ping) {
		t.Fatal("valid ping not recognized")
	}
	reply := VoicePingReply(ping)
	if !bytes.Equal(reply, ping[:9]) {
		t.Fatalf("reply = %x", reply)
	}
	if IsVoicePing([]byte{0x20, 1}) {
		t.Error("short packet accepted as ping")
	}
}

func TestServerListPing(t *testing.T) {
	ping := make([]byte, ServerListPingSize)
	copy(ping[4:], []byte{9, 9, 9, 9, 9, 9, 9, 9})
	if !IsServerListPing(ping) {
		t.Fatal("valid server list ping not recognized")
	}
	reply := ServerListPingReply(ping, 1<<16|4<<8, 3, 100, 72000)
	if len(reply) != 24 {
		t.Fatalf("reply size = %d", len(reply))
	}
	if !bytes.Equal(reply[4:12], ping[4:12]) {
		t.Error("token not echoed")
	}
}

func TestClusterVoiceRoundTrip(t *testing.T) {
	packet := (&VoicePacket{Codec: CodecOpus, Sequence: 3, Payload: []byte{1, 2}}).Encode(false)
	h := ClusterVoiceHeader{SenderSession: 7, TargetID: ClusterBroadcastTarget, Sequence: 3, Codec: CodecOpus}
	enc := EncodeClusterVoice(h, packet)

	got, body, err := DecodeClusterVoice(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("header = %+v, want %+v", got, h)
	}
	if !bytes.Equal(body, packet) {
		t.Fatalf("body mismatch")
	}

	if _, _, err := DecodeClusterVoice(enc[:10]); err == nil {
		t.Error("short datagram accepted")
	}
	bad := append([]byte{}, enc...)
	bad[0] = 9
	if _, _, err := DecodeClusterVoice(bad); err == nil {
		t.Error("wrong version accepted")
	}
}
