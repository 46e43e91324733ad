package crypt

import (
	"bytes"
	"testing"
)

// pair returns two states wired as the two ends of one session: each side's
// encrypt IV is the other side's decrypt IV. Fixed key material keeps the
// IV-recovery assertions deterministic.
func pair(t *testing.T) (*State, *State) {
	t.Helper()
	key := make([]byte, KeySize)
	serverNonce := make([]byte, BlockSize)
	clientNonce := make([]byte, BlockSize)
	for i := 0; i < BlockSize; i++ {
		key[i] = byte(i)
		serverNonce[i] = byte(0x40 + i)
		clientNonce[i] = byte(0x80 + i)
	}
	server, err := NewStateFrom(key, serverNonce, clientNonce)
	if err != nil {
		t.Fatalf("NewStateFrom: %v", err)
	}
	client, err := NewStateFrom(key, clientNonce, serverNonce)
	if err != nil {
		t.Fatalf("NewStateFrom: %v", err)
	}
	return server, client
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	server, client := pair(t)

	for _, size := range []int{1, 15, 16, 17, 32, 100, 1023} {
		plain := make([]byte, size)
		for i := range plain {
			plain[i] = byte(i)
		}
		enc := server.Encrypt(plain)
		if len(enc) != size+Overhead {
			t.Fatalf("size %d: encrypted length %d", size, len(enc))
		}
		dec, err := client.Decrypt(enc)
		if err != nil {
			t.Fatalf("size %d: decrypt: %v", size, err)
		}
		if !bytes.Equal(dec, plain) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}

	good, _, _, _ := client.Stats()
	if good != 7 {
		t.Errorf("good = %d, want 7", good)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	server, client := pair(t)

	enc := server.Encrypt([]byte("some voice payload"))
	enc[len(enc)-1] ^= 0x01
	if _, err := client.Decrypt(enc); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}

	// The IV must have been restored: the untampered next packet still works.
	enc2 := server.Encrypt([]byte("next"))
	if _, err := client.Decrypt(enc2); err != nil {
		t.Fatalf("decrypt after rejected packet: %v", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	server, _ := pair(t)
	other, err := NewState()
	if err != nil {
		t.Fatal(err)
	}
	enc := server.Encrypt([]byte("hello"))
	if _, err := other.Decrypt(enc); err == nil {
		t.Fatal("foreign state decrypted the packet")
	}
}

func TestLostPacketsCounted(t *testing.T) {
	server, client := pair(t)

	if _, err := client.Decrypt(server.Encrypt([]byte("a"))); err != nil {
		t.Fatal(err)
	}

	// Drop three packets on the floor.
	server.Encrypt([]byte("x"))
	server.Encrypt([]byte("y"))
	server.Encrypt([]byte("z"))

	if _, err := client.Decrypt(server.Encrypt([]byte("b"))); err != nil {
		t.Fatalf("decrypt after gap: %v", err)
	}
	good, late, lost, _ := client.Stats()
	if good != 2 || late != 0 || lost != 3 {
		t.Errorf("good=%d late=%d lost=%d, want 2/0/3", good, late, lost)
	}
}

func TestLatePacketAccepted(t *testing.T) {
	server, client := pair(t)

	first := server.Encrypt([]byte("first"))
	second := server.Encrypt([]byte("second"))

	if _, err := client.Decrypt(second); err != nil {
		t.Fatalf("in-order: %v", err)
	}
	dec, err := client.Decrypt(first)
	if err != nil {
		t.Fatalf("late packet rejected: %v", err)
	}
	if !bytes.Equal(dec, []byte("first")) {
		t.Fatal("late packet corrupted")
	}
	_, late, _, _ := client.Stats()
	if late != 1 {
		t.Errorf("late = %d, want 1", late)
	}

	// Replaying the same late packet must fail.
	if _, err := client.Decrypt(first); err == nil {
		t.Fatal("replay accepted")
	}
}

func TestIVWraparound(t *testing.T) {
	server, client := pair(t)

	// Push the low IV byte across 0xFF -> 0x00 several times.
	for i := 0; i < 600; i++ {
		dec, err := client.Decrypt(server.Encrypt([]byte{byte(i)}))
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if dec[0] != byte(i) {
			t.Fatalf("packet %d corrupted", i)
		}
	}
}

func TestResync(t *testing.T) {
	server, client := pair(t)

	// Desynchronize the client's receive side far beyond the 30-packet
	// recovery window.
	for i := 0; i < 200; i++ {
		server.Encrypt([]byte("lost"))
	}
	// A resync installs the server's current encrypt IV as the client's
	// decrypt IV, the same exchange CryptSetup performs.
	if err := client.SetDecryptIV(server.EncryptIV()); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Decrypt(server.Encrypt([]byte("after"))); err != nil {
		t.Fatalf("decrypt after resync: %v", err)
	}
	_, _, _, resync := client.Stats()
	if resync != 1 {
		t.Errorf("resync = %d, want 1", resync)
	}
}

func TestKeyMaterialSizes(t *testing.T) {
	if _, err := NewStateFrom(make([]byte, 8), make([]byte, 16), make([]byte, 16)); err == nil {
		t.Error("short key accepted")
	}
	s, _ := NewState()
	if err := s.SetDecryptIV(make([]byte, 4)); err == nil {
		t.Error("short nonce accepted")
	}
}
