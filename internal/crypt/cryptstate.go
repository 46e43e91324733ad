// Package crypt implements the OCB2-AES128 authenticated encryption used for
// UDP voice, including the IV-recovery scheme that tolerates packet loss and
// reordering without a handshake per packet.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

// KeySize and BlockSize are both the AES-128 block width.
const (
	KeySize   = aes.BlockSize
	BlockSize = aes.BlockSize
	// Overhead is the per-packet expansion: one IV byte plus a 3-byte tag.
	Overhead = 4
	tagLen   = 3
)

// ErrDecrypt is returned for any packet that fails authentication or IV
// recovery. Callers treat it as "not for this session" during UDP source
// discovery and as a dropped packet afterwards.
var ErrDecrypt = errors.New("crypt: packet rejected")

// State is one session's voice crypto. Encrypt and decrypt IVs advance
// independently, so the reader task and writer task never contend on the
// same counter. All methods are safe for concurrent use.
type State struct {
	mu sync.Mutex

	block     cipher.Block
	key       [KeySize]byte
	encryptIV [BlockSize]byte
	decryptIV [BlockSize]byte

	decryptHistory [256]byte

	// Packet statistics, reported in Ping and UserStats.
	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32

	lastGood    time.Time
	lastRequest time.Time
}

// NewState creates a State with a freshly generated random key and IVs.
func NewState() (*State, error) {
	var key, eiv, div [BlockSize]byte
	for _, b := range [][]byte{key[:], eiv[:], div[:]} {
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("crypt: generate key material: %w", err)
		}
	}
	return NewStateFrom(key[:], eiv[:], div[:])
}

// NewStateFrom creates a State from explicit key material, as received in a
// CryptSetup message.
func NewStateFrom(key, encryptIV, decryptIV []byte) (*State, error) {
	if len(key) != KeySize || len(encryptIV) != BlockSize || len(decryptIV) != BlockSize {
		return nil, fmt.Errorf("crypt: bad key material sizes %d/%d/%d", len(key), len(encryptIV), len(decryptIV))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &State{block: block}
	copy(s.key[:], key)
	copy(s.encryptIV[:], encryptIV)
	copy(s.decryptIV[:], decryptIV)
	return s, nil
}

// Key returns a copy of the session key.
func (s *State) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, KeySize)
	copy(out, s.key[:])
	return out
}

// EncryptIV returns a copy of the current encrypt IV (the server nonce when
// this State lives on the server side).
func (s *State) EncryptIV() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, BlockSize)
	copy(out, s.encryptIV[:])
	return out
}

// DecryptIV returns a copy of the current decrypt IV.
func (s *State) DecryptIV() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, BlockSize)
	copy(out, s.decryptIV[:])
	return out
}

// SetDecryptIV installs a peer-provided nonce, completing a resync.
func (s *State) SetDecryptIV(iv []byte) error {
	if len(iv) != BlockSize {
		return fmt.Errorf("crypt: bad nonce size %d", len(iv))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.decryptIV[:], iv)
	s.Resync++
	return nil
}

// LastGood reports when a packet last authenticated successfully.
func (s *State) LastGood() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood
}

// Encrypt seals plain into a datagram: IV low byte, 3-byte tag, ciphertext.
func (s *State) Encrypt(plain []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Bump the IV; bytes carry into the next position on wrap.
	for i := range s.encryptIV {
		s.encryptIV[i]++
		if s.encryptIV[i] != 0 {
			break
		}
	}

	var tag [BlockSize]byte
	out := make([]byte, Overhead+len(plain))
	s.ocbEncrypt(plain, out[Overhead:], s.encryptIV, &tag)
	out[0] = s.encryptIV[0]
	copy(out[1:Overhead], tag[:tagLen])
	return out
}

// Decrypt authenticates and opens a datagram produced by the peer's Encrypt.
// It tracks good/late/lost statistics and recovers the IV across reordering
// of up to 30 packets and counter wraparound.
func (s *State) Decrypt(data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, ErrDecrypt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ivByte := data[0]
	restore := false
	var saved [BlockSize]byte
	copy(saved[:], s.decryptIV[:])

	if byte(s.decryptIV[0]+1) == ivByte {
		// In order.
		if ivByte > s.decryptIV[0] {
			s.decryptIV[0] = ivByte
		} else {
			// Wrapped; carry into the higher bytes.
			s.decryptIV[0] = ivByte
			for i := 1; i < BlockSize; i++ {
				s.decryptIV[i]++
				if s.decryptIV[i] != 0 {
					break
				}
			}
		}
	} else {
		diff := int(ivByte) - int(s.decryptIV[0])
		if diff > 128 {
			diff -= 256
		} else if diff < -128 {
			diff += 256
		}

		switch {
		case ivByte < s.decryptIV[0] && diff > -30 && diff < 0:
			// Late packet, no wraparound.
			s.Late++
			s.Lost--
			s.decryptIV[0] = ivByte
			restore = true
		case ivByte > s.decryptIV[0] && diff > -30 && diff < 0:
			// Late packet straddling a wraparound; borrow from above.
			s.Late++
			s.Lost--
			s.decryptIV[0] = ivByte
			for i := 1; i < BlockSize; i++ {
				orig := s.decryptIV[i]
				s.decryptIV[i]--
				if orig != 0 {
					break
				}
			}
			restore = true
		case ivByte > s.decryptIV[0] && diff > 0:
			// Dropped some packets.
			s.Lost += uint32(diff - 1)
			s.decryptIV[0] = ivByte
		case ivByte < s.decryptIV[0] && diff > 0:
			// Dropped some packets across a wraparound.
			s.Lost += uint32(diff - 1)
			s.decryptIV[0] = ivByte
			for i := 1; i < BlockSize; i++ {
				s.decryptIV[i]++
				if s.decryptIV[i] != 0 {
					break
				}
			}
		default:
			return nil, ErrDecrypt
		}

		if s.decryptHistory[s.decryptIV[0]] == s.decryptIV[1] {
			copy(s.decryptIV[:], saved[:])
			return nil, ErrDecrypt
		}
	}

	plain := make([]byte, len(data)-Overhead)
	var tag [BlockSize]byte
	s.ocbDecrypt(data[Overhead:], plain, s.decryptIV, &tag)

	if tag[0] != data[1] || tag[1] != data[2] || tag[2] != data[3] {
		copy(s.decryptIV[:], saved[:])
		return nil, ErrDecrypt
	}
	s.decryptHistory[s.decryptIV[0]] = s.decryptIV[1]

	if restore {
		copy(s.decryptIV[:], saved[:])
	}

	s.Good++
	s.lastGood = time.Now()
	return plain, nil
}

// Stats returns a snapshot of the packet counters.
func (s *State) Stats() (good, late, lost, resync uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Good, s.Late, s.Lost, s.Resync
}

// times2 doubles a 128-bit block in GF(2^128), big-endian bit order.
func times2(b *[BlockSize]byte) {
	carry := b[0] >> 7
	for i := 0; i < BlockSize-1; i++ {
		b[i] = b[i]<<1 | b[i+1]>>7
	}
	b[BlockSize-1] <<= 1
	if carry != 0 {
		b[BlockSize-1] ^= 0x87
	}
}

// times3 computes S3(x) = S2(x) xor x.
func times3(b *[BlockSize]byte) {
	orig := *b
	times2(b)
	xorBlock(b, b, &orig)
}

func xorBlock(dst, a, b *[BlockSize]byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func xorBytes(dst []byte, a *[BlockSize]byte, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func (s *State) ocbEncrypt(plain, encrypted []byte, nonce [BlockSize]byte, tag *[BlockSize]byte) {
	var delta, checksum, tmp, pad [BlockSize]byte
	s.block.Encrypt(delta[:], nonce[:])

	for len(plain) > BlockSize {
		times2(&delta)
		for i := 0; i < BlockSize; i++ {
			checksum[i] ^= plain[i]
			tmp[i] = delta[i] ^ plain[i]
		}
		s.block.Encrypt(tmp[:], tmp[:])
		xorBytes(encrypted[:BlockSize], &delta, tmp[:])
		plain = plain[BlockSize:]
		encrypted = encrypted[BlockSize:]
	}

	times2(&delta)
	tmp = [BlockSize]byte{}
	tmp[BlockSize-1] = byte(len(plain) * 8)
	xorBlock(&tmp, &tmp, &delta)
	s.block.Encrypt(pad[:], tmp[:])

	copy(tmp[:], plain)
	copy(tmp[len(plain):], pad[len(plain):])
	for i := range checksum {
		checksum[i] ^= tmp[i]
	}
	xorBlock(&tmp, &pad, &tmp)
	copy(encrypted, tmp[:len(plain)])

	times3(&delta)
	xorBlock(&tmp, &delta, &checksum)
	s.block.Encrypt(tag[:], tmp[:])
}

func (s *State) ocbDecrypt(encrypted, plain []byte, nonce [BlockSize]byte, tag *[BlockSize]byte) {
	var delta, checksum, tmp, pad [BlockSize]byte
	s.block.Encrypt(delta[:], nonce[:])

	for len(encrypted) > BlockSize {
		times2(&delta)
		xorBytes(tmp[:], &delta, encrypted[:BlockSize])
		s.block.Decrypt(tmp[:], tmp[:])
		for i := 0; i < BlockSize; i++ {
			plain[i] = delta[i] ^ tmp[i]
			checksum[i] ^= plain[i]
		}
		encrypted = encrypted[BlockSize:]
		plain = plain[BlockSize:]
	}

	times2(&delta)
	tmp = [BlockSize]byte{}
	tmp[BlockSize-1] = byte(len(encrypted) * 8)
	xorBlock(&tmp, &tmp, &delta)
	s.block.Encrypt(pad[:], tmp[:])

	tmp = [BlockSize]byte{}
	copy(tmp[:], encrypted)
	xorBlock(&tmp, &tmp, &pad)
	for i := range checksum {
		checksum[i] ^= tmp[i]
	}
	copy(plain, tmp[:len(encrypted)])

	times3(&delta)
	xorBlock(&tmp, &delta, &checksum)
	s.block.Encrypt(tag[:], tmp[:])
}
