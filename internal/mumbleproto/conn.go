package mumbleproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize is the hard cap on a control frame payload. A peer that sends
// a larger frame is terminated.
const MaxFrameSize = 10 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame header announces a payload above
// MaxFrameSize. The connection must be closed after seeing it.
var ErrFrameTooLarge = errors.New("mumbleproto: frame exceeds 10 MB cap")

const frameHeaderSize = 6 // u16 type + u32 length

// Conn frames control messages over an underlying stream: big-endian
// u16 type, u32 length, payload. Reads are single-reader; writes are
// serialized so a frame header and body always go out back to back.
type Conn struct {
	rw io.ReadWriter

	readBuf [frameHeaderSize]byte

	writeMu sync.Mutex
}

// NewConn wraps an established stream (normally a *tls.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// ReadFrame reads the next raw frame. The payload slice is freshly allocated
// per call.
func (c *Conn) ReadFrame() (uint16, []byte, error) {
	if _, err := io.ReadFull(c.rw, c.readBuf[:]); err != nil {
		return 0, nil, err
	}
	kind := binary.BigEndian.Uint16(c.readBuf[0:2])
	length := binary.BigEndian.Uint32(c.readBuf[2:6])
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

// ReadMessage reads and decodes the next message.
func (c *Conn) ReadMessage() (Message, error) {
	kind, payload, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	msg, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := msg.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TypeName(kind), err)
	}
	return msg, nil
}

// WriteFrame writes one frame with the given type and payload.
func (c *Conn) WriteFrame(kind uint16, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], kind)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.rw.Write(buf)
	return err
}

// WriteMessage encodes and writes a message.
func (c *Conn) WriteMessage(msg Message) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", TypeName(msg.Type()), err)
	}
	return c.WriteFrame(msg.Type(), payload)
}
