package mumbleproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoding helpers. Optional fields are emitted only when their pointer is
// non-nil, so the wire distinguishes "unset" from the zero value.

func appendUint32(b []byte, num protowire.Number, v *uint32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(*v))
}

func appendUint64(b []byte, num protowire.Number, v *uint64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, *v)
}

// appendInt32 encodes a proto int32: negative values take the full 10-byte
// varint form, same as the reference implementation.
func appendInt32(b []byte, num protowire.Number, v *int32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(*v)))
}

func appendBool(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	if *v {
		return protowire.AppendVarint(b, 1)
	}
	return protowire.AppendVarint(b, 0)
}

func appendString(b []byte, num protowire.Number, v *string) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, *v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendFloat32(b []byte, num protowire.Number, v *float32) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(*v))
}

// Repeated fields are emitted unpacked, matching proto2 defaults and the
// packets existing Mumble clients produce.

func appendRepUint32(b []byte, num protowire.Number, vs []uint32) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func appendRepInt32(b []byte, num protowire.Number, vs []int32) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(v)))
	}
	return b
}

func appendRepString(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

func appendRepBytes(b []byte, num protowire.Number, vs [][]byte) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// scanner walks a protobuf payload field by field. The first malformed
// element stops the walk and is reported through err.
type scanner struct {
	b   []byte
	err error
}

func (s *scanner) next() (protowire.Number, protowire.Type, bool) {
	if s.err != nil || len(s.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(s.b)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0, 0, false
	}
	s.b = s.b[n:]
	return num, typ, true
}

func (s *scanner) fail(num protowire.Number, typ protowire.Type) {
	if s.err == nil {
		s.err = fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	}
}

func (s *scanner) varint(num protowire.Number, typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		s.fail(num, typ)
		s.skip(num, typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(s.b)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0
	}
	s.b = s.b[n:]
	return v
}

func (s *scanner) uint32f(num protowire.Number, typ protowire.Type) uint32 {
	return uint32(s.varint(num, typ))
}

func (s *scanner) int32f(num protowire.Number, typ protowire.Type) int32 {
	return int32(int64(s.varint(num, typ)))
}

func (s *scanner) boolf(num protowire.Number, typ protowire.Type) bool {
	return s.varint(num, typ) != 0
}

func (s *scanner) float32f(num protowire.Number, typ protowire.Type) float32 {
	if typ != protowire.Fixed32Type {
		s.fail(num, typ)
		s.skip(num, typ)
		return 0
	}
	v, n := protowire.ConsumeFixed32(s.b)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0
	}
	s.b = s.b[n:]
	return math.Float32frombits(v)
}

func (s *scanner) bytesf(num protowire.Number, typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		s.fail(num, typ)
		s.skip(num, typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(s.b)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return nil
	}
	s.b = s.b[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (s *scanner) stringf(num protowire.Number, typ protowire.Type) string {
	return string(s.bytesf(num, typ))
}

// repUint32 appends one (unpacked) or many (packed) values to dst.
func (s *scanner) repUint32(num protowire.Number, typ protowire.Type, dst *[]uint32) {
	switch typ {
	case protowire.VarintType:
		*dst = append(*dst, uint32(s.varint(num, typ)))
	case protowire.BytesType:
		body := s.bytesf(num, typ)
		for len(body) > 0 && s.err == nil {
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				s.err = protowire.ParseError(n)
				return
			}
			*dst = append(*dst, uint32(v))
			body = body[n:]
		}
	default:
		s.fail(num, typ)
		s.skip(num, typ)
	}
}

func (s *scanner) repInt32(num protowire.Number, typ protowire.Type, dst *[]int32) {
	switch typ {
	case protowire.VarintType:
		*dst = append(*dst, int32(int64(s.varint(num, typ))))
	case protowire.BytesType:
		body := s.bytesf(num, typ)
		for len(body) > 0 && s.err == nil {
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				s.err = protowire.ParseError(n)
				return
			}
			*dst = append(*dst, int32(int64(v)))
			body = body[n:]
		}
	default:
		s.fail(num, typ)
		s.skip(num, typ)
	}
}

func (s *scanner) skip(num protowire.Number, typ protowire.Type) {
	if s.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(num, typ, s.b)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return
	}
	s.b = s.b[n:]
}
