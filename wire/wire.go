// Package wire implements the SSH binary wire primitives defined by RFC 4251
// §5: fixed-width integers, length-prefixed byte strings, multi-precision
// integers, name-lists, and booleans, plus a PEM/Base64 bridge used by the
// keys package.
package wire

import (
	"fmt"
	"math/big"
	"strings"

	"encoding/binary"

	"github.com/netsieben/ne7ssh/errs"
)

// ErrMalformed is the sentinel every decode error in this package wraps. It
// is errs.ErrMalformedPacket itself, not a distinct kind: a short read or a
// non-canonical mpint IS a malformed packet per spec.md §7, so callers up
// the stack (kex, auth, channel, sftp) never need a second wrapping step at
// a "transport boundary" to get errors.Is(err, errs.ErrMalformedPacket).
var ErrMalformed = errs.ErrMalformedPacket

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Builder accumulates an SSH binary payload.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with cap bytes of pre-allocated backing space.
func NewBuilder(cap int) *Builder {
	return &Builder{buf: make([]byte, 0, cap)}
}

// Bytes returns the accumulated payload.
func (b *Builder) Bytes() []byte { return b.buf }

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return len(b.buf) }

// PutRaw appends p verbatim.
func (b *Builder) PutRaw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// PutUint8 appends a single byte.
func (b *Builder) PutUint8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// PutBool appends a single 0/1 byte.
func (b *Builder) PutBool(v bool) *Builder {
	if v {
		return b.PutUint8(1)
	}
	return b.PutUint8(0)
}

// PutUint32 appends a 32-bit big-endian integer.
func (b *Builder) PutUint32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return b.PutRaw(tmp[:])
}

// PutUint64 appends a 64-bit big-endian integer.
func (b *Builder) PutUint64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return b.PutRaw(tmp[:])
}

// PutString appends a length-prefixed byte string.
func (b *Builder) PutString(s []byte) *Builder {
	b.PutUint32(uint32(len(s)))
	return b.PutRaw(s)
}

// PutStringS appends a length-prefixed ASCII string.
func (b *Builder) PutStringS(s string) *Builder {
	return b.PutString([]byte(s))
}

// PutNameList appends a comma-joined name-list inside a length-prefixed string.
func (b *Builder) PutNameList(names []string) *Builder {
	return b.PutStringS(strings.Join(names, ","))
}

// PutMPInt appends n using SSH mpint encoding: big-endian two's complement,
// with a leading 0x00 inserted whenever the magnitude's high bit would
// otherwise be mistaken for a sign bit. Zero encodes as an empty string.
func (b *Builder) PutMPInt(n *big.Int) *Builder {
	return b.PutString(EncodeMPInt(n))
}

// EncodeMPInt renders n (assumed non-negative, as this library never
// transmits negative mpints) per RFC 4251 §5.
func EncodeMPInt(n *big.Int) []byte {
	if n.Sign() == 0 {
		return nil
	}
	mag := n.Bytes()
	if mag[0]&0x80 != 0 {
		out := make([]byte, len(mag)+1)
		copy(out[1:], mag)
		return out
	}
	return mag
}

// Reader walks a byte slice, decoding SSH wire primitives in order.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the bytes not yet consumed.
func (r *Reader) Remaining() []byte { return r.buf[r.pos:] }

// Len returns the number of unconsumed bytes.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, malformed("short read: need %d bytes, have %d", n, r.Len())
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// Raw consumes and returns the next n bytes verbatim.
func (r *Reader) Raw(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Uint8 decodes a single byte.
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool decodes a single 0/1 byte as a boolean (any non-zero value is true).
func (r *Reader) Bool() (bool, error) {
	b, err := r.Uint8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Uint32 decodes a 32-bit big-endian integer.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 decodes a 64-bit big-endian integer.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// String decodes a length-prefixed byte string, copying it out of the
// underlying buffer so callers may retain it past the Reader's lifetime.
func (r *Reader) String() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, malformed("string length %d exceeds remaining buffer", n)
	}
	return append([]byte(nil), b...), nil
}

// StringS decodes a length-prefixed string as Go string.
func (r *Reader) StringS() (string, error) {
	b, err := r.String()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NameList decodes a comma-separated name-list.
func (r *Reader) NameList() ([]string, error) {
	s, err := r.StringS()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// MPInt decodes an SSH mpint into a non-negative big.Int.
func (r *Reader) MPInt() (*big.Int, error) {
	b, err := r.String()
	if err != nil {
		return nil, err
	}
	return DecodeMPInt(b)
}

// DecodeMPInt parses b as an SSH mpint, rejecting non-canonical encodings
// (a leading 0x00 whose following byte does not have its high bit set).
func DecodeMPInt(b []byte) (*big.Int, error) {
	if len(b) == 0 {
		return new(big.Int), nil
	}
	if b[0] == 0x00 {
		if len(b) == 1 || b[1]&0x80 == 0 {
			return nil, malformed("non-canonical mpint encoding")
		}
	}
	return new(big.Int).SetBytes(b), nil
}
