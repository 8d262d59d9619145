// Package wire implements the length-prefixed encoding used on the
// group-messaging substrate and in checkpoint sync transfers.
//
// Every message on the wire begins with a fixed Header. Scalar fields are
// always written big-endian, whatever the host's byte order, and no
// receive path byte-swaps them (internal/group delivers endianFlip=false).
// Opaque byte blobs are length-prefixed with a u32 count and names with a
// u16 count; neither is NUL-terminated.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the encoded size of Header: size:u32, id:u32, error:u32.
const HeaderSize = 12

// MaxNameLength mirrors SA_MAX_NAME_LENGTH.
const MaxNameLength = 256

var (
	ErrShortBuffer = errors.New("wire: buffer too short")
	ErrNameTooLong = errors.New("wire: name exceeds max length")
)

// Header is the fixed prefix of every executive and client-IPC message.
type Header struct {
	Size  uint32
	ID    uint32 // (service << 16) | function
	Error uint32
}

func ServiceFnID(service, function uint16) uint32 {
	return uint32(service)<<16 | uint32(function)
}

func SplitServiceFn(id uint32) (service, function uint16) {
	return uint16(id >> 16), uint16(id & 0xffff)
}

func (h Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[0:4], h.Size)
	binary.BigEndian.PutUint32(buf[4:8], h.ID)
	binary.BigEndian.PutUint32(buf[8:12], h.Error)
	return nil
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Size:  binary.BigEndian.Uint32(buf[0:4]),
		ID:    binary.BigEndian.Uint32(buf[4:8]),
		Error: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// Encoder appends fields to an internal buffer in wire format.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutInt32(v int32) { e.PutUint32(uint32(v)) }
func (e *Encoder) PutInt64(v int64) { e.PutUint64(uint64(v)) }

// PutBytes length-prefixes an opaque blob with a u32 count. A nil slice and
// an empty non-nil slice both encode as length 0; callers distinguishing
// "no section id" from "zero-length section id" must carry a separate
// presence flag (see checkpoint.SectionID).
func (e *Encoder) PutBytes(v []byte) {
	e.PutUint32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

// PutName length-prefixes a name field: len:u16 followed by exactly len
// bytes, with len at most MaxNameLength.
func (e *Encoder) PutName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q (%d > %d)", ErrNameTooLong, name, len(name), MaxNameLength)
	}
	e.PutUint16(uint16(len(name)))
	e.buf = append(e.buf, name...)
	return nil
}

// Decoder reads fields sequentially from a fixed buffer.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) need(n int) error {
	if d.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

func (d *Decoder) Uint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *Decoder) Uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) Uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

func (d *Decoder) Name() (string, error) {
	n, err := d.Uint16()
	if err != nil {
		return "", err
	}
	if int(n) > MaxNameLength {
		return "", ErrNameTooLong
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

// SwapUint32InPlace byte-swaps a u32 field in place. No receive path in
// this module calls it, since every scalar is encoded big-endian.
func SwapUint32InPlace(buf []byte, offset int) error {
	if offset+4 > len(buf) {
		return ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(buf[offset:])
	swapped := (v>>24)&0xff | (v>>8)&0xff00 | (v<<8)&0xff0000 | (v<<24)&0xff000000
	binary.BigEndian.PutUint32(buf[offset:], swapped)
	return nil
}

// SwapUint64InPlace byte-swaps a u64 field in place.
func SwapUint64InPlace(buf []byte, offset int) error {
	if offset+8 > len(buf) {
		return ErrShortBuffer
	}
	v := binary.BigEndian.Uint64(buf[offset:])
	var out uint64
	for i := 0; i < 8; i++ {
		out |= ((v >> (8 * i)) & 0xff) << (8 * (7 - i))
	}
	binary.BigEndian.PutUint64(buf[offset:], out)
	return nil
}
