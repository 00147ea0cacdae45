// Package proto implements the frame codec shared by the inter-proxy link
// and the narrow slice of the Minecraft protocol this proxy pair inspects:
// varint framing, typed field reads/writes, and the chunk/tile-entity
// primitives the chunk cache needs. Full Minecraft packet ID tables and
// bit-packed block-state encoding are treated as an external data
// dependency and are not reimplemented here.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ErrShortBuffer is returned by any Read* call that runs past the end of
// the buffer. It is not a protocol error: callers restore the cursor via
// Reader.Restore and wait for more bytes to arrive on the wire.
var ErrShortBuffer = errors.New("proto: short buffer")

const (
	maxVarInt32Bytes = 5
	maxVarInt64Bytes = 10
)

// Reader is a restartable cursor over a byte slice. Save/Restore form the
// explicit pair that replaces exception-as-control-flow buffer-underrun
// handling with an explicit mark-and-rewind.
type Reader struct {
	data []byte
	pos  int
	mark int
}

// NewReader wraps data for decoding. data is not copied.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Save records the current cursor position.
func (r *Reader) Save() { r.mark = r.pos }

// Restore rewinds the cursor to the last Save.
func (r *Reader) Restore() { r.pos = r.mark }

// Pos returns the current cursor offset into the underlying slice.
func (r *Reader) Pos() int { return r.pos }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.data) - r.pos }

// Remaining returns the unread tail of the buffer without advancing the
// cursor.
func (r *Reader) Remaining() []byte { return r.data[r.pos:] }

func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrShortBuffer
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, ErrShortBuffer
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadVarInt decodes a Minecraft-style LEB128 varint (max 5 bytes).
func (r *Reader) ReadVarInt() (int32, error) {
	var result int32
	for i := 0; i < maxVarInt32Bytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int32(b&0x7f) << uint(7*i)
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, fmt.Errorf("proto: varint too big")
}

// ReadVarLong decodes a 64-bit varint (max 10 bytes).
func (r *Reader) ReadVarLong() (int64, error) {
	var result int64
	for i := 0; i < maxVarInt64Bytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << uint(7*i)
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, fmt.Errorf("proto: varlong too big")
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(v)), nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadInt64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadString decodes a varint-length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadUUID decodes a 16 raw-byte UUID.
func (r *Reader) ReadUUID() (uuid.UUID, error) {
	b, err := r.ReadBytes(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// ReadPosition decodes a packed 64-bit block position into world
// coordinates (x/y/z), per https://wiki.vg/Protocol#Position.
func (r *Reader) ReadPosition() (x, y, z int, err error) {
	v, err := r.ReadInt64()
	if err != nil {
		return 0, 0, 0, err
	}
	ux := int(v >> 38)
	uy := int(v << 52 >> 52)
	uz := int(v << 26 >> 38)
	if ux >= 1<<25 {
		ux -= 1 << 26
	}
	if uy >= 1<<11 {
		uy -= 1 << 12
	}
	if uz >= 1<<25 {
		uz -= 1 << 26
	}
	return ux, uy, uz, nil
}

// ReadPacket decodes a varint-length-prefixed opaque blob, the framing
// primitive every link packet and poem item is built from.
func (r *Reader) ReadPacket() ([]byte, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(int(n))
}

// Writer accumulates an encoded packet body. All writes are infallible
// except WriteNBT/WriteRawNBT which can fail on caller-provided data.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) WriteVarInt(v int32) {
	uv := uint32(v)
	for {
		b := byte(uv & 0x7f)
		uv >>= 7
		if uv != 0 {
			b |= 0x80
		}
		w.buf = append(w.buf, b)
		if uv == 0 {
			return
		}
	}
}

func (w *Writer) WriteVarLong(v int64) {
	uv := uint64(v)
	for {
		b := byte(uv & 0x7f)
		uv >>= 7
		if uv != 0 {
			b |= 0x80
		}
		w.buf = append(w.buf, b)
		if uv == 0 {
			return
		}
	}
}

func (w *Writer) WriteUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) WriteInt32(v int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }

func (w *Writer) WriteInt64(v int64) { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteInt32(int32(math.Float32bits(v))) }

func (w *Writer) WriteFloat64(v float64) { w.WriteInt64(int64(math.Float64bits(v))) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func (w *Writer) WriteString(s string) {
	w.WriteVarInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteUUID(u uuid.UUID) { w.buf = append(w.buf, u[:]...) }

func (w *Writer) WritePosition(x, y, z int) {
	v := (int64(x&0x3FFFFFF) << 38) | (int64(z&0x3FFFFFF) << 12) | int64(y&0xFFF)
	w.WriteInt64(v)
}

// WritePacket prepends a varint length to body, the inverse of ReadPacket.
func (w *Writer) WritePacket(body []byte) {
	w.WriteVarInt(int32(len(body)))
	w.buf = append(w.buf, body...)
}
