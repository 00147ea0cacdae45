package proto

import (
	"bytes"

	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// ReadRawNBT decodes one NBT compound starting at the cursor purely to
// learn its length, then returns the exact bytes spanned verbatim. Callers
// that don't need the decoded value (chunk column heightmaps, untouched
// tile-entity payloads) splice this through unmodified on re-encode, which
// is the only way to honor the cached blob's byte-for-byte round-trip
// requirement for fields this module never interprets.
func (r *Reader) ReadRawNBT() ([]byte, error) {
	start := r.pos
	src := bytes.NewReader(r.data[r.pos:])
	dec := nbt.NewDecoderWithEncoding(src, nbt.BigEndian)
	var throwaway map[string]interface{}
	if err := dec.Decode(&throwaway); err != nil {
		return nil, ErrShortBuffer
	}
	consumed := len(r.data[r.pos:]) - src.Len()
	r.pos = start + consumed
	raw := make([]byte, consumed)
	copy(raw, r.data[start:r.pos])
	return raw, nil
}

// ReadNBT decodes an NBT compound into v, advancing the cursor past it.
func (r *Reader) ReadNBT(v interface{}) error {
	src := bytes.NewReader(r.data[r.pos:])
	dec := nbt.NewDecoderWithEncoding(src, nbt.BigEndian)
	if err := dec.Decode(v); err != nil {
		return ErrShortBuffer
	}
	r.pos += len(r.data[r.pos:]) - src.Len()
	return nil
}

// WriteRawNBT appends a previously captured NBT compound's bytes verbatim.
func (w *Writer) WriteRawNBT(raw []byte) { w.buf = append(w.buf, raw...) }

// WriteNBT encodes v as a big-endian NBT compound and appends it.
func (w *Writer) WriteNBT(v interface{}) error {
	var buf bytes.Buffer
	enc := nbt.NewEncoderWithEncoding(&buf, nbt.BigEndian)
	if err := enc.Encode(v); err != nil {
		return err
	}
	w.buf = append(w.buf, buf.Bytes()...)
	return nil
}
