package workerpool

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	metaStored     byte = 0x00
	metaCompressed byte = 0x01
)

// ErrCompress tags a single item's compression failure with its submission
// index; the pipeline keeps running past it, the item's bytes are simply
// dropped while its index is still consumed by the reassembler.
type ErrCompress struct {
	Index int
	Err   error
}

func (e *ErrCompress) Error() string {
	return fmt.Sprintf("workerpool: compress item %d: %v", e.Index, e.Err)
}

func (e *ErrCompress) Unwrap() error { return e.Err }

// CompressFunc returns the zstd compression transform: it stores data
// verbatim behind a one-byte "stored" meta header whenever compressing
// wouldn't actually shrink it, matching plasma.py's
// ParallelCompressionInterface bypass behavior.
func CompressFunc() Func {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return func(data []byte) ([]byte, error) {
		compressed := enc.EncodeAll(data, make([]byte, 0, len(data)))
		if len(compressed) >= len(data) {
			out := make([]byte, 0, len(data)+1)
			out = append(out, metaStored)
			out = append(out, data...)
			return out, nil
		}
		out := make([]byte, 0, len(compressed)+1)
		out = append(out, metaCompressed)
		out = append(out, compressed...)
		return out, nil
	}
}

// DecompressFunc returns the inverse of CompressFunc.
func DecompressFunc() Func {
	dec, _ := zstd.NewReader(nil)
	return func(data []byte) ([]byte, error) {
		if len(data) == 0 {
			return nil, io.ErrUnexpectedEOF
		}
		meta, body := data[0], data[1:]
		switch meta {
		case metaStored:
			out := make([]byte, len(body))
			copy(out, body)
			return out, nil
		case metaCompressed:
			return dec.DecodeAll(body, nil)
		default:
			return nil, fmt.Errorf("workerpool: unknown compression meta byte %#x", meta)
		}
	}
}

// NewCompressor builds a Pool running zstd compression over the
// submit(bytes)/results() contract every workerpool.Pool exposes.
func NewCompressor(workers int) *Pool { return New(workers, CompressFunc()) }

// NewDecompressor builds the inverse Pool.
func NewDecompressor(workers int) *Pool { return New(workers, DecompressFunc()) }
