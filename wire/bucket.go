package wire

import (
	"encoding/binary"
	"fmt"

	ringoram "github.com/etclab/ringoram-go"
)

const (
	bucketHeaderSize = 16
	blockHeaderSize  = 12
)

// EncodedBucketSize returns the number of bytes EncodeBucket produces for b.
func EncodedBucketSize(b *ringoram.Bucket) int {
	n := bucketHeaderSize + 2*4*b.Slots()
	for _, blk := range b.Blocks {
		n += blockHeaderSize + len(blk.Data)
	}
	return n
}

// EncodeBucket serializes b into a new buffer.
func EncodeBucket(b *ringoram.Bucket) ([]byte, error) {
	buf := make([]byte, EncodedBucketSize(b))
	if _, err := EncodeBucketInto(buf, b); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeBucketInto serializes b into dst and returns the number of bytes
// written. A dst shorter than EncodedBucketSize(b) is a serialization error
// and nothing is written.
func EncodeBucketInto(dst []byte, b *ringoram.Bucket) (int, error) {
	if len(b.Ptrs) != b.Slots() || len(b.Valids) != b.Slots() {
		return 0, fmt.Errorf("%w: bucket has %d ptrs and %d valids, want %d",
			ringoram.ErrSerialization, len(b.Ptrs), len(b.Valids), b.Slots())
	}
	size := EncodedBucketSize(b)
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ringoram.ErrSerialization, size, len(dst))
	}

	w := writer{buf: dst}
	w.i32(b.Z)
	w.i32(b.S)
	w.i32(b.Count)
	w.i32(len(b.Blocks))
	for _, blk := range b.Blocks {
		w.i32(blk.Leaf)
		w.i32(blk.Index)
		w.i32(len(blk.Data))
		w.bytes(blk.Data)
	}
	for _, p := range b.Ptrs {
		w.i32(p)
	}
	for _, v := range b.Valids {
		if v {
			w.i32(1)
		} else {
			w.i32(0)
		}
	}
	return w.off, nil
}

// DecodeBucket parses a serialized bucket. The whole of data must be
// consumed; truncated input, negative sizes and valids other than 0 or 1
// are protocol errors.
func DecodeBucket(data []byte) (*ringoram.Bucket, error) {
	r := reader{buf: data}
	z, s, count, numBlocks := r.i32(), r.i32(), r.i32(), r.i32()
	if r.err != nil {
		return nil, r.fail("bucket header")
	}
	if z < 0 || s < 0 || numBlocks < 0 {
		return nil, fmt.Errorf("%w: bucket header Z=%d S=%d blocks=%d", ringoram.ErrProtocol, z, s, numBlocks)
	}
	// Each block record needs at least its header.
	if numBlocks > r.remaining()/blockHeaderSize {
		return nil, fmt.Errorf("%w: %d block records cannot fit in %d bytes", ringoram.ErrProtocol, numBlocks, r.remaining())
	}

	b := &ringoram.Bucket{
		Z:      z,
		S:      s,
		Count:  count,
		Blocks: make([]ringoram.Block, numBlocks),
	}
	for i := range b.Blocks {
		leaf, index, size := r.i32(), r.i32(), r.i32()
		if r.err != nil {
			return nil, r.fail(fmt.Sprintf("block %d header", i))
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: block %d has negative size %d", ringoram.ErrProtocol, i, size)
		}
		payload := r.bytes(size)
		if r.err != nil {
			return nil, r.fail(fmt.Sprintf("block %d data", i))
		}
		b.Blocks[i] = ringoram.Block{Leaf: leaf, Index: index, Data: payload}
	}

	n := z + s
	if n > r.remaining()/8 {
		return nil, fmt.Errorf("%w: ptrs/valids for %d slots truncated", ringoram.ErrProtocol, n)
	}
	b.Ptrs = make([]int, n)
	for i := range b.Ptrs {
		b.Ptrs[i] = r.i32()
	}
	b.Valids = make([]bool, n)
	for i := range b.Valids {
		switch v := r.i32(); v {
		case 0:
		case 1:
			b.Valids[i] = true
		default:
			return nil, fmt.Errorf("%w: valids[%d]=%d", ringoram.ErrProtocol, i, v)
		}
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after bucket", ringoram.ErrProtocol, r.remaining())
	}
	return b, nil
}

type writer struct {
	buf []byte
	off int
}

func (w *writer) i32(v int) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(int32(v)))
	w.off += 4
}

func (w *writer) bytes(p []byte) {
	w.off += copy(w.buf[w.off:], p)
}

// reader is a bounds-checked little-endian cursor. After the first short
// read every further read returns zero values and err stays set.
type reader struct {
	buf []byte
	off int
	err error
}

var errShort = fmt.Errorf("%w: payload too short", ringoram.ErrProtocol)

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) i32() int {
	if r.err != nil || r.remaining() < 4 {
		r.err = errShort
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return int(v)
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || r.remaining() < n {
		r.err = errShort
		return nil
	}
	if n == 0 {
		return nil
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return out
}

func (r *reader) fail(what string) error {
	return fmt.Errorf("%w: %s at offset %d of %d", r.err, what, r.off, len(r.buf))
}
