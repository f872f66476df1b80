package wire

import (
	"fmt"

	ringoram "github.com/etclab/ringoram-go"
)

// EncodeReadBucket builds a READ_BUCKET request payload.
func EncodeReadBucket(pos int) []byte {
	buf := make([]byte, 4)
	w := writer{buf: buf}
	w.i32(pos)
	return buf
}

// DecodeReadBucket parses a READ_BUCKET request payload.
func DecodeReadBucket(payload []byte) (int, error) {
	r := reader{buf: payload}
	pos := r.i32()
	if r.err != nil {
		return 0, r.fail("READ_BUCKET position")
	}
	if r.remaining() != 0 {
		return 0, fmt.Errorf("%w: READ_BUCKET payload is %d bytes, want 4", ringoram.ErrProtocol, len(payload))
	}
	return pos, nil
}

// EncodeWriteBucket builds a WRITE_BUCKET request payload.
func EncodeWriteBucket(pos int, b *ringoram.Bucket) ([]byte, error) {
	buf := make([]byte, 4+EncodedBucketSize(b))
	w := writer{buf: buf}
	w.i32(pos)
	if _, err := EncodeBucketInto(buf[4:], b); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeWriteBucket parses a WRITE_BUCKET request payload.
func DecodeWriteBucket(payload []byte) (int, *ringoram.Bucket, error) {
	r := reader{buf: payload}
	pos := r.i32()
	if r.err != nil {
		return 0, nil, r.fail("WRITE_BUCKET position")
	}
	b, err := DecodeBucket(payload[4:])
	if err != nil {
		return 0, nil, err
	}
	return pos, b, nil
}

// EncodeReadPath builds a READ_PATH request payload.
func EncodeReadPath(leaf, blockIndex int) []byte {
	buf := make([]byte, 8)
	w := writer{buf: buf}
	w.i32(leaf)
	w.i32(blockIndex)
	return buf
}

// DecodeReadPath parses a READ_PATH request payload.
func DecodeReadPath(payload []byte) (leaf, blockIndex int, err error) {
	r := reader{buf: payload}
	leaf, blockIndex = r.i32(), r.i32()
	if r.err != nil {
		return 0, 0, r.fail("READ_PATH request")
	}
	if r.remaining() != 0 {
		return 0, 0, fmt.Errorf("%w: READ_PATH payload is %d bytes, want 8", ringoram.ErrProtocol, len(payload))
	}
	return leaf, blockIndex, nil
}

// EncodePathResult builds a READ_PATH response payload: an is_dummy byte
// followed by at most limit bytes of data. truncated reports whether data
// was cut.
func EncodePathResult(data []byte, found bool, limit int) (payload []byte, truncated bool) {
	if !found {
		return []byte{1}, false
	}
	if len(data) > limit {
		data, truncated = data[:limit], true
	}
	payload = make([]byte, 1+len(data))
	copy(payload[1:], data)
	return payload, truncated
}

// DecodePathResult parses a READ_PATH response payload.
func DecodePathResult(payload []byte) (data []byte, found bool, err error) {
	if len(payload) < 1 {
		return nil, false, fmt.Errorf("%w: empty READ_PATH response", ringoram.ErrProtocol)
	}
	switch payload[0] {
	case 1:
		return nil, false, nil
	case 0:
		if len(payload) == 1 {
			return nil, true, nil
		}
		return append([]byte(nil), payload[1:]...), true, nil
	default:
		return nil, false, fmt.Errorf("%w: is_dummy flag %d", ringoram.ErrProtocol, payload[0])
	}
}
