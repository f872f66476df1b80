package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	ringoram "github.com/etclab/ringoram-go"
)

// Op is a request type code.
type Op uint32

const (
	OpReadBucket  Op = 1
	OpWriteBucket Op = 2
	OpReadPath    Op = 3
	OpResponse    Op = 100
)

func (op Op) String() string {
	switch op {
	case OpReadBucket:
		return "READ_BUCKET"
	case OpWriteBucket:
		return "WRITE_BUCKET"
	case OpReadPath:
		return "READ_PATH"
	case OpResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("OP(%d)", uint32(op))
	}
}

// Response result codes.
const (
	ResultOK     uint32 = 0
	ResultFailed uint32 = 1
)

const (
	// HeaderSize is the size of both request and response headers.
	HeaderSize = 16

	// MaxFrameSize bounds data_len on either direction.
	MaxFrameSize = 64 << 20

	// MaxPathPayload is the largest block payload a READ_PATH response
	// carries after the is_dummy byte.
	MaxPathPayload = 4095
)

// RequestHeader precedes every request.
type RequestHeader struct {
	Type      Op
	RequestID uint32
	DataLen   uint32
	Reserved  uint32
}

// ResponseHeader precedes every response.
type ResponseHeader struct {
	Type      Op
	RequestID uint32
	Result    uint32
	DataLen   uint32
}

func putHeader(dst []byte, a, b, c, d uint32) {
	binary.LittleEndian.PutUint32(dst[0:], a)
	binary.LittleEndian.PutUint32(dst[4:], b)
	binary.LittleEndian.PutUint32(dst[8:], c)
	binary.LittleEndian.PutUint32(dst[12:], d)
}

func getHeader(src []byte) (a, b, c, d uint32) {
	return binary.LittleEndian.Uint32(src[0:]),
		binary.LittleEndian.Uint32(src[4:]),
		binary.LittleEndian.Uint32(src[8:]),
		binary.LittleEndian.Uint32(src[12:])
}

// WriteRequest sends one request frame.
func WriteRequest(w io.Writer, op Op, requestID uint32, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: request payload %d bytes exceeds %d", ringoram.ErrSerialization, len(payload), MaxFrameSize)
	}
	var hdr [HeaderSize]byte
	putHeader(hdr[:], uint32(op), requestID, uint32(len(payload)), 0)
	return writeFrame(w, hdr[:], payload)
}

// ReadRequest receives one request frame.
func ReadRequest(r io.Reader) (RequestHeader, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return RequestHeader{}, nil, err
	}
	t, id, n, res := getHeader(hdr[:])
	h := RequestHeader{Type: Op(t), RequestID: id, DataLen: n, Reserved: res}
	payload, err := readPayload(r, n)
	return h, payload, err
}

// WriteResponse sends one response frame.
func WriteResponse(w io.Writer, requestID, result uint32, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: response payload %d bytes exceeds %d", ringoram.ErrSerialization, len(payload), MaxFrameSize)
	}
	var hdr [HeaderSize]byte
	putHeader(hdr[:], uint32(OpResponse), requestID, result, uint32(len(payload)))
	return writeFrame(w, hdr[:], payload)
}

// ReadResponse receives one response frame.
func ReadResponse(r io.Reader) (ResponseHeader, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ResponseHeader{}, nil, err
	}
	t, id, result, n := getHeader(hdr[:])
	h := ResponseHeader{Type: Op(t), RequestID: id, Result: result, DataLen: n}
	payload, err := readPayload(r, n)
	return h, payload, err
}

func readPayload(r io.Reader, n uint32) ([]byte, error) {
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ringoram.ErrProtocol, n, MaxFrameSize)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame sends header and payload in one vectored write.
func writeFrame(w io.Writer, hdr, payload []byte) error {
	bufs := net.Buffers{hdr}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	_, err := bufs.WriteTo(w)
	return err
}
