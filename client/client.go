// Package client is the RingORAM transport: a single persistent TCP
// connection to the bucket storage server carrying one request at a time.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ringoram "github.com/etclab/ringoram-go"
	"github.com/etclab/ringoram-go/internal/netutil"
	"github.com/etclab/ringoram-go/wire"
	"k8s.io/klog/v2"
)

// ErrRequestFailed is returned when the server answers with a nonzero
// result code.
var ErrRequestFailed = errors.New("server reported request failure")

// Client implements ringoram.Backend over the wire protocol. A connection
// whose framing state is unknown after an I/O error or a mismatched
// response is dropped and redialed on the next request.
type Client struct {
	addr   string
	dialer net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	nextID uint32
	closed bool
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	c := &Client{
		addr:   addr,
		dialer: net.Dialer{KeepAlive: 30 * time.Second},
		nextID: 1,
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ringoram.ErrNetwork, c.addr, err)
	}
	netutil.Tune(conn)
	c.conn = conn
	c.r = bufio.NewReader(conn)
	klog.V(1).Infof("connected to storage server %s", c.addr)
	return nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.r = nil, nil
}

// Close closes the connection. Further requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r = nil, nil
	return err
}

// roundTrip sends one request and waits for its response. The deadline of
// ctx, if any, bounds the exchange and cancelling ctx aborts it.
func (c *Client) roundTrip(ctx context.Context, op wire.Op, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ringoram.ErrClosed
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}
	conn := c.conn

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		c.drop()
		return nil, fmt.Errorf("%w: set deadline: %w", ringoram.ErrNetwork, err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	id := c.nextID
	c.nextID++

	if err := wire.WriteRequest(conn, op, id, payload); err != nil {
		c.drop()
		return nil, c.ioError(ctx, "send", op, err)
	}
	hdr, resp, err := wire.ReadResponse(c.r)
	if err != nil {
		c.drop()
		if errors.Is(err, ringoram.ErrProtocol) {
			return nil, err
		}
		return nil, c.ioError(ctx, "receive", op, err)
	}
	netutil.QuickAck(conn)

	if hdr.Type != wire.OpResponse || hdr.RequestID != id {
		c.drop()
		return nil, fmt.Errorf("%w: %v response type=%d id=%d, want type=%d id=%d",
			ringoram.ErrProtocol, op, uint32(hdr.Type), hdr.RequestID, uint32(wire.OpResponse), id)
	}
	if hdr.Result != wire.ResultOK {
		return nil, fmt.Errorf("%w: %v result %d", ErrRequestFailed, op, hdr.Result)
	}
	return resp, nil
}

func (c *Client) ioError(ctx context.Context, what string, op wire.Op, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		err = context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %s %v: %w", ringoram.ErrNetwork, what, op, err)
}

// ReadBucket fetches the bucket at pos.
func (c *Client) ReadBucket(ctx context.Context, pos int) (*ringoram.Bucket, error) {
	resp, err := c.roundTrip(ctx, wire.OpReadBucket, wire.EncodeReadBucket(pos))
	if err != nil {
		return nil, err
	}
	return wire.DecodeBucket(resp)
}

// WriteBucket replaces the bucket at pos.
func (c *Client) WriteBucket(ctx context.Context, pos int, b *ringoram.Bucket) error {
	payload, err := wire.EncodeWriteBucket(pos, b)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, wire.OpWriteBucket, payload)
	return err
}

// ReadPath asks the server to consume one slot per level on the path to
// leaf and return blockIndex's payload if it was found.
func (c *Client) ReadPath(ctx context.Context, leaf, blockIndex int) ([]byte, bool, error) {
	resp, err := c.roundTrip(ctx, wire.OpReadPath, wire.EncodeReadPath(leaf, blockIndex))
	if err != nil {
		return nil, false, err
	}
	return wire.DecodePathResult(resp)
}

var _ ringoram.Backend = (*Client)(nil)
