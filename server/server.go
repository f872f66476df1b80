package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"github.com/etclab/ringoram-go/internal/netutil"
	"github.com/etclab/ringoram-go/wire"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Server accepts client connections and serves them one at a time over a
// single Handler.
type Server struct {
	handler *Handler
}

// New creates a Server around h.
func New(h *Handler) *Server {
	return &Server{handler: h}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Connections are served sequentially; the next client is accepted once the
// previous one disconnects. Serve closes ln and returns nil on cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gCtx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gCtx.Err() != nil {
					return nil
				}
				return err
			}
			s.handler.metrics.Connections.Inc()
			if err := s.ServeConn(gCtx, conn); err != nil {
				klog.Warningf("connection from %v: %v", conn.RemoteAddr(), err)
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

// ServeConn answers requests on conn until the peer disconnects or ctx is
// cancelled. conn is closed on return.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	netutil.Tune(conn)
	klog.Infof("client connected: %v", conn.RemoteAddr())
	r := bufio.NewReader(conn)
	for {
		hdr, payload, err := wire.ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				klog.Infof("client disconnected: %v", conn.RemoteAddr())
				return nil
			}
			return err
		}
		result, resp := s.handler.Handle(ctx, hdr.Type, payload)
		if err := wire.WriteResponse(conn, hdr.RequestID, result, resp); err != nil {
			return err
		}
		netutil.QuickAck(conn)
	}
}
