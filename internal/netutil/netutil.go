// Package netutil tunes client/server TCP sockets for small, latency-bound
// request/response exchanges.
package netutil

import (
	"net"

	"k8s.io/klog/v2"
)

// BufferSize is the socket send and receive buffer size.
const BufferSize = 64 << 10

// Tune disables Nagle, sizes the socket buffers and enables quick ACKs.
// Connections that are not TCP are left untouched.
func Tune(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		klog.V(1).Infof("TCP_NODELAY: %v", err)
	}
	if err := tc.SetReadBuffer(BufferSize); err != nil {
		klog.V(1).Infof("SO_RCVBUF: %v", err)
	}
	if err := tc.SetWriteBuffer(BufferSize); err != nil {
		klog.V(1).Infof("SO_SNDBUF: %v", err)
	}
	QuickAck(conn)
}

// QuickAck re-arms TCP_QUICKACK where the platform supports it. Linux
// clears the flag after ACKs are sent, so callers re-arm it per exchange.
func QuickAck(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := setQuickAck(tc); err != nil {
		klog.V(2).Infof("TCP_QUICKACK: %v", err)
	}
}
