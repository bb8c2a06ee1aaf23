// Package netx owns the identity-addressed stream transport.
//
// Ownership boundary:
// - dial/listen abstraction over TCP
// - per-connection identity handshake
// - framed envelope reads/writes on one connection
package netx

import (
	"context"
	"net"
	"time"
)

// Network abstracts the byte-stream transport so higher layers can be
// exercised against in-process pipes.
type Network interface {
	Listen(addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPNetwork is the production transport.
type TCPNetwork struct {
	DialTimeout time.Duration
}

func (n TCPNetwork) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func (n TCPNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: n.DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}
