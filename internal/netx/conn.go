package netx

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/busctl/internal/protocol"
	"github.com/danmuck/busctl/internal/protocol/frame"
)

// Conn is one identity-bound connection carrying framed envelopes.
// Writes are serialized; reads belong to a single reader goroutine.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	peer   string

	writeMu sync.Mutex
}

// Peer returns the identity the remote side announced at handshake.
func (c *Conn) Peer() string { return c.peer }

func (c *Conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }

func (c *Conn) Close() error { return c.raw.Close() }

func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// ReadEnvelope reads the next framed envelope from the stream.
func (c *Conn) ReadEnvelope(limits frame.Limits) (protocol.Envelope, error) {
	return protocol.ReadEnvelope(c.reader, limits)
}

// ReadFrame reads the next raw frame, leaving envelope decoding to the
// caller. A frame error means the stream is desynced; an envelope
// decode error on a well-formed frame is recoverable.
func (c *Conn) ReadFrame(limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(c.reader, limits)
}

// WriteFrame writes one raw frame, bounded by writeTimeout.
func (c *Conn) WriteFrame(f frame.Frame, writeTimeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	return frame.WriteFrame(c.raw, f, frame.DefaultLimits())
}

// WriteEnvelope writes one framed envelope, bounded by writeTimeout.
func (c *Conn) WriteEnvelope(e protocol.Envelope, writeTimeout time.Duration) error {
	raw, err := protocol.EncodeEnvelope(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	_, err = c.raw.Write(raw)
	return err
}

// DialPeer opens a connection to addr and completes the identity
// handshake as localIdentity. The returned Conn is OPEN on success.
func DialPeer(ctx context.Context, network Network, addr, localIdentity string, handshakeTimeout time.Duration) (*Conn, error) {
	raw, err := network.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn, err := completeDialHandshake(raw, localIdentity, handshakeTimeout)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func completeDialHandshake(raw net.Conn, localIdentity string, timeout time.Duration) (*Conn, error) {
	if timeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(timeout))
	}
	if err := WriteHello(raw, Hello{Identity: localIdentity}); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(raw)
	welcome, err := ReadWelcome(reader)
	if err != nil {
		return nil, err
	}
	if welcome.Status != HelloStatusAccepted {
		return nil, fmt.Errorf("%w: %s", ErrHelloRejected, welcome.Message)
	}
	_ = raw.SetDeadline(time.Time{})
	return &Conn{raw: raw, reader: reader, peer: welcome.Identity}, nil
}

// AcceptPeer completes the listener side of the identity handshake on an
// accepted raw connection, answering as localIdentity.
func AcceptPeer(raw net.Conn, localIdentity string, handshakeTimeout time.Duration) (*Conn, error) {
	if handshakeTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	reader := bufio.NewReader(raw)
	hello, err := ReadHello(reader)
	if err != nil {
		_ = WriteWelcome(raw, Welcome{
			Identity: localIdentity,
			Status:   HelloStatusRejected,
			Message:  "invalid hello",
		})
		return nil, err
	}
	if err := WriteWelcome(raw, Welcome{Identity: localIdentity, Status: HelloStatusAccepted}); err != nil {
		return nil, err
	}
	_ = raw.SetDeadline(time.Time{})
	return &Conn{raw: raw, reader: reader, peer: hello.Identity}, nil
}
