package session

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/protocol"
)

// State is the session lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrConnectionLost = errors.New("session: connection lost")
	ErrDraining       = errors.New("session: draining")
)

// SendReceipt confirms a successful socket hand-off.
type SendReceipt struct {
	Peer   string
	SentAt time.Time
}

// Session is one identity-bound connection. The socket handle is owned
// exclusively by the manager; callers go through Send.
type Session struct {
	peer string
	conn *netx.Conn
	mgr  *Manager

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
}

// Peer returns the remote identity this session is bound to.
func (s *Session) Peer() string { return s.peer }

// State returns the current lifecycle position.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity returns the instant of the last send or receive.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// Send writes one envelope on the session. Draining sessions reject new
// sends; a write failure closes the session and surfaces ConnectionLost.
func (s *Session) Send(e protocol.Envelope) (SendReceipt, error) {
	switch s.State() {
	case StateDraining:
		return SendReceipt{}, ErrDraining
	case StateClosed:
		return SendReceipt{}, ErrConnectionLost
	}
	if err := s.conn.WriteEnvelope(e, s.mgr.cfg.WriteTimeout); err != nil {
		s.mgr.closeSession(s, ErrConnectionLost)
		return SendReceipt{}, ErrConnectionLost
	}
	now := s.mgr.clk.Now()
	s.touch(now)
	return SendReceipt{Peer: s.peer, SentAt: now}, nil
}

// SendReply bypasses the draining check so in-flight replies and acks
// still go out while a session drains.
func (s *Session) SendReply(e protocol.Envelope) error {
	if s.State() == StateClosed {
		return ErrConnectionLost
	}
	if err := s.conn.WriteEnvelope(e, s.mgr.cfg.WriteTimeout); err != nil {
		s.mgr.closeSession(s, ErrConnectionLost)
		return ErrConnectionLost
	}
	s.touch(s.mgr.clk.Now())
	return nil
}
