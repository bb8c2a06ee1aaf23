package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/observability"
	"github.com/danmuck/busctl/internal/protocol"
	"github.com/danmuck/busctl/internal/protocol/frame"
)

// Config tunes session manager behavior.
type Config struct {
	Identity         string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	DrainTimeout     time.Duration
	SweepInterval    time.Duration
	Limits           frame.Limits
}

func DefaultConfig(identity string) Config {
	return Config{
		Identity:         identity,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      2 * time.Minute,
		DrainTimeout:     10 * time.Second,
		SweepInterval:    15 * time.Second,
		Limits:           frame.DefaultLimits(),
	}
}

// InboundHandler receives request envelopes that are not correlated
// replies or acks. Responder runtimes install one; pure callers don't.
type InboundHandler func(s *Session, e protocol.Envelope)

type slot struct {
	ready chan struct{}
	sess  *Session
	err   error
}

// Manager owns every session keyed by peer identity plus the pending
// call table fed by their read loops.
type Manager struct {
	cfg       Config
	network   netx.Network
	clk       clock.Clock
	pending   *PendingTable
	onInbound InboundHandler

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewManager(network netx.Network, cfg Config) *Manager {
	return NewManagerWithClock(network, cfg, clock.New())
}

func NewManagerWithClock(network netx.Network, cfg Config, clk clock.Clock) *Manager {
	m := &Manager{
		cfg:       cfg,
		network:   network,
		clk:       clk,
		pending:   NewPendingTable(),
		slots:     make(map[string]*slot),
		stopSweep: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 && cfg.SweepInterval > 0 {
		go m.sweepIdle()
	}
	return m
}

// SetInboundHandler installs the request dispatcher. Must be called
// before any session opens.
func (m *Manager) SetInboundHandler(h InboundHandler) { m.onInbound = h }

// Pending exposes the correlation table to the reliability layer.
func (m *Manager) Pending() *PendingTable { return m.pending }

// Identity returns the local identity announced at handshake.
func (m *Manager) Identity() string { return m.cfg.Identity }

// GetOrOpen returns the session for a peer identity, dialing addr when
// none exists. Concurrent calls for one identity share a single dial.
func (m *Manager) GetOrOpen(ctx context.Context, peer, addr string) (*Session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrConnectionLost
		}
		sl, ok := m.slots[peer]
		if !ok {
			sl = &slot{ready: make(chan struct{})}
			m.slots[peer] = sl
			m.mu.Unlock()
			m.dial(ctx, peer, addr, sl)
		} else {
			m.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sl.ready:
		}
		if sl.err != nil {
			return nil, sl.err
		}
		if sl.sess.State() == StateClosed {
			// stale slot from a session that died; retry once cleaned
			m.mu.Lock()
			if cur, ok := m.slots[peer]; ok && cur == sl {
				delete(m.slots, peer)
			}
			m.mu.Unlock()
			continue
		}
		return sl.sess, nil
	}
}

func (m *Manager) dial(ctx context.Context, peer, addr string, sl *slot) {
	conn, err := netx.DialPeer(ctx, m.network, addr, m.cfg.Identity, m.cfg.HandshakeTimeout)
	if err != nil {
		m.mu.Lock()
		delete(m.slots, peer)
		m.mu.Unlock()
		sl.err = ErrConnectionLost
		log.Warn().Str("peer", peer).Str("addr", addr).Err(err).Msg("session dial failed")
		close(sl.ready)
		return
	}
	s := &Session{peer: peer, conn: conn, mgr: m}
	s.state.Store(int32(StateOpen))
	s.touch(m.clk.Now())
	sl.sess = s
	close(sl.ready)
	observability.RecordSessionOpened()
	go m.readLoop(s)
}

// Adopt registers an accepted, handshake-complete connection as a
// session. An existing session for the same identity is closed first.
func (m *Manager) Adopt(conn *netx.Conn) *Session {
	peer := conn.Peer()
	s := &Session{peer: peer, conn: conn, mgr: m}
	s.state.Store(int32(StateOpen))
	s.touch(m.clk.Now())

	sl := &slot{ready: make(chan struct{}), sess: s}
	close(sl.ready)

	m.mu.Lock()
	old, had := m.slots[peer]
	m.slots[peer] = sl
	m.mu.Unlock()
	if had && old.sess != nil {
		m.closeSession(old.sess, ErrConnectionLost)
	}

	observability.RecordSessionOpened()
	go m.readLoop(s)
	return s
}

// Lookup returns the open session for a peer without dialing.
func (m *Manager) Lookup(peer string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.slots[peer]
	if !ok || sl.sess == nil || sl.sess.State() == StateClosed {
		return nil, false
	}
	return sl.sess, true
}

func (m *Manager) readLoop(s *Session) {
	for {
		env, err := s.conn.ReadEnvelope(m.cfg.Limits)
		if err != nil {
			m.closeSession(s, ErrConnectionLost)
			return
		}
		s.touch(m.clk.Now())
		m.dispatch(s, env)
	}
}

func (m *Manager) dispatch(s *Session, env protocol.Envelope) {
	switch {
	case env.IsAck():
		if !m.pending.Dispatch(env.CorrelationID, Event{Kind: EventAck, Envelope: env}) {
			observability.RecordStaleMessage("ack")
			log.Debug().Str("correlation_id", env.CorrelationID).Msg("stale ack discarded")
		}
	case env.IsReply():
		if !m.pending.Dispatch(env.CorrelationID, Event{Kind: EventReply, Envelope: env}) {
			observability.RecordStaleMessage("reply")
			log.Debug().Str("correlation_id", env.CorrelationID).Msg("stale reply discarded")
		}
	default:
		if m.onInbound == nil {
			log.Warn().
				Str("peer", s.peer).
				Str("correlation_id", env.CorrelationID).
				Msg("request dropped: no inbound handler")
			return
		}
		m.onInbound(s, env)
	}
}

func (m *Manager) closeSession(s *Session, cause error) {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) &&
		!s.state.CompareAndSwap(int32(StateConnecting), int32(StateClosed)) &&
		!s.state.CompareAndSwap(int32(StateDraining), int32(StateClosed)) {
		return
	}
	_ = s.conn.Close()
	m.mu.Lock()
	if sl, ok := m.slots[s.peer]; ok && sl.sess == s {
		delete(m.slots, s.peer)
	}
	m.mu.Unlock()
	observability.RecordSessionClosed()
	if n := m.pending.FailPeer(s.peer, cause); n > 0 {
		log.Warn().Str("peer", s.peer).Int("pending", n).Msg("session closed with in-flight calls")
	}
}

func (m *Manager) sweepIdle() {
	ticker := m.clk.Ticker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			cutoff := m.clk.Now().Add(-m.cfg.IdleTimeout)
			for _, s := range m.snapshot() {
				if s.State() == StateOpen && s.LastActivity().Before(cutoff) {
					log.Info().Str("peer", s.peer).Msg("closing idle session")
					m.closeSession(s, ErrConnectionLost)
				}
			}
		}
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.slots))
	for _, sl := range m.slots {
		if sl.sess != nil {
			out = append(out, sl.sess)
		}
	}
	return out
}

// Shutdown drains every session: new sends are rejected while in-flight
// replies are still accepted until the drain deadline, then all
// sessions force-close.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.sweepOnce.Do(func() { close(m.stopSweep) })

	for _, s := range m.snapshot() {
		s.state.CompareAndSwap(int32(StateOpen), int32(StateDraining))
	}

	deadline := m.clk.Now().Add(m.cfg.DrainTimeout)
	for m.pending.Len() > 0 && m.clk.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break
		case <-m.clk.After(50 * time.Millisecond):
		}
		if ctx.Err() != nil {
			break
		}
	}

	for _, s := range m.snapshot() {
		m.closeSession(s, ErrConnectionLost)
	}
	return nil
}
