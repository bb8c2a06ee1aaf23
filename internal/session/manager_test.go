package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/protocol"
	"github.com/danmuck/busctl/internal/testutil/testlog"
)

// acceptor is a minimal remote peer: it completes handshakes and hands
// the resulting connections to the test.
type acceptor struct {
	ln    net.Listener
	conns chan *netx.Conn
}

func startAcceptor(t *testing.T, identity string) *acceptor {
	t.Helper()
	ln, err := netx.TCPNetwork{}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := &acceptor{ln: ln, conns: make(chan *netx.Conn, 8)}
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn, err := netx.AcceptPeer(raw, identity, 2*time.Second)
				if err != nil {
					_ = raw.Close()
					return
				}
				a.conns <- conn
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return a
}

func (a *acceptor) addr() string { return a.ln.Addr().String() }

func (a *acceptor) accepted(t *testing.T) *netx.Conn {
	t.Helper()
	select {
	case c := <-a.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

func testManagerConfig() Config {
	cfg := DefaultConfig("local-node")
	cfg.IdleTimeout = 0 // sweeps are exercised explicitly
	return cfg
}

func TestGetOrOpenSharesOneDial(t *testing.T) {
	testlog.Start(t)
	remote := startAcceptor(t, "peer-1")
	m := NewManager(netx.TCPNetwork{}, testManagerConfig())
	defer m.Shutdown(context.Background())

	const callers = 8
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr())
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}

	remote.accepted(t)
	select {
	case <-remote.conns:
		t.Fatalf("expected exactly one dial for one identity")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestGetOrOpenDialFailure(t *testing.T) {
	testlog.Start(t)
	m := NewManager(netx.TCPNetwork{DialTimeout: 500 * time.Millisecond}, testManagerConfig())
	defer m.Shutdown(context.Background())

	_, err := m.GetOrOpen(context.Background(), "peer-1", "127.0.0.1:1")
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}

	// the failed slot must not poison later attempts
	remote := startAcceptor(t, "peer-1")
	if _, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr()); err != nil {
		t.Fatalf("expected retry to dial fresh, got %v", err)
	}
}

func TestPeerDisconnectFailsPendingCalls(t *testing.T) {
	testlog.Start(t)
	remote := startAcceptor(t, "peer-1")
	m := NewManager(netx.TCPNetwork{}, testManagerConfig())
	defer m.Shutdown(context.Background())

	s, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p := m.Pending().Track("corr-1", "peer-1")

	conn := remote.accepted(t)
	_ = conn.Close()

	select {
	case ev := <-p.Events:
		if ev.Kind != EventError || !errors.Is(ev.Err, ErrConnectionLost) {
			t.Fatalf("expected connection lost, got %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("pending call never failed")
	}
	m.Pending().Untrack("corr-1")

	if got := s.State(); got != StateClosed {
		t.Fatalf("expected closed session, got %s", got)
	}
	if _, ok := m.Lookup("peer-1"); ok {
		t.Fatalf("closed session still registered")
	}
}

func TestDrainingRejectsNewSendsButNotReplies(t *testing.T) {
	testlog.Start(t)
	remote := startAcceptor(t, "peer-1")
	m := NewManager(netx.TCPNetwork{}, testManagerConfig())
	defer m.Shutdown(context.Background())

	s, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	remote.accepted(t)

	s.state.Store(int32(StateDraining))

	req := protocol.Envelope{
		Kind:          protocol.MsgRequest,
		CorrelationID: "corr-1",
		Topic:         "echo",
		Source:        "local-node",
		Target:        "peer-1",
	}
	if _, err := s.Send(req); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}

	reply := protocol.Envelope{
		Kind:          protocol.MsgReply,
		CorrelationID: "corr-1",
		Source:        "local-node",
		Target:        "peer-1",
	}
	if err := s.SendReply(reply); err != nil {
		t.Fatalf("expected reply to pass while draining, got %v", err)
	}
}

func TestStaleRepliesAreDiscarded(t *testing.T) {
	testlog.Start(t)
	remote := startAcceptor(t, "peer-1")
	m := NewManager(netx.TCPNetwork{}, testManagerConfig())
	defer m.Shutdown(context.Background())

	if _, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr()); err != nil {
		t.Fatalf("open: %v", err)
	}
	conn := remote.accepted(t)

	p := m.Pending().Track("corr-1", "peer-1")
	m.Pending().Untrack("corr-1")

	// late reply for an abandoned call; the read loop must absorb it
	late := protocol.Envelope{
		Kind:          protocol.MsgReply,
		CorrelationID: "corr-1",
		Source:        "peer-1",
		Target:        "local-node",
	}
	if err := conn.WriteEnvelope(late, time.Second); err != nil {
		t.Fatalf("write late reply: %v", err)
	}

	select {
	case ev := <-p.Events:
		t.Fatalf("stale reply delivered to abandoned slot: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
	if _, ok := m.Lookup("peer-1"); !ok {
		t.Fatalf("stale reply must not kill the session")
	}
}

func TestIdleSweepClosesQuietSessions(t *testing.T) {
	testlog.Start(t)
	remote := startAcceptor(t, "peer-1")

	clk := clock.NewMock()
	cfg := DefaultConfig("local-node")
	cfg.IdleTimeout = time.Minute
	cfg.SweepInterval = 15 * time.Second
	m := NewManagerWithClock(netx.TCPNetwork{}, cfg, clk)
	defer m.Shutdown(context.Background())

	if _, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr()); err != nil {
		t.Fatalf("open: %v", err)
	}
	remote.accepted(t)
	p := m.Pending().Track("corr-1", "peer-1")

	// let the sweep ticker arm before moving time
	time.Sleep(50 * time.Millisecond)
	clk.Add(2 * time.Minute)

	select {
	case ev := <-p.Events:
		if ev.Kind != EventError || !errors.Is(ev.Err, ErrConnectionLost) {
			t.Fatalf("expected connection lost from sweep, got %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("idle session never swept")
	}
	m.Pending().Untrack("corr-1")
	if _, ok := m.Lookup("peer-1"); ok {
		t.Fatalf("idle session still registered after sweep")
	}
}

func TestAdoptReplacesExistingSession(t *testing.T) {
	testlog.Start(t)
	remote := startAcceptor(t, "peer-1")
	m := NewManager(netx.TCPNetwork{}, testManagerConfig())
	defer m.Shutdown(context.Background())

	first, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	remote.accepted(t)

	// the same identity reconnects inbound
	ln, err := netx.TCPNetwork{}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	var second *Session
	done := make(chan struct{})
	go func() {
		defer close(done)
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn, err := netx.AcceptPeer(raw, "local-node", 2*time.Second)
		if err != nil {
			_ = raw.Close()
			return
		}
		second = m.Adopt(conn)
	}()

	inbound, err := netx.DialPeer(context.Background(), netx.TCPNetwork{}, ln.Addr().String(), "peer-1", 2*time.Second)
	if err != nil {
		t.Fatalf("inbound dial: %v", err)
	}
	t.Cleanup(func() { _ = inbound.Close() })
	<-done
	if second == nil {
		t.Fatalf("adopt failed")
	}

	waitFor(t, func() bool { return first.State() == StateClosed })
	if got, ok := m.Lookup("peer-1"); !ok || got != second {
		t.Fatalf("expected adopted session to own the identity")
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	testlog.Start(t)
	remote := startAcceptor(t, "peer-1")
	m := NewManager(netx.TCPNetwork{}, testManagerConfig())

	s, err := m.GetOrOpen(context.Background(), "peer-1", remote.addr())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	remote.accepted(t)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("expected closed after shutdown, got %s", got)
	}
	if _, err := m.GetOrOpen(context.Background(), "peer-2", remote.addr()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected closed manager to refuse opens, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met")
}
