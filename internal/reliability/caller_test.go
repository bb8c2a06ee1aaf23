package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/busctl/internal/matchmaker"
	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/protocol"
	"github.com/danmuck/busctl/internal/protocol/frame"
	"github.com/danmuck/busctl/internal/registry"
	"github.com/danmuck/busctl/internal/session"
	"github.com/danmuck/busctl/internal/testutil/testlog"
)

// responder is a scripted remote endpoint. Its behavior func runs once
// per inbound request.
type responder struct {
	ln       net.Listener
	identity string
	requests atomic.Int32
	behavior func(conn *netx.Conn, env protocol.Envelope)
}

func startResponder(t *testing.T, identity string, behavior func(conn *netx.Conn, env protocol.Envelope)) *responder {
	t.Helper()
	ln, err := netx.TCPNetwork{}.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &responder{ln: ln, identity: identity, behavior: behavior}
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
				for {
					env, err := conn.ReadEnvelope(frame.DefaultLimits())
					if err != nil {
						_ = conn.Close()
						return
					}
					r.requests.Add(1)
					go r.behavior(conn, env)
				}
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return r
}

func (r *responder) addr() string { return r.ln.Addr().String() }

func echoBehavior(conn *netx.Conn, env protocol.Envelope) {
	reply := protocol.Envelope{
		Kind:          protocol.MsgReply,
		CorrelationID: env.CorrelationID,
		Source:        env.Target,
		Target:        env.Source,
		Hops:          env.Hops,
		Payload:       append([]byte("pong:"), env.Payload...),
	}
	_ = conn.WriteEnvelope(reply, time.Second)
}

func ackOf(env protocol.Envelope) protocol.Envelope {
	return protocol.Envelope{
		Kind:          protocol.MsgAck,
		CorrelationID: env.CorrelationID,
		Source:        env.Target,
		Target:        env.Source,
		Hops:          env.Hops,
	}
}

func register(t *testing.T, store registry.Store, topic string, r *responder) {
	t.Helper()
	ep := registry.Endpoint{Address: r.addr(), Identity: r.identity}
	if err := store.Put(context.Background(), topic, ep, time.Minute); err != nil {
		t.Fatalf("register %s: %v", r.identity, err)
	}
}

func newTestCaller(t *testing.T, store registry.Store, mutate func(*Config)) *Caller {
	t.Helper()
	mm := matchmaker.New(store, matchmaker.Config{})
	sessions := session.NewManager(netx.TCPNetwork{}, session.DefaultConfig("caller-node"))
	t.Cleanup(func() { _ = sessions.Shutdown(context.Background()) })

	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.AttemptTimeout = 500 * time.Millisecond
	cfg.TransientBackoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.0}
	cfg.EmptyBindingBackoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.0}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewCaller(mm, sessions, cfg)
}

func TestCallDeliversReply(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", echoBehavior)
	register(t, store, "echo", r)

	c := newTestCaller(t, store, nil)
	out, err := c.Call(context.Background(), "echo", []byte("hello"), CallOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(out) != "pong:hello" {
		t.Fatalf("got %q, want pong:hello", out)
	}
	if n := r.requests.Load(); n != 1 {
		t.Fatalf("expected 1 request, got %d", n)
	}
}

func TestCallRetriesAfterSilentAttempt(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", nil)
	r.behavior = func(conn *netx.Conn, env protocol.Envelope) {
		// first delivery is swallowed; the retry gets an answer
		if env.Attempt < 2 {
			return
		}
		echoBehavior(conn, env)
	}
	register(t, store, "echo", r)

	c := newTestCaller(t, store, func(cfg *Config) {
		cfg.AttemptTimeout = 200 * time.Millisecond
	})
	out, err := c.Call(context.Background(), "echo", []byte("again"), CallOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(out) != "pong:again" {
		t.Fatalf("got %q", out)
	}
	if n := r.requests.Load(); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

// countingStore counts registry reads so tests can prove retries force
// a fresh resolution instead of reusing the cache.
type countingStore struct {
	registry.Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, topic string) ([]registry.Endpoint, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, topic)
}

func TestCallExhaustsAttemptBudget(t *testing.T) {
	testlog.Start(t)
	store := &countingStore{Store: registry.NewMemoryStore()}
	r := startResponder(t, "svc-1", func(conn *netx.Conn, env protocol.Envelope) {})
	register(t, store, "echo", r)

	c := newTestCaller(t, store, func(cfg *Config) {
		cfg.MaxAttempts = 3
		cfg.AttemptTimeout = 100 * time.Millisecond
	})
	_, err := c.Call(context.Background(), "echo", []byte("void"), CallOptions{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if n := r.requests.Load(); n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}
	// attempt 1 misses the cache; attempts 2 and 3 bypass it
	if n := store.gets.Load(); n != 3 {
		t.Fatalf("expected a forced refresh per retry, got %d registry reads", n)
	}
}

func TestAckResetsReplyClock(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", nil)
	r.behavior = func(conn *netx.Conn, env protocol.Envelope) {
		// ack and reply each land inside the per-wait window, but the
		// total exceeds a single one
		time.Sleep(200 * time.Millisecond)
		_ = conn.WriteEnvelope(ackOf(env), time.Second)
		time.Sleep(200 * time.Millisecond)
		echoBehavior(conn, env)
	}
	register(t, store, "echo", r)

	c := newTestCaller(t, store, func(cfg *Config) {
		cfg.AckEnabled = true
		cfg.AttemptTimeout = 300 * time.Millisecond
	})
	out, err := c.Call(context.Background(), "echo", []byte("slow"), CallOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(out) != "pong:slow" {
		t.Fatalf("got %q", out)
	}
	if n := r.requests.Load(); n != 1 {
		t.Fatalf("ack must not consume the retry budget, deliveries: %d", n)
	}
}

func TestCallRemoteErrorIsTerminal(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", func(conn *netx.Conn, env protocol.Envelope) {
		reply := protocol.Envelope{
			Kind:          protocol.MsgReply,
			CorrelationID: env.CorrelationID,
			Source:        env.Target,
			Target:        env.Source,
			Hops:          env.Hops,
			Error:         "handler blew up",
		}
		_ = conn.WriteEnvelope(reply, time.Second)
	})
	register(t, store, "echo", r)

	c := newTestCaller(t, store, nil)
	_, err := c.Call(context.Background(), "echo", nil, CallOptions{})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if !strings.Contains(err.Error(), "handler blew up") {
		t.Fatalf("remote detail lost: %v", err)
	}
	if n := r.requests.Load(); n != 1 {
		t.Fatalf("remote errors must not be retried, deliveries: %d", n)
	}
}

func TestCallCancelledMidWait(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", func(conn *netx.Conn, env protocol.Envelope) {})
	register(t, store, "echo", r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := newTestCaller(t, store, func(cfg *Config) {
		cfg.AttemptTimeout = 5 * time.Second
	})
	_, err := c.Call(ctx, "echo", nil, CallOptions{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestCallWaitsForLateRegistration(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", echoBehavior)

	c := newTestCaller(t, store, func(cfg *Config) {
		cfg.MaxAttempts = 1
		cfg.FirstResolveAttempts = 10
		cfg.FirstResolveDelay = 50 * time.Millisecond
	})

	// the endpoint registers only after the call has started resolving
	go func() {
		time.Sleep(120 * time.Millisecond)
		ep := registry.Endpoint{Address: r.addr(), Identity: r.identity}
		_ = store.Put(context.Background(), "late.topic", ep, time.Minute)
	}()

	out, err := c.Call(context.Background(), "late.topic", []byte("early"), CallOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(out) != "pong:early" {
		t.Fatalf("got %q", out)
	}
}

func TestCallEmptyBindingExhausts(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	c := newTestCaller(t, store, func(cfg *Config) {
		cfg.MaxAttempts = 2
	})
	start := time.Now()
	_, err := c.Call(context.Background(), "nobody-home", nil, CallOptions{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("empty binding took %v, resolution must stay bounded", elapsed)
	}
}

func TestCastCompletesOnHandoff(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	got := make(chan protocol.Envelope, 1)
	r := startResponder(t, "svc-1", func(conn *netx.Conn, env protocol.Envelope) {
		got <- env
	})
	register(t, store, "events", r)

	c := newTestCaller(t, store, nil)
	if err := c.Cast(context.Background(), "events", []byte("fire"), CallOptions{}); err != nil {
		t.Fatalf("cast: %v", err)
	}

	select {
	case env := <-got:
		if env.RequiresAck {
			t.Fatalf("cast without acks must not demand one")
		}
		if string(env.Payload) != "fire" {
			t.Fatalf("got payload %q", env.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cast never arrived")
	}
}

func TestCastWithAckWaitsForAck(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", func(conn *netx.Conn, env protocol.Envelope) {
		if env.RequiresAck {
			_ = conn.WriteEnvelope(ackOf(env), time.Second)
		}
	})
	register(t, store, "events", r)

	c := newTestCaller(t, store, func(cfg *Config) {
		cfg.AckEnabled = true
	})
	if err := c.Cast(context.Background(), "events", []byte("confirmed"), CallOptions{}); err != nil {
		t.Fatalf("cast with ack: %v", err)
	}
}

func TestCastFanoutReachesAllEndpoints(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	const n = 3
	rs := make([]*responder, n)
	for i := range rs {
		rs[i] = startResponder(t, fmt.Sprintf("svc-%d", i), func(conn *netx.Conn, env protocol.Envelope) {})
		register(t, store, "broadcast", rs[i])
	}

	c := newTestCaller(t, store, nil)
	delivered, err := c.CastFanout(context.Background(), "broadcast", []byte("all"))
	if err != nil {
		t.Fatalf("fanout: %v", err)
	}
	if delivered != n {
		t.Fatalf("delivered to %d endpoints, want %d", delivered, n)
	}
	for i, r := range rs {
		waitForCount(t, &r.requests, 1, fmt.Sprintf("svc-%d", i))
	}
}

func TestLateDuplicateReplyIsAbsorbed(t *testing.T) {
	testlog.Start(t)
	store := registry.NewMemoryStore()
	r := startResponder(t, "svc-1", nil)
	r.behavior = func(conn *netx.Conn, env protocol.Envelope) {
		echoBehavior(conn, env)
		time.Sleep(100 * time.Millisecond)
		echoBehavior(conn, env) // duplicate after the call completed
	}
	register(t, store, "echo", r)

	c := newTestCaller(t, store, nil)
	out, err := c.Call(context.Background(), "echo", []byte("once"), CallOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(out) != "pong:once" {
		t.Fatalf("got %q", out)
	}

	// a second call on the same session proves the read loop survived
	// the stale duplicate
	time.Sleep(200 * time.Millisecond)
	out, err = c.Call(context.Background(), "echo", []byte("twice"), CallOptions{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if string(out) != "pong:twice" {
		t.Fatalf("got %q", out)
	}
}

func waitForCount(t *testing.T, n *atomic.Int32, want int32, label string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s saw %d deliveries, want %d", label, n.Load(), want)
}
