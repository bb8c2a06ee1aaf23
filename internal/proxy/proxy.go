// Package proxy owns the router proxy: a store-less relay that
// terminates many client connections on a frontend listener and fans
// them to few server connections on a backend listener.
//
// Ownership boundary:
// - frontend/backend accept loops and connection sets
// - identity-chain append on the request path, pop on the reply path
// - route table cache and self-registration in the registry
//
// The proxy never alters payloads, never buffers across restarts, and
// never synthesizes error replies; an unreachable target means the
// message is dropped and the caller's reliability timeout handles it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/busctl/internal/netx"
	"github.com/danmuck/busctl/internal/observability"
	"github.com/danmuck/busctl/internal/protocol"
	"github.com/danmuck/busctl/internal/protocol/frame"
	"github.com/danmuck/busctl/internal/registry"
)

// Config tunes one proxy instance. Instances share no state; scale out
// by running more of them.
type Config struct {
	Identity     string
	FrontendAddr string
	BackendAddr  string
	// AdvertiseAddr is the frontend address written to the registry;
	// defaults to the bound frontend address.
	AdvertiseAddr string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Limits           frame.Limits

	// RegistryTTL > 0 enables self-registration under the routers
	// topic so callers can discover the frontend.
	RegistryTTL     time.Duration
	RefreshInterval time.Duration

	AdminListenAddr string
}

func DefaultConfig() Config {
	return Config{
		Identity:         "busctl.proxy",
		FrontendAddr:     ":9501",
		BackendAddr:      ":9502",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		Limits:           frame.DefaultLimits(),
		RegistryTTL:      30 * time.Second,
		RefreshInterval:  10 * time.Second,
	}
}

type connSet struct {
	mu    sync.RWMutex
	conns map[string]*netx.Conn
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[string]*netx.Conn)}
}

func (s *connSet) put(identity string, conn *netx.Conn) *netx.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.conns[identity]
	s.conns[identity] = conn
	return old
}

func (s *connSet) get(identity string) (*netx.Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[identity]
	return c, ok
}

func (s *connSet) remove(identity string, conn *netx.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[identity] == conn {
		delete(s.conns, identity)
	}
}

func (s *connSet) identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		_ = c.Close()
		delete(s.conns, id)
	}
}

// Proxy is one relay instance.
type Proxy struct {
	cfg     Config
	network netx.Network
	store   registry.Store // nil disables self-registration
	clk     clock.Clock

	frontends *connSet
	backends  *connSet
	routes    *RouteTable

	feLn net.Listener
	beLn net.Listener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(network netx.Network, store registry.Store, cfg Config) *Proxy {
	return NewWithClock(network, store, cfg, clock.New())
}

func NewWithClock(network netx.Network, store registry.Store, cfg Config, clk clock.Clock) *Proxy {
	if cfg.Identity == "" {
		cfg.Identity = DefaultConfig().Identity
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Proxy{
		cfg:       cfg,
		network:   network,
		store:     store,
		clk:       clk,
		frontends: newConnSet(),
		backends:  newConnSet(),
		routes:    NewRouteTable(),
		stop:      make(chan struct{}),
	}
}

// Routes exposes the cached route table for the admin API.
func (p *Proxy) Routes() *RouteTable { return p.routes }

// FrontendAddr returns the bound frontend address once Start succeeded.
func (p *Proxy) FrontendAddr() string {
	if p.feLn == nil {
		return ""
	}
	return p.feLn.Addr().String()
}

// BackendAddr returns the bound backend address once Start succeeded.
func (p *Proxy) BackendAddr() string {
	if p.beLn == nil {
		return ""
	}
	return p.beLn.Addr().String()
}

// Start binds both listeners and launches the relay loops. A bind
// failure on either socket is fatal.
func (p *Proxy) Start(ctx context.Context) error {
	feLn, err := p.network.Listen(p.cfg.FrontendAddr)
	if err != nil {
		return fmt.Errorf("proxy: bind frontend %s: %w", p.cfg.FrontendAddr, err)
	}
	beLn, err := p.network.Listen(p.cfg.BackendAddr)
	if err != nil {
		_ = feLn.Close()
		return fmt.Errorf("proxy: bind backend %s: %w", p.cfg.BackendAddr, err)
	}
	p.feLn, p.beLn = feLn, beLn
	if strings.TrimSpace(p.cfg.AdvertiseAddr) == "" {
		p.cfg.AdvertiseAddr = feLn.Addr().String()
	}

	p.wg.Add(2)
	go p.acceptLoop(feLn, p.frontends, p.relayFrontend)
	go p.acceptLoop(beLn, p.backends, p.relayBackend)

	if p.store != nil && p.cfg.RegistryTTL > 0 {
		p.registerSelf(ctx)
		p.wg.Add(1)
		go p.refreshLoop()
	}

	log.Info().
		Str("identity", p.cfg.Identity).
		Str("frontend", feLn.Addr().String()).
		Str("backend", beLn.Addr().String()).
		Msg("proxy listening")
	return nil
}

// Run starts the proxy and blocks until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

// Stop closes both listeners and every relay connection.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.feLn != nil {
		_ = p.feLn.Close()
	}
	if p.beLn != nil {
		_ = p.beLn.Close()
	}
	p.frontends.closeAll()
	p.backends.closeAll()
	p.wg.Wait()
}

func (p *Proxy) acceptLoop(ln net.Listener, set *connSet, relay func(*netx.Conn)) {
	defer p.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("proxy accept failed")
			continue
		}
		go func() {
			conn, err := netx.AcceptPeer(raw, p.cfg.Identity, p.cfg.HandshakeTimeout)
			if err != nil {
				log.Warn().Str("remote", raw.RemoteAddr().String()).Err(err).Msg("proxy handshake failed")
				_ = raw.Close()
				return
			}
			if old := set.put(conn.Peer(), conn); old != nil {
				_ = old.Close()
			}
			relay(conn)
			set.remove(conn.Peer(), conn)
			_ = conn.Close()
		}()
	}
}

// relayFrontend forwards client requests to their backend target,
// appending the observed client identity to the chain.
func (p *Proxy) relayFrontend(conn *netx.Conn) {
	client := conn.Peer()
	for {
		f, err := conn.ReadFrame(p.cfg.Limits)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(f)
		if err != nil {
			// one bad envelope never takes the relay down
			observability.RecordProxyDrop("malformed")
			log.Warn().Str("frontend", client).Err(err).Msg("malformed envelope dropped")
			continue
		}

		// the intended backend comes from the envelope, not from any
		// proxy-local state
		backendID := env.Target
		p.routes.Record(client, backendID, p.clk.Now())

		backend, ok := p.backends.get(backendID)
		if !ok {
			observability.RecordProxyDrop("unreachable_backend")
			log.Warn().
				Str("frontend", client).
				Str("backend", backendID).
				Str("correlation_id", env.CorrelationID).
				Msg("backend unreachable, message dropped")
			continue
		}

		out := env.AppendHop(client)
		if err := backend.WriteEnvelope(out, p.cfg.WriteTimeout); err != nil {
			observability.RecordProxyDrop("backend_write")
			log.Warn().Str("backend", backendID).Err(err).Msg("backend write failed, message dropped")
			continue
		}
		observability.RecordProxyForward("frontend_to_backend")
	}
}

// relayBackend forwards server replies back to the frontend identity
// recorded in the envelope chain.
func (p *Proxy) relayBackend(conn *netx.Conn) {
	server := conn.Peer()
	for {
		f, err := conn.ReadFrame(p.cfg.Limits)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(f)
		if err != nil {
			observability.RecordProxyDrop("malformed")
			log.Warn().Str("backend", server).Err(err).Msg("malformed envelope dropped")
			continue
		}

		// the chain, not the route table, is authoritative for the
		// way back
		frontendID, ok := env.LastHop()
		if !ok {
			observability.RecordProxyDrop("no_chain")
			log.Warn().
				Str("backend", server).
				Str("correlation_id", env.CorrelationID).
				Msg("reply without identity chain dropped")
			continue
		}

		frontend, ok := p.frontends.get(frontendID)
		if !ok {
			observability.RecordProxyDrop("unreachable_frontend")
			log.Warn().
				Str("backend", server).
				Str("frontend", frontendID).
				Str("correlation_id", env.CorrelationID).
				Msg("frontend gone, reply dropped")
			continue
		}

		out := env.PopHop()
		if err := frontend.WriteEnvelope(out, p.cfg.WriteTimeout); err != nil {
			observability.RecordProxyDrop("frontend_write")
			log.Warn().Str("frontend", frontendID).Err(err).Msg("frontend write failed, reply dropped")
			continue
		}
		observability.RecordProxyForward("backend_to_frontend")
	}
}

func (p *Proxy) registerSelf(ctx context.Context) {
	ep := registry.Endpoint{Address: p.cfg.AdvertiseAddr, Identity: p.cfg.Identity}
	if err := p.store.Put(ctx, registry.RoutersTopic, ep, p.cfg.RegistryTTL); err != nil {
		log.Warn().Err(err).Msg("proxy self-registration failed")
	}
}

func (p *Proxy) refreshLoop() {
	defer p.wg.Done()
	interval := p.cfg.RefreshInterval
	if interval <= 0 {
		interval = p.cfg.RegistryTTL / 3
	}
	ticker := p.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.registerSelf(context.Background())
		}
	}
}
