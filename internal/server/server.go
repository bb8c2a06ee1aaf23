// Package server owns the responder runtime: topic registration with
// TTL refresh, the accept loop, and request dispatch to handlers.
package server

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
	"github.com/danmuck/busctl/internal/protocol"
	"github.com/danmuck/busctl/internal/registry"
	"github.com/danmuck/busctl/internal/session"
)

// Handler serves one request payload for a topic.
type Handler func(ctx context.Context, topic string, payload []byte) ([]byte, error)

var ErrUnknownTopic = errors.New("server: no handler for topic")

// Config tunes the responder runtime.
type Config struct {
	Identity   string
	ListenAddr string
	// AdvertiseAddr is the address written to the registry; defaults
	// to the bound listener address.
	AdvertiseAddr string
	Topics        []string

	RegistryTTL     time.Duration
	RefreshInterval time.Duration

	HandshakeTimeout time.Duration
	Session          session.Config

	// UseProxy attaches the server to a router proxy backend so
	// requests arrive through the proxy instead of direct dials.
	UseProxy              bool
	ProxyIdentity         string
	ProxyBackendAddr      string
	ProxyReattachInterval time.Duration
}

func DefaultConfig(identity string) Config {
	return Config{
		Identity:         identity,
		ListenAddr:       ":0",
		RegistryTTL:      30 * time.Second,
		RefreshInterval:  10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Session:          session.DefaultConfig(identity),

		ProxyIdentity:         "busctl.proxy",
		ProxyReattachInterval: 5 * time.Second,
	}
}

// Server registers its topics in the registry and answers requests on
// adopted sessions, emitting acks when the envelope asks for one.
type Server struct {
	cfg      Config
	store    registry.Store
	network  netx.Network
	sessions *session.Manager
	clk      clock.Clock

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	ln       net.Listener
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store registry.Store, network netx.Network, cfg Config) *Server {
	return NewWithClock(store, network, cfg, clock.New())
}

func NewWithClock(store registry.Store, network netx.Network, cfg Config, clk clock.Clock) *Server {
	if cfg.RefreshInterval <= 0 && cfg.RegistryTTL > 0 {
		cfg.RefreshInterval = cfg.RegistryTTL / 3
	}
	cfg.Session.Identity = cfg.Identity
	s := &Server{
		cfg:      cfg,
		store:    store,
		network:  network,
		clk:      clk,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
	s.sessions = session.NewManagerWithClock(network, cfg.Session, clk)
	s.sessions.SetInboundHandler(s.handleRequest)
	return s
}

// RegisterHandler installs the handler for one topic. Topics without a
// handler answer with an error reply.
func (s *Server) RegisterHandler(topic string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[topic] = h
}

// Addr returns the bound listener address once Start succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener, registers every topic, and begins
// accepting sessions. It does not block.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.network.Listen(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	if strings.TrimSpace(s.cfg.AdvertiseAddr) == "" {
		s.cfg.AdvertiseAddr = ln.Addr().String()
	}

	if err := s.registerAll(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	if s.cfg.UseProxy {
		if _, err := s.sessions.GetOrOpen(ctx, s.cfg.ProxyIdentity, s.cfg.ProxyBackendAddr); err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: attach proxy %s: %w", s.cfg.ProxyBackendAddr, err)
		}
		s.wg.Add(1)
		go s.proxyReattachLoop()
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.refreshLoop()
	log.Info().
		Str("identity", s.cfg.Identity).
		Str("addr", s.cfg.AdvertiseAddr).
		Strs("topics", s.cfg.Topics).
		Msg("server listening")
	return nil
}

// Stop deregisters every topic, drains sessions, and closes the
// listener.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, topic := range s.cfg.Topics {
		ep := s.endpoint()
		if err := s.store.Delete(ctx, topic, ep); err != nil {
			log.Warn().Str("topic", topic).Err(err).Msg("deregister failed")
		}
	}
	err := s.sessions.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) endpoint() registry.Endpoint {
	return registry.Endpoint{
		Address:  s.cfg.AdvertiseAddr,
		Identity: s.cfg.Identity,
	}
}

func (s *Server) registerAll(ctx context.Context) error {
	for _, topic := range s.cfg.Topics {
		if err := s.store.Put(ctx, topic, s.endpoint(), s.cfg.RegistryTTL); err != nil {
			return fmt.Errorf("server: register topic %q: %w", topic, err)
		}
	}
	return nil
}

// refreshLoop re-registers every topic at a fraction of the TTL so a
// dead server falls out of the registry on its own.
func (s *Server) refreshLoop() {
	defer s.wg.Done()
	if s.cfg.RefreshInterval <= 0 {
		return
	}
	ticker := s.clk.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.registerAll(context.Background()); err != nil {
				log.Warn().Err(err).Msg("registration refresh failed")
			}
		}
	}
}

// proxyReattachLoop keeps the backend session alive so a proxy restart
// does not silently orphan this server.
func (s *Server) proxyReattachLoop() {
	defer s.wg.Done()
	interval := s.cfg.ProxyReattachInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, ok := s.sessions.Lookup(s.cfg.ProxyIdentity); ok {
				continue
			}
			if _, err := s.sessions.GetOrOpen(context.Background(), s.cfg.ProxyIdentity, s.cfg.ProxyBackendAddr); err != nil {
				log.Warn().Str("addr", s.cfg.ProxyBackendAddr).Err(err).Msg("proxy reattach failed")
			}
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go func() {
			conn, err := netx.AcceptPeer(raw, s.cfg.Identity, s.cfg.HandshakeTimeout)
			if err != nil {
				log.Warn().Str("remote", raw.RemoteAddr().String()).Err(err).Msg("handshake failed")
				_ = raw.Close()
				return
			}
			s.sessions.Adopt(conn)
		}()
	}
}

// handleRequest acks delivery when asked, runs the topic handler, and
// writes the correlated reply back on the same session.
func (s *Server) handleRequest(sess *session.Session, env protocol.Envelope) {
	if env.RequiresAck {
		ack := protocol.Envelope{
			Kind:          protocol.MsgAck,
			CorrelationID: env.CorrelationID,
			Source:        s.cfg.Identity,
			Target:        env.Source,
			Hops:          env.Hops,
			TimestampMS:   uint64(s.clk.Now().UnixMilli()),
		}
		if err := sess.SendReply(ack); err != nil {
			log.Warn().
				Str("correlation_id", env.CorrelationID).
				Err(err).
				Msg("ack send failed")
			return
		}
	}

	go func() {
		reply := protocol.Envelope{
			Kind:          protocol.MsgReply,
			CorrelationID: env.CorrelationID,
			Source:        s.cfg.Identity,
			Target:        env.Source,
			Hops:          env.Hops,
			TimestampMS:   uint64(s.clk.Now().UnixMilli()),
		}

		s.handlersMu.RLock()
		h, ok := s.handlers[env.Topic]
		s.handlersMu.RUnlock()
		if !ok {
			reply.Error = fmt.Sprintf("%v: %q", ErrUnknownTopic, env.Topic)
		} else {
			out, err := h(context.Background(), env.Topic, env.Payload)
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.Payload = out
			}
		}

		if err := sess.SendReply(reply); err != nil {
			log.Warn().
				Str("correlation_id", env.CorrelationID).
				Err(err).
				Msg("reply send failed")
		}
	}()
}
