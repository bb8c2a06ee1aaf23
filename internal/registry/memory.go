package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryStore is the in-process registry backend. It backs single-node
// deployments and every test that needs a registry.
type MemoryStore struct {
	clk clock.Clock

	mu       sync.RWMutex
	bindings map[string]map[string]Endpoint
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.New())
}

func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clk:      clk,
		bindings: make(map[string]map[string]Endpoint),
	}
}

func (s *MemoryStore) Put(_ context.Context, topic string, ep Endpoint, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	byIdentity, ok := s.bindings[topic]
	if !ok {
		byIdentity = make(map[string]Endpoint)
		s.bindings[topic] = byIdentity
	}
	ep.RegisteredAt = s.clk.Now()
	ep.TTL = ttl
	byIdentity[ep.Identity] = ep
	return nil
}

func (s *MemoryStore) Get(_ context.Context, topic string) ([]Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	byIdentity := s.bindings[topic]
	now := s.clk.Now()
	out := make([]Endpoint, 0, len(byIdentity))
	for identity, ep := range byIdentity {
		if ep.expired(now) {
			delete(byIdentity, identity)
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, topic string, ep Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if byIdentity, ok := s.bindings[topic]; ok {
		delete(byIdentity, ep.Identity)
		if len(byIdentity) == 0 {
			delete(s.bindings, topic)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
