// Package matchmaker resolves logical topics to live endpoints.
//
// Ownership boundary:
// - selection policies (any-one, all, sticky-to-previous)
// - read-through cache over the registry with its own freshness window
// - bounded registry calls and failure classification
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/busctl/internal/registry"
)

// Policy selects how many endpoints a resolution yields and in what order.
type Policy string

const (
	PolicyAnyOne Policy = "any-one"
	PolicyAll    Policy = "all"
	PolicySticky Policy = "sticky-to-previous"
)

var (
	ErrEmptyBinding        = errors.New("matchmaker: no live endpoints for topic")
	ErrRegistryUnavailable = errors.New("matchmaker: registry unavailable")
	ErrUnknownPolicy       = errors.New("matchmaker: unknown policy")
)

// Config tunes cache freshness and registry-call bounds.
type Config struct {
	// CacheTTL is the local freshness window, expected to be shorter
	// than the registry record TTL.
	CacheTTL time.Duration
	// CacheSize bounds distinct cached topics.
	CacheSize int
	// RegistryTimeout bounds every registry call.
	RegistryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:        5 * time.Second,
		CacheSize:       256,
		RegistryTimeout: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.RegistryTimeout <= 0 {
		c.RegistryTimeout = d.RegistryTimeout
	}
	return c
}

// ResolveOptions carries per-call resolution context.
type ResolveOptions struct {
	// ForceRefresh bypasses the cache; set after a failed attempt so a
	// dead endpoint is not retried blindly.
	ForceRefresh bool
	// CorrelationID keys sticky selection across retries of one call.
	CorrelationID string
}

// Matchmaker is safe for concurrent use by many caller tasks.
type Matchmaker struct {
	cfg   Config
	store registry.Store
	clk   clock.Clock
	cache *expirable.LRU[string, []registry.Endpoint]

	mu     sync.Mutex
	rng    *rand.Rand
	sticky map[string]string // correlation id -> endpoint identity
}

func New(store registry.Store, cfg Config) *Matchmaker {
	cfg = cfg.withDefaults()
	return &Matchmaker{
		cfg:    cfg,
		store:  store,
		clk:    clock.New(),
		cache:  expirable.NewLRU[string, []registry.Endpoint](cfg.CacheSize, nil, cfg.CacheTTL),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sticky: make(map[string]string),
	}
}

// Resolve returns live endpoints for a topic ordered by the policy.
// The first element is the preferred target.
func (m *Matchmaker) Resolve(ctx context.Context, topic string, policy Policy, opts ResolveOptions) ([]registry.Endpoint, error) {
	switch policy {
	case PolicyAnyOne, PolicyAll, PolicySticky:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	eps, err := m.lookup(ctx, topic, opts.ForceRefresh)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyBinding, topic)
	}

	switch policy {
	case PolicyAll:
		return eps, nil
	case PolicyAnyOne:
		return m.rotated(eps), nil
	case PolicySticky:
		return m.stickyOrder(opts.CorrelationID, eps), nil
	}
	return eps, nil
}

// ResolveWithRetry retries while the binding stays empty, used on a
// first-time connection where the peer may not have registered yet.
func (m *Matchmaker) ResolveWithRetry(ctx context.Context, topic string, policy Policy, opts ResolveOptions, attempts int, delay time.Duration) ([]registry.Endpoint, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.clk.After(delay):
			}
			opts.ForceRefresh = true
		}
		eps, err := m.Resolve(ctx, topic, policy, opts)
		if err == nil {
			return eps, nil
		}
		if !errors.Is(err, ErrEmptyBinding) && !errors.Is(err, ErrRegistryUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// MarkSelected records the endpoint served to a correlation id so a
// later sticky resolution prefers it.
func (m *Matchmaker) MarkSelected(correlationID string, ep registry.Endpoint) {
	if correlationID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sticky[correlationID] = ep.Identity
}

// Forget drops sticky state once a call reaches terminal resolution.
func (m *Matchmaker) Forget(correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sticky, correlationID)
}

// Invalidate drops the cached binding for a topic.
func (m *Matchmaker) Invalidate(topic string) {
	m.cache.Remove(topic)
}

func (m *Matchmaker) lookup(ctx context.Context, topic string, forceRefresh bool) ([]registry.Endpoint, error) {
	if !forceRefresh {
		if eps, ok := m.cache.Get(topic); ok {
			return eps, nil
		}
	}

	type result struct {
		eps []registry.Endpoint
		err error
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RegistryTimeout)
	defer cancel()
	ch := make(chan result, 1)
	go func() {
		eps, err := m.store.Get(callCtx, topic)
		ch <- result{eps, err}
	}()

	select {
	case <-callCtx.Done():
		log.Warn().Str("topic", topic).Msg("matchmaker registry lookup timed out")
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, callCtx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, res.err)
		}
		// refresh the freshness window on every successful lookup,
		// including empty bindings
		m.cache.Add(topic, res.eps)
		return res.eps, nil
	}
}

// rotated returns the endpoints starting from a random offset so load
// spreads across the live set.
func (m *Matchmaker) rotated(eps []registry.Endpoint) []registry.Endpoint {
	m.mu.Lock()
	start := m.rng.Intn(len(eps))
	m.mu.Unlock()
	out := make([]registry.Endpoint, 0, len(eps))
	out = append(out, eps[start:]...)
	out = append(out, eps[:start]...)
	return out
}

// stickyOrder moves the previously selected endpoint first when it is
// still live; otherwise it behaves like any-one.
func (m *Matchmaker) stickyOrder(correlationID string, eps []registry.Endpoint) []registry.Endpoint {
	m.mu.Lock()
	prior, ok := m.sticky[correlationID]
	m.mu.Unlock()
	if ok {
		for i, ep := range eps {
			if ep.Identity == prior {
				out := make([]registry.Endpoint, 0, len(eps))
				out = append(out, eps[i])
				out = append(out, eps[:i]...)
				out = append(out, eps[i+1:]...)
				return out
			}
		}
		// prior endpoint confirmed gone from the live set
	}
	return m.rotated(eps)
}
