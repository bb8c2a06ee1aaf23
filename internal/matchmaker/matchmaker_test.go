package matchmaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/busctl/internal/registry"
)

type countingStore struct {
	registry.Store
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, topic string) ([]registry.Endpoint, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, topic)
}

func (s *countingStore) Close() error { return s.Store.Close() }

type failingStore struct{}

func (failingStore) Put(context.Context, string, registry.Endpoint, time.Duration) error {
	return registry.ErrUnavailable
}
func (failingStore) Get(context.Context, string) ([]registry.Endpoint, error) {
	return nil, registry.ErrUnavailable
}
func (failingStore) Delete(context.Context, string, registry.Endpoint) error {
	return registry.ErrUnavailable
}
func (failingStore) Close() error { return nil }

type slowStore struct{}

func (slowStore) Put(context.Context, string, registry.Endpoint, time.Duration) error { return nil }
func (slowStore) Get(ctx context.Context, _ string) ([]registry.Endpoint, error) {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return nil, ctx.Err()
}
func (slowStore) Delete(context.Context, string, registry.Endpoint) error { return nil }
func (slowStore) Close() error                                            { return nil }

func seededStore(t *testing.T, topic string, identities ...string) *registry.MemoryStore {
	t.Helper()
	s := registry.NewMemoryStore()
	for _, id := range identities {
		ep := registry.Endpoint{Address: "127.0.0.1:0", Identity: id}
		if err := s.Put(context.Background(), topic, ep, time.Minute); err != nil {
			t.Fatalf("seed put: %v", err)
		}
	}
	return s
}

func TestResolveEmptyBinding(t *testing.T) {
	m := New(registry.NewMemoryStore(), DefaultConfig())
	_, err := m.Resolve(context.Background(), "nobody.home", PolicyAnyOne, ResolveOptions{})
	if !errors.Is(err, ErrEmptyBinding) {
		t.Fatalf("want ErrEmptyBinding, got %v", err)
	}
}

func TestResolveRegistryUnavailable(t *testing.T) {
	m := New(failingStore{}, DefaultConfig())
	_, err := m.Resolve(context.Background(), "demo.echo", PolicyAnyOne, ResolveOptions{})
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("want ErrRegistryUnavailable, got %v", err)
	}
}

func TestResolveBoundedBySlowRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegistryTimeout = 50 * time.Millisecond
	m := New(slowStore{}, cfg)
	start := time.Now()
	_, err := m.Resolve(context.Background(), "demo.echo", PolicyAnyOne, ResolveOptions{})
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("want ErrRegistryUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("resolve blocked too long: %v", elapsed)
	}
}

func TestResolveUnknownPolicy(t *testing.T) {
	m := New(registry.NewMemoryStore(), DefaultConfig())
	if _, err := m.Resolve(context.Background(), "t", Policy("bogus"), ResolveOptions{}); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("want ErrUnknownPolicy, got %v", err)
	}
}

func TestAnyOneSpreadsLoad(t *testing.T) {
	store := seededStore(t, "T", "e1", "e2")
	m := New(store, DefaultConfig())
	hits := map[string]int{}
	for i := 0; i < 1000; i++ {
		eps, err := m.Resolve(context.Background(), "T", PolicyAnyOne, ResolveOptions{})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		hits[eps[0].Identity]++
	}
	if hits["e1"] == 0 || hits["e2"] == 0 {
		t.Fatalf("policy collapsed: %v", hits)
	}
}

func TestAllReturnsFullSet(t *testing.T) {
	store := seededStore(t, "T", "e1", "e2", "e3")
	m := New(store, DefaultConfig())
	eps, err := m.Resolve(context.Background(), "T", PolicyAll, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(eps) != 3 {
		t.Fatalf("endpoint count=%d", len(eps))
	}
}

func TestStickyPrefersPriorEndpoint(t *testing.T) {
	store := seededStore(t, "T", "e1", "e2", "e3")
	m := New(store, DefaultConfig())
	ctx := context.Background()

	eps, err := m.Resolve(ctx, "T", PolicySticky, ResolveOptions{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m.MarkSelected("corr-1", eps[0])
	prior := eps[0].Identity

	for i := 0; i < 20; i++ {
		eps, err = m.Resolve(ctx, "T", PolicySticky, ResolveOptions{CorrelationID: "corr-1", ForceRefresh: true})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if eps[0].Identity != prior {
			t.Fatalf("sticky broke affinity: got %q want %q", eps[0].Identity, prior)
		}
	}
}

func TestStickyFallsBackWhenPriorGone(t *testing.T) {
	store := seededStore(t, "T", "e1", "e2")
	m := New(store, DefaultConfig())
	ctx := context.Background()

	eps, err := m.Resolve(ctx, "T", PolicySticky, ResolveOptions{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	prior := eps[0]
	m.MarkSelected("corr-1", prior)
	if err := store.Delete(ctx, "T", prior); err != nil {
		t.Fatalf("delete: %v", err)
	}

	eps, err = m.Resolve(ctx, "T", PolicySticky, ResolveOptions{CorrelationID: "corr-1", ForceRefresh: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eps[0].Identity == prior.Identity {
		t.Fatalf("resolved to a dead endpoint")
	}
}

func TestCacheServesRepeatLookups(t *testing.T) {
	base := seededStore(t, "T", "e1")
	store := &countingStore{Store: base}
	m := New(store, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.Resolve(ctx, "T", PolicyAnyOne, ResolveOptions{}); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if got := store.gets.Load(); got != 1 {
		t.Fatalf("registry gets=%d want 1", got)
	}

	if _, err := m.Resolve(ctx, "T", PolicyAnyOne, ResolveOptions{ForceRefresh: true}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := store.gets.Load(); got != 2 {
		t.Fatalf("force refresh did not hit registry: gets=%d", got)
	}
}

func TestResolveWithRetrySucceedsAfterRegistration(t *testing.T) {
	store := registry.NewMemoryStore()
	m := New(store, DefaultConfig())
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Put(ctx, "T", registry.Endpoint{Address: "127.0.0.1:0", Identity: "late"}, time.Minute)
	}()

	eps, err := m.ResolveWithRetry(ctx, "T", PolicyAnyOne, ResolveOptions{}, 10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("resolve with retry: %v", err)
	}
	if eps[0].Identity != "late" {
		t.Fatalf("unexpected endpoint: %+v", eps)
	}
}
