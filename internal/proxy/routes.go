package proxy

import (
	"sort"
	"sync"
	"time"
)

// RouteEntry is one observed frontend -> backend association.
type RouteEntry struct {
	Frontend string    `json:"frontend"`
	Backend  string    `json:"backend"`
	SeenAt   time.Time `json:"seen_at"`
}

// RouteTable caches the most recent frontend-to-backend association per
// client identity. It is rebuilt from traffic and never persisted;
// reply routing relies on the envelope identity chain, so a stale entry
// is harmless.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]RouteEntry
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]RouteEntry)}
}

// Record refreshes the association observed on one frontend message.
func (t *RouteTable) Record(frontend, backend string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[frontend] = RouteEntry{Frontend: frontend, Backend: backend, SeenAt: at}
}

// Lookup returns the last backend observed for a frontend identity.
func (t *RouteTable) Lookup(frontend string) (RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.routes[frontend]
	return e, ok
}

// Snapshot returns all entries ordered by frontend identity.
func (t *RouteTable) Snapshot() []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteEntry, 0, len(t.routes))
	for _, e := range t.routes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frontend < out[j].Frontend })
	return out
}
