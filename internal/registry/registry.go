// Package registry owns topic -> endpoint bindings with TTL expiry.
//
// Ownership boundary:
// - endpoint shape
// - store interface consumed by the matchmaker
// - in-memory and bbolt-backed stores
//
// The store is an opaque address book: last write per (topic, identity)
// wins, and expired entries are invisible to readers.
package registry

import (
	"context"
	"errors"
	"time"
)

// RoutersTopic is the reserved binding under which router proxies
// advertise their frontend address.
const RoutersTopic = "busctl.routers"

var (
	ErrUnavailable = errors.New("registry: store unavailable")
	ErrClosed      = errors.New("registry: store closed")
)

// Endpoint is one reachable address registered for a topic.
type Endpoint struct {
	Address      string    `json:"address"`
	Identity     string    `json:"identity"`
	RegisteredAt time.Time `json:"registered_at"`
	TTL          time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the record falls out of the registry.
// A zero TTL never expires.
func (e Endpoint) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.RegisteredAt.Add(e.TTL)
}

func (e Endpoint) expired(now time.Time) bool {
	deadline := e.ExpiresAt()
	return !deadline.IsZero() && !now.Before(deadline)
}

// Store is the registry interface. Implementations must keep at most one
// endpoint per (topic, identity) pair.
type Store interface {
	// Put registers or refreshes one endpoint under a topic.
	Put(ctx context.Context, topic string, ep Endpoint, ttl time.Duration) error
	// Get returns the live endpoints for a topic. An empty result is a
	// valid state, not an error.
	Get(ctx context.Context, topic string) ([]Endpoint, error)
	// Delete removes one endpoint binding.
	Delete(ctx context.Context, topic string, ep Endpoint) error
	// Close releases backing resources.
	Close() error
}
