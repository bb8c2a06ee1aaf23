package session

import (
	"sync"

	"github.com/danmuck/busctl/internal/protocol"
)

// EventKind labels one correlated delivery to a waiting call.
type EventKind int

const (
	EventAck EventKind = iota
	EventReply
	EventError
)

// Event is one delivery into a pending call's result slot.
type Event struct {
	Kind     EventKind
	Envelope protocol.Envelope
	Err      error
}

// Pending tracks one in-flight call awaiting its ack or reply.
type Pending struct {
	CorrelationID string
	Peer          string

	// Events is buffered so an ack followed by a reply never blocks
	// the dispatching reader.
	Events chan Event
}

// PendingTable maps correlation ids to in-flight calls. Entries removed
// from the table silently absorb any late deliveries, which is the
// duplicate-suppression mechanism for retried calls.
type PendingTable struct {
	mu    sync.Mutex
	calls map[string]*Pending
}

func NewPendingTable() *PendingTable {
	return &PendingTable{calls: make(map[string]*Pending)}
}

// Track registers a correlation id and returns its pending slot.
func (t *PendingTable) Track(correlationID, peer string) *Pending {
	p := &Pending{
		CorrelationID: correlationID,
		Peer:          peer,
		Events:        make(chan Event, 2),
	}
	t.mu.Lock()
	t.calls[correlationID] = p
	t.mu.Unlock()
	return p
}

// Retarget points an existing pending call at a new peer, used when a
// retry re-resolves to a different endpoint.
func (t *PendingTable) Retarget(correlationID, peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.calls[correlationID]; ok {
		p.Peer = peer
	}
}

// Slot returns the pending entry for a correlation id.
func (t *PendingTable) Slot(correlationID string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.calls[correlationID]
	return p, ok
}

// Untrack removes a correlation id. Anything arriving afterward for the
// id is discarded as stale.
func (t *PendingTable) Untrack(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, correlationID)
}

// Dispatch delivers one event by correlation id. It reports false when
// no call is waiting, in which case the event is dropped.
func (t *PendingTable) Dispatch(correlationID string, ev Event) bool {
	t.mu.Lock()
	p, ok := t.calls[correlationID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.Events <- ev:
		return true
	default:
		// slot full; the waiter already has everything it needs
		return false
	}
}

// FailPeer delivers err to every pending call bound to the peer. Used
// when a session dies so no call hangs silently.
func (t *PendingTable) FailPeer(peer string, err error) int {
	t.mu.Lock()
	var hit []*Pending
	for _, p := range t.calls {
		if p.Peer == peer {
			hit = append(hit, p)
		}
	}
	t.mu.Unlock()
	for _, p := range hit {
		select {
		case p.Events <- Event{Kind: EventError, Err: err}:
		default:
		}
	}
	return len(hit)
}

// Len returns the number of in-flight calls.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
