// Package reliability wraps sends with correlation, timeouts, optional
// acknowledgements, and bounded retries over the matchmaker.
//
// Ownership boundary:
// - per-call state machine RESOLVING -> SENT -> (ACKED|REPLIED|TIMED_OUT)
// - retry budget and force-refresh on failed attempts
// - duplicate suppression through pending-table removal
package reliability

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/busctl/internal/matchmaker"
	"github.com/danmuck/busctl/internal/observability"
	"github.com/danmuck/busctl/internal/protocol"
	"github.com/danmuck/busctl/internal/registry"
	"github.com/danmuck/busctl/internal/session"
)

var (
	ErrExhausted = errors.New("reliability: attempts exhausted")
	ErrCancelled = errors.New("reliability: call cancelled")
	ErrRemote    = errors.New("reliability: remote handler failed")
)

// Config tunes default call behavior. Per-call options override it.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	AckEnabled     bool

	// UseProxy routes every request through a router proxy frontend
	// instead of dialing servers directly.
	UseProxy          bool
	ProxyIdentity     string
	ProxyFrontendAddr string

	// FirstResolveAttempts and FirstResolveDelay bound the extra
	// registry polls on a call's first resolution, covering a target
	// that has not finished registering yet.
	FirstResolveAttempts int
	FirstResolveDelay    time.Duration

	// TransientBackoff delays retries after transport faults.
	TransientBackoff BackoffConfig
	// EmptyBindingBackoff delays retries when a topic has no live
	// endpoints, longer since it is an availability gap.
	EmptyBindingBackoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		AttemptTimeout:       5 * time.Second,
		AckEnabled:           false,
		ProxyIdentity:        "busctl.proxy",
		FirstResolveAttempts: 3,
		FirstResolveDelay:    200 * time.Millisecond,
		TransientBackoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		EmptyBindingBackoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// CallOptions carries per-call overrides.
type CallOptions struct {
	Policy         matchmaker.Policy
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func (o CallOptions) apply(cfg Config) (matchmaker.Policy, int, time.Duration) {
	policy := o.Policy
	if policy == "" {
		policy = matchmaker.PolicyAnyOne
	}
	attempts := o.MaxAttempts
	if attempts <= 0 {
		attempts = cfg.MaxAttempts
	}
	timeout := o.AttemptTimeout
	if timeout <= 0 {
		timeout = cfg.AttemptTimeout
	}
	return policy, attempts, timeout
}

// Caller issues reliable calls and casts through the matchmaker and
// session manager. Safe for concurrent use.
type Caller struct {
	cfg      Config
	mm       *matchmaker.Matchmaker
	sessions *session.Manager
	clk      clock.Clock

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewCaller(mm *matchmaker.Matchmaker, sessions *session.Manager, cfg Config) *Caller {
	return NewCallerWithClock(mm, sessions, cfg, clock.New())
}

func NewCallerWithClock(mm *matchmaker.Matchmaker, sessions *session.Manager, cfg Config, clk clock.Clock) *Caller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.ProxyIdentity == "" {
		cfg.ProxyIdentity = DefaultConfig().ProxyIdentity
	}
	if cfg.FirstResolveAttempts <= 0 {
		cfg.FirstResolveAttempts = DefaultConfig().FirstResolveAttempts
	}
	if cfg.FirstResolveDelay <= 0 {
		cfg.FirstResolveDelay = DefaultConfig().FirstResolveDelay
	}
	return &Caller{
		cfg:      cfg,
		mm:       mm,
		sessions: sessions,
		clk:      clk,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Call sends a request and waits for the correlated business reply,
// retrying with forced re-resolution up to the attempt budget.
func (c *Caller) Call(ctx context.Context, topic string, payload []byte, opts CallOptions) ([]byte, error) {
	return c.run(ctx, topic, payload, opts, true)
}

// Cast sends a request that expects no business reply. With acks
// enabled the cast completes on ack; without them it completes on
// socket hand-off.
func (c *Caller) Cast(ctx context.Context, topic string, payload []byte, opts CallOptions) error {
	_, err := c.run(ctx, topic, payload, opts, false)
	return err
}

// CastFanout delivers a payload to every live endpoint of a topic,
// fire-and-forget. It returns how many endpoints accepted the hand-off.
func (c *Caller) CastFanout(ctx context.Context, topic string, payload []byte) (int, error) {
	eps, err := c.mm.Resolve(ctx, topic, matchmaker.PolicyAll, matchmaker.ResolveOptions{})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, ep := range eps {
		corrID := uuid.NewString()
		env := c.buildEnvelope(corrID, topic, payload, ep, 1, false)
		peer, addr := c.route(ep)
		sess, err := c.sessions.GetOrOpen(ctx, peer, addr)
		if err != nil {
			log.Warn().Str("topic", topic).Str("peer", peer).Err(err).Msg("fanout endpoint unreachable")
			continue
		}
		if _, err := sess.Send(env); err != nil {
			log.Warn().Str("topic", topic).Str("peer", peer).Err(err).Msg("fanout send failed")
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (c *Caller) run(ctx context.Context, topic string, payload []byte, opts CallOptions, expectReply bool) ([]byte, error) {
	policy, maxAttempts, attemptTimeout := opts.apply(c.cfg)
	corrID := uuid.NewString()
	started := c.clk.Now()
	defer c.mm.Forget(corrID)

	pending := c.sessions.Pending()
	var tracked bool
	defer func() {
		if tracked {
			pending.Untrack(corrID)
		}
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			observability.RecordCall(topic, "cancelled", c.clk.Since(started))
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		// RESOLVING: the first attempt polls through an empty binding in
		// case the target has not registered yet; every retry forces a
		// registry refresh so a dead endpoint is not retried blindly.
		ropts := matchmaker.ResolveOptions{
			ForceRefresh:  attempt > 1,
			CorrelationID: corrID,
		}
		var eps []registry.Endpoint
		var err error
		if attempt == 1 {
			eps, err = c.mm.ResolveWithRetry(ctx, topic, policy, ropts, c.cfg.FirstResolveAttempts, c.cfg.FirstResolveDelay)
		} else {
			eps, err = c.mm.Resolve(ctx, topic, policy, ropts)
		}
		if err != nil {
			if waitErr := c.backoffAfter(ctx, err, attempt); waitErr != nil {
				observability.RecordCall(topic, "cancelled", c.clk.Since(started))
				return nil, fmt.Errorf("%w: %v", ErrCancelled, waitErr)
			}
			continue
		}
		target := eps[0]
		c.mm.MarkSelected(corrID, target)

		env := c.buildEnvelope(corrID, topic, payload, target, uint32(attempt), expectReply)
		peer, addr := c.route(target)

		sess, err := c.sessions.GetOrOpen(ctx, peer, addr)
		if err != nil {
			c.mm.Invalidate(topic)
			if waitErr := c.backoffAfter(ctx, session.ErrConnectionLost, attempt); waitErr != nil {
				observability.RecordCall(topic, "cancelled", c.clk.Since(started))
				return nil, fmt.Errorf("%w: %v", ErrCancelled, waitErr)
			}
			continue
		}

		if tracked {
			pending.Retarget(corrID, peer)
		} else {
			pending.Track(corrID, peer)
			tracked = true
		}

		observability.RecordAttempt(topic)
		if _, err := sess.Send(env); err != nil {
			c.mm.Invalidate(topic)
			if waitErr := c.backoffAfter(ctx, err, attempt); waitErr != nil {
				observability.RecordCall(topic, "cancelled", c.clk.Since(started))
				return nil, fmt.Errorf("%w: %v", ErrCancelled, waitErr)
			}
			continue
		}

		// SENT: fire-and-forget casts are DONE on socket hand-off when
		// acks are disabled.
		if !expectReply && !c.cfg.AckEnabled {
			observability.RecordCall(topic, "done", c.clk.Since(started))
			return nil, nil
		}

		result, timedOut, err := c.await(ctx, corrID, attemptTimeout, expectReply)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				observability.RecordCall(topic, "cancelled", c.clk.Since(started))
				return nil, err
			}
			if errors.Is(err, ErrRemote) {
				observability.RecordCall(topic, "remote_error", c.clk.Since(started))
				return nil, err
			}
			// connection lost mid-wait; retry through re-resolution
			continue
		}
		if timedOut {
			log.Warn().
				Str("topic", topic).
				Str("correlation_id", corrID).
				Int("attempt", attempt).
				Msg("attempt timed out")
			continue
		}
		observability.RecordCall(topic, "done", c.clk.Since(started))
		return result, nil
	}

	observability.RecordCall(topic, "exhausted", c.clk.Since(started))
	return nil, fmt.Errorf("%w: topic %q after %d attempts", ErrExhausted, topic, maxAttempts)
}

// await blocks on the pending slot for one attempt. An ack resets the
// timeout clock for the reply wait but never the retry budget.
func (c *Caller) await(ctx context.Context, corrID string, timeout time.Duration, expectReply bool) ([]byte, bool, error) {
	pending := c.sessions.Pending()
	timer := c.clk.Timer(timeout)
	defer timer.Stop()

	p, ok := pending.Slot(corrID)
	if !ok {
		return nil, false, session.ErrConnectionLost
	}

	acked := false
	for {
		select {
		case <-ctx.Done():
			return nil, false, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-timer.C:
			return nil, true, nil
		case ev := <-p.Events:
			switch ev.Kind {
			case session.EventAck:
				if !expectReply {
					return nil, false, nil
				}
				if !acked {
					acked = true
					// ACKED: delivery proven, restart the reply clock
					timer.Stop()
					timer = c.clk.Timer(timeout)
				}
			case session.EventReply:
				if ev.Envelope.Error != "" {
					return nil, false, fmt.Errorf("%w: %s", ErrRemote, ev.Envelope.Error)
				}
				return ev.Envelope.Payload, false, nil
			case session.EventError:
				return nil, false, ev.Err
			}
		}
	}
}

func (c *Caller) buildEnvelope(corrID, topic string, payload []byte, target registry.Endpoint, attempt uint32, expectReply bool) protocol.Envelope {
	requiresAck := c.cfg.AckEnabled
	return protocol.Envelope{
		Kind:          protocol.MsgRequest,
		CorrelationID: corrID,
		Topic:         topic,
		Source:        c.sessions.Identity(),
		Target:        target.Identity,
		Hops:          []string{c.sessions.Identity()},
		RequiresAck:   requiresAck,
		Attempt:       attempt,
		TimestampMS:   uint64(c.clk.Now().UnixMilli()),
		Payload:       payload,
	}
}

// route maps a resolved endpoint to the session peer and dial address,
// substituting the proxy frontend when proxying is enabled.
func (c *Caller) route(ep registry.Endpoint) (peer, addr string) {
	if c.cfg.UseProxy {
		return c.cfg.ProxyIdentity, c.cfg.ProxyFrontendAddr
	}
	return ep.Identity, ep.Address
}

func (c *Caller) backoffAfter(ctx context.Context, cause error, attempt int) error {
	cfg := c.cfg.TransientBackoff
	if errors.Is(cause, matchmaker.ErrEmptyBinding) {
		cfg = c.cfg.EmptyBindingBackoff
	}
	c.rngMu.Lock()
	delay := NextBackoffDelay(cfg, attempt, c.rng)
	c.rngMu.Unlock()
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(delay):
		return nil
	}
}
