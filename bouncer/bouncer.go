// Package bouncer is the admission facade. It checks the block state, runs
// the configured limiter and escalates denials into violations.
package bouncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/metrics"
	"github.com/aryangodara/api_bouncer/rate_limiting_strategies"
	"github.com/aryangodara/api_bouncer/store"
	"github.com/aryangodara/api_bouncer/violations"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var _ api_bouncer.Admitter = (*Bouncer)(nil)

// Store operations reported on degraded-mode events and metrics.
const (
	opCheckBlock      = "check_block"
	opLimit           = "limit"
	opRecordViolation = "record_violation"
)

// Bouncer admits or rejects requests per identifier and route.
type Bouncer struct {
	settings Settings
	strategy api_bouncer.Strategy
	tracker  *violations.Tracker

	now     func() time.Time
	logger  *zap.Logger
	metrics metrics.Recorder

	degradedLog *rate.Limiter
	suppressed  atomic.Int64
}

// Usage is a read-only snapshot of the limiter and escalation state for an
// identifier on a route.
type Usage struct {
	Identifier string
	Route      string
	Algorithm  api_bouncer.Algorithm
	Policy     api_bouncer.Policy
	Remaining  int64
	ResetAt    time.Time
	Violations int64
	Blocked    bool
	BlockTTL   time.Duration
}

// New validates settings and selects the limiter once.
func New(provider store.Provider, settings Settings, opts ...Option) (*Bouncer, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bouncer settings: %w", err)
	}

	b := &Bouncer{
		settings:    settings,
		now:         time.Now,
		logger:      zap.NewNop(),
		metrics:     metrics.Noop{},
		degradedLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(b)
	}

	strategy, err := rate_limiting_strategies.New(settings.Algorithm, provider, rate_limiting_strategies.Options{
		Keys:      settings.keys(),
		TTLBuffer: settings.TTLBuffer,
		Now:       b.now,
	})
	if err != nil {
		return nil, err
	}
	b.strategy = strategy

	b.tracker = violations.NewTracker(provider, settings.violationSettings(),
		violations.WithKeys(settings.keys()),
		violations.WithClock(b.now),
		violations.WithLogger(b.logger),
	)

	return b, nil
}

// Settings returns the settings the bouncer was built with.
func (b *Bouncer) Settings() Settings {
	return b.settings
}

// Policy returns the policy applied to route.
func (b *Bouncer) Policy(route string) api_bouncer.Policy {
	return b.settings.Policies.For(route)
}

// Admit decides whether the request may proceed.
//
// Store failures fail open: the decision is allowed with the nominal quota
// and marked Degraded. The only error returned is a missing store
// connection.
func (b *Bouncer) Admit(ctx context.Context, identifier, route string) (api_bouncer.Decision, error) {
	started := time.Now()
	now := b.now()
	policy := b.Policy(route)

	blocked, err := b.tracker.IsBlocked(ctx, identifier)
	if err != nil {
		if !api_bouncer.IsStoreError(err) {
			return api_bouncer.Decision{}, err
		}
		// the limiter still gets a chance to enforce the quota
		b.degraded(opCheckBlock, identifier, route, err)
	}
	if blocked {
		b.observe(metrics.OutcomeBlocked, started)
		return api_bouncer.Decision{
			Limit:      policy.Requests,
			ResetAt:    now.Add(b.settings.BlockDuration),
			RetryAfter: b.settings.BlockDuration,
			Blocked:    true,
		}, nil
	}

	res, err := b.strategy.Execute(ctx, &api_bouncer.Request{
		Identifier: identifier,
		Route:      route,
		Policy:     policy,
	})
	if err != nil {
		if !api_bouncer.IsStoreError(err) {
			return api_bouncer.Decision{}, err
		}
		b.degraded(opLimit, identifier, route, err)
		b.observe(metrics.OutcomeDegraded, started)
		return api_bouncer.Decision{
			Allowed:   true,
			Limit:     policy.Requests,
			Remaining: policy.Requests,
			ResetAt:   now.Add(policy.Window),
			Degraded:  true,
		}, nil
	}

	decision := api_bouncer.Decision{
		Allowed:   res.State == api_bouncer.Allow,
		Limit:     policy.Requests,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
	}
	if decision.Allowed {
		b.observe(metrics.OutcomeAllowed, started)
		return decision, nil
	}

	// read the clock after the limiter so RetryAfter never exceeds its window
	decision.RetryAfter = max(0, res.ResetAt.Sub(b.now()))

	v, err := b.tracker.RecordViolation(ctx, identifier)
	switch {
	case err == nil:
		b.metrics.IncViolations()
		if v.NewlyBlocked {
			b.metrics.IncBlocks()
		}
	case api_bouncer.IsStoreError(err):
		// the denial stands, only the escalation is lost
		b.degraded(opRecordViolation, identifier, route, err)
	default:
		return api_bouncer.Decision{}, err
	}

	b.observe(metrics.OutcomeDenied, started)
	return decision, nil
}

// Reset deletes the limiter state for identifier on route. Violations and
// blocks are left untouched.
func (b *Bouncer) Reset(ctx context.Context, identifier, route string) error {
	if err := b.strategy.Reset(ctx, identifier, route); err != nil {
		return err
	}
	b.logger.Info("rate limit reset",
		zap.String("identifier", identifier),
		zap.String("route", route),
		zap.String("algorithm", string(b.settings.Algorithm)),
	)
	return nil
}

// Unblock lifts a block and forgets the recorded violations.
func (b *Bouncer) Unblock(ctx context.Context, identifier string) error {
	return b.tracker.Clear(ctx, identifier)
}

// Usage reports the current state without consuming quota.
func (b *Bouncer) Usage(ctx context.Context, identifier, route string) (Usage, error) {
	policy := b.Policy(route)

	res, err := b.strategy.Peek(ctx, &api_bouncer.Request{
		Identifier: identifier,
		Route:      route,
		Policy:     policy,
	})
	if err != nil {
		return Usage{}, err
	}

	status, err := b.tracker.Status(ctx, identifier)
	if err != nil {
		return Usage{}, err
	}

	return Usage{
		Identifier: identifier,
		Route:      route,
		Algorithm:  b.settings.Algorithm,
		Policy:     policy,
		Remaining:  res.Remaining,
		ResetAt:    res.ResetAt,
		Violations: status.Violations,
		Blocked:    status.Blocked,
		BlockTTL:   status.BlockTTL,
	}, nil
}

func (b *Bouncer) observe(outcome string, started time.Time) {
	b.metrics.ObserveDecision(string(b.settings.Algorithm), outcome, time.Since(started))
}

// degraded counts a store failure and logs it, at most as often as the
// degraded log limiter allows.
func (b *Bouncer) degraded(op, identifier, route string, err error) {
	b.metrics.IncStoreErrors(op)

	if !b.degradedLog.Allow() {
		b.suppressed.Add(1)
		return
	}

	b.logger.Warn("store unavailable, running degraded",
		zap.String("op", op),
		zap.String("identifier", identifier),
		zap.String("route", route),
		zap.Int64("suppressed", b.suppressed.Swap(0)),
		zap.Error(err),
	)
}
