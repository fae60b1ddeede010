package rate_limiting_strategies

import (
	"context"
	"fmt"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	_ api_bouncer.Strategy = &slidingWindowLimiter{}
)

const (
	maxSortedSetScore = "+inf"
	minSortedSetScore = "-inf"
)

type slidingWindowLimiter struct {
	provider store.Provider
	opts     Options
}

// NewSlidingWindowLimiter initializes a new sliding window log rate limiter.
//
// Every request is an entry of a sorted set scored by its arrival time. The
// check prunes, counts, inserts and refreshes the TTL in one MULTI/EXEC.
//
// The admission count is read before the insert. The transaction itself is
// atomic, but two transactions from concurrent requests can both observe a
// count under the limit and both be admitted, so the log may exceed
// Policy.Requests by the degree of true concurrency. This is accepted
// approximate enforcement.
func NewSlidingWindowLimiter(provider store.Provider, opts Options) api_bouncer.Strategy {
	return &slidingWindowLimiter{
		provider: provider,
		opts:     opts.withDefaults(),
	}
}

func (s *slidingWindowLimiter) Algorithm() api_bouncer.Algorithm {
	return api_bouncer.SlidingWindow
}

// Execute performs rate limiting using a sliding window log.
func (s *slidingWindowLimiter) Execute(ctx context.Context, r *api_bouncer.Request) (*api_bouncer.Result, error) {
	client, err := s.provider.Client()
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	key := s.opts.Keys.Limiter(api_bouncer.SlidingWindow, r.Identifier, r.Route)
	score := api_bouncer.UnixSeconds(now)
	windowStart := score - r.Policy.Window.Seconds()

	// every request needs a unique member, two requests may share a score
	member := api_bouncer.FormatScore(score) + "-" + uuid.NewString()

	var count *redis.IntCmd
	_, err = client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		// drop entries older than the window, the boundary itself stays
		p.ZRemRangeByScore(ctx, key, minSortedSetScore, "("+api_bouncer.FormatScore(windowStart))
		count = p.ZCard(ctx, key)
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		p.Expire(ctx, key, r.Policy.Window+s.opts.TTLBuffer)
		return nil
	})
	if err != nil {
		return nil, &api_bouncer.StoreError{Op: "sliding window transaction", Key: key, Err: err}
	}

	current := count.Val()
	state := api_bouncer.Deny
	if current < r.Policy.Requests {
		state = api_bouncer.Allow
	}

	return &api_bouncer.Result{
		State:     state,
		Remaining: max(0, r.Policy.Requests-current-1),
		ResetAt:   now.Add(r.Policy.Window),
	}, nil
}

// Peek counts the entries inside the window without recording a request.
func (s *slidingWindowLimiter) Peek(ctx context.Context, r *api_bouncer.Request) (*api_bouncer.Result, error) {
	client, err := s.provider.Client()
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	key := s.opts.Keys.Limiter(api_bouncer.SlidingWindow, r.Identifier, r.Route)
	windowStart := api_bouncer.UnixSeconds(now) - r.Policy.Window.Seconds()

	current, err := client.ZCount(ctx, key, api_bouncer.FormatScore(windowStart), maxSortedSetScore).Result()
	if err != nil {
		return nil, &api_bouncer.StoreError{Op: "count window entries", Key: key, Err: err}
	}

	state := api_bouncer.Deny
	if current < r.Policy.Requests {
		state = api_bouncer.Allow
	}

	return &api_bouncer.Result{
		State:     state,
		Remaining: max(0, r.Policy.Requests-current),
		ResetAt:   now.Add(r.Policy.Window),
	}, nil
}

// Reset deletes the window log for the identifier and route.
func (s *slidingWindowLimiter) Reset(ctx context.Context, identifier, route string) error {
	return resetKey(ctx, s.provider, s.opts.Keys.Limiter(api_bouncer.SlidingWindow, identifier, route))
}

func resetKey(ctx context.Context, provider store.Provider, key string) error {
	client, err := provider.Client()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset key %v: %w", key, &api_bouncer.StoreError{Op: "delete", Key: key, Err: err})
	}
	return nil
}
