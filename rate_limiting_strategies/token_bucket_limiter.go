package rate_limiting_strategies

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/store"
	"github.com/redis/go-redis/v9"
)

var (
	_ api_bouncer.Strategy = &tokenBucketLimiter{}
)

//go:embed token_bucket.lua
var tokenBucketSource string

var tokenBucketScript = redis.NewScript(tokenBucketSource)

const (
	tokensField     = "tokens"
	lastRefillField = "last_refill"
)

type tokenBucketLimiter struct {
	provider store.Provider
	opts     Options
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
//
// The bucket is a hash holding the token balance and the last refill time.
// Refill, consume and write-back run inside one Lua script so concurrent
// checks on the same key never interleave.
func NewTokenBucketLimiter(provider store.Provider, opts Options) api_bouncer.Strategy {
	return &tokenBucketLimiter{
		provider: provider,
		opts:     opts.withDefaults(),
	}
}

func (t *tokenBucketLimiter) Algorithm() api_bouncer.Algorithm {
	return api_bouncer.TokenBucket
}

func (t *tokenBucketLimiter) Execute(ctx context.Context, r *api_bouncer.Request) (*api_bouncer.Result, error) {
	client, err := t.provider.Client()
	if err != nil {
		return nil, err
	}

	now := t.opts.Now()
	key := t.opts.Keys.Limiter(api_bouncer.TokenBucket, r.Identifier, r.Route)
	rate := r.Policy.RefillRate()

	res, err := tokenBucketScript.Run(ctx, client, []string{key},
		rate,
		r.Policy.Burst,
		api_bouncer.UnixSeconds(now),
		t.ttlSeconds(r.Policy),
	).Result()
	if err != nil {
		return nil, &api_bouncer.StoreError{Op: "token bucket script", Key: key, Err: err}
	}

	allowed, tokens, err := parseBucketReply(res)
	if err != nil {
		return nil, &api_bouncer.StoreError{Op: "token bucket script", Key: key, Err: err}
	}

	state := api_bouncer.Deny
	if allowed {
		state = api_bouncer.Allow
	}

	return &api_bouncer.Result{
		State:     state,
		Remaining: int64(math.Floor(tokens)),
		ResetAt:   resetAt(now, r.Policy, tokens),
	}, nil
}

// Peek computes the refilled balance without consuming a token.
func (t *tokenBucketLimiter) Peek(ctx context.Context, r *api_bouncer.Request) (*api_bouncer.Result, error) {
	client, err := t.provider.Client()
	if err != nil {
		return nil, err
	}

	now := t.opts.Now()
	key := t.opts.Keys.Limiter(api_bouncer.TokenBucket, r.Identifier, r.Route)

	values, err := client.HMGet(ctx, key, tokensField, lastRefillField).Result()
	if err != nil {
		return nil, &api_bouncer.StoreError{Op: "read bucket", Key: key, Err: err}
	}

	tokens := float64(r.Policy.Burst)
	if len(values) == 2 {
		storedTokens, okTokens := parseFloatValue(values[0])
		lastRefill, okRefill := parseFloatValue(values[1])
		if okTokens && okRefill {
			elapsed := math.Max(0, api_bouncer.UnixSeconds(now)-lastRefill)
			tokens = math.Min(float64(r.Policy.Burst), storedTokens+elapsed*r.Policy.RefillRate())
		}
	}

	state := api_bouncer.Deny
	if tokens >= 1 {
		state = api_bouncer.Allow
	}

	return &api_bouncer.Result{
		State:     state,
		Remaining: int64(math.Floor(tokens)),
		ResetAt:   resetAt(now, r.Policy, tokens),
	}, nil
}

// Reset deletes the bucket, the next request starts from a full bucket.
func (t *tokenBucketLimiter) Reset(ctx context.Context, identifier, route string) error {
	return resetKey(ctx, t.provider, t.opts.Keys.Limiter(api_bouncer.TokenBucket, identifier, route))
}

// ttlSeconds keeps the bucket alive at least until it would be full again,
// so expiry never hands out more tokens than a refill would.
func (t *tokenBucketLimiter) ttlSeconds(p api_bouncer.Policy) int64 {
	ttl := p.Window
	if rate := p.RefillRate(); rate > 0 {
		ttl = max(ttl, secondsToDuration(float64(p.Burst)/rate))
	}
	return int64(math.Ceil((ttl + t.opts.TTLBuffer).Seconds()))
}

// resetAt is the time at which the bucket is full again.
func resetAt(now time.Time, p api_bouncer.Policy, tokens float64) time.Time {
	rate := p.RefillRate()
	if rate <= 0 {
		return now
	}
	missing := math.Max(0, float64(p.Burst)-tokens)
	return now.Add(secondsToDuration(missing / rate))
}

func parseBucketReply(res interface{}) (bool, float64, error) {
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, errors.New("invalid token bucket reply")
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("invalid allowed flag %v", values[0])
	}

	tokens, ok := parseFloatValue(values[1])
	if !ok {
		return false, 0, fmt.Errorf("invalid token balance %v", values[1])
	}

	return allowed == 1, tokens, nil
}

func parseFloatValue(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	case int64:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}
