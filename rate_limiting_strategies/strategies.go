// Package rate_limiting_strategies implements the store-backed admission
// algorithms behind api_bouncer.Strategy.
package rate_limiting_strategies

import (
	"fmt"
	"time"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/store"
)

// DefaultTTLBuffer is added to every limiter key expiry on top of the window.
const DefaultTTLBuffer = 10 * time.Second

// Options carries the settings shared by every strategy.
type Options struct {
	Keys      api_bouncer.Keys
	TTLBuffer time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTLBuffer <= 0 {
		o.TTLBuffer = DefaultTTLBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New returns the strategy for alg.
func New(alg api_bouncer.Algorithm, provider store.Provider, opts Options) (api_bouncer.Strategy, error) {
	switch alg {
	case api_bouncer.SlidingWindow:
		return NewSlidingWindowLimiter(provider, opts), nil
	case api_bouncer.TokenBucket:
		return NewTokenBucketLimiter(provider, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", api_bouncer.ErrUnknownAlgorithm, alg)
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
