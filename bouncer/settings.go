package bouncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/rate_limiting_strategies"
	"github.com/aryangodara/api_bouncer/violations"
)

// Settings is everything the bouncer reads at construction time.
type Settings struct {
	Algorithm api_bouncer.Algorithm
	Policies  api_bouncer.PolicySet
	KeyPrefix string

	ViolationThreshold int64
	ViolationWindow    time.Duration
	BlockDuration      time.Duration
	// TTLBuffer is added to every key expiry on top of its window.
	TTLBuffer time.Duration
}

// DefaultSettings returns the stock policies: 100 requests a minute with a
// burst of 120, tightened to 30 a minute on the authentication routes.
func DefaultSettings() Settings {
	auth := api_bouncer.Policy{Requests: 30, Window: time.Minute, Burst: 35}

	return Settings{
		Algorithm: api_bouncer.SlidingWindow,
		Policies: api_bouncer.PolicySet{
			Default: api_bouncer.Policy{Requests: 100, Window: time.Minute, Burst: 120},
			Routes: map[string]api_bouncer.Policy{
				"/auth/login":          auth,
				"/auth/register":       auth,
				"/auth/reset-password": auth,
			},
		},
		KeyPrefix:          api_bouncer.DefaultKeyPrefix,
		ViolationThreshold: 5,
		ViolationWindow:    300 * time.Second,
		BlockDuration:      900 * time.Second,
		TTLBuffer:          rate_limiting_strategies.DefaultTTLBuffer,
	}
}

// Validate rejects settings the bouncer cannot enforce.
func (s Settings) Validate() error {
	if _, err := api_bouncer.ParseAlgorithm(string(s.Algorithm)); err != nil {
		return err
	}
	if err := s.Policies.Validate(s.Algorithm); err != nil {
		return err
	}
	if s.ViolationThreshold <= 0 {
		return fmt.Errorf("violation threshold must be positive, got %d", s.ViolationThreshold)
	}
	if s.ViolationWindow <= 0 {
		return fmt.Errorf("violation window must be positive, got %s", s.ViolationWindow)
	}
	if s.BlockDuration <= 0 {
		return fmt.Errorf("block duration must be positive, got %s", s.BlockDuration)
	}
	if s.TTLBuffer < 0 {
		return errors.New("ttl buffer must not be negative")
	}
	return nil
}

func (s Settings) keys() api_bouncer.Keys {
	return api_bouncer.Keys{Prefix: s.KeyPrefix}
}

func (s Settings) violationSettings() violations.Settings {
	return violations.Settings{
		Threshold:     s.ViolationThreshold,
		Window:        s.ViolationWindow,
		BlockDuration: s.BlockDuration,
		TTLBuffer:     s.TTLBuffer,
	}
}
