package api_bouncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidPolicy is returned when a policy cannot be enforced.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
	// ErrUnknownAlgorithm is returned by ParseAlgorithm for unsupported names.
	ErrUnknownAlgorithm = errors.New("unknown rate limiting algorithm")
)

// Algorithm names a rate limiting strategy. The value doubles as the key
// namespace segment for limiter state.
type Algorithm string

const (
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
)

// ParseAlgorithm converts a configuration string into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case SlidingWindow, TokenBucket:
		return Algorithm(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

// Policy is the quota applied to one route class.
//
// Requests over Window defines the sustained rate. Burst bounds the
// instantaneous burst for the token bucket; the sliding window uses Requests
// as its hard cap.
type Policy struct {
	Requests int64
	Window   time.Duration
	Burst    int64
}

// RefillRate returns the token accrual rate in tokens per second.
func (p Policy) RefillRate() float64 {
	if p.Window <= 0 {
		return 0
	}
	return float64(p.Requests) / p.Window.Seconds()
}

// Validate reports whether the policy can be enforced by the given algorithm.
func (p Policy) Validate(alg Algorithm) error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidPolicy, p.Window)
	}
	if p.Requests < 0 || p.Burst < 0 {
		return fmt.Errorf("%w: requests and burst must not be negative", ErrInvalidPolicy)
	}
	if alg == TokenBucket && p.Burst == 0 {
		return fmt.Errorf("%w: token bucket needs a burst size of at least 1", ErrInvalidPolicy)
	}
	return nil
}

// PolicySet resolves the policy for a route, falling back to Default.
type PolicySet struct {
	Default Policy
	Routes  map[string]Policy
}

// For returns the route override or the default policy.
func (s PolicySet) For(route string) Policy {
	if p, ok := s.Routes[route]; ok {
		return p
	}
	return s.Default
}

// Validate checks every policy in the set.
func (s PolicySet) Validate(alg Algorithm) error {
	if err := s.Default.Validate(alg); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for route, p := range s.Routes {
		if err := p.Validate(alg); err != nil {
			return fmt.Errorf("policy for route %q: %w", route, err)
		}
	}
	return nil
}

// Request defines a request to be rate-limited.
type Request struct {
	Identifier string
	Route      string
	Policy     Policy
}

// State represents the result of rate limiting.
type State int64

const (
	Deny State = iota
	Allow
)

// State strings for HTTP headers and logs
var stateStrings = map[State]string{
	Allow: "Allow",
	Deny:  "Deny",
}

func (s State) String() string {
	return stateStrings[s]
}

// Result is the outcome of a rate limit check.
type Result struct {
	State     State
	Remaining int64
	ResetAt   time.Time
}

// Strategy interface defines the contract for rate limiting strategies.
type Strategy interface {
	Algorithm() Algorithm
	// Execute records the request and decides whether it is admitted.
	Execute(ctx context.Context, r *Request) (*Result, error)
	// Peek reports the current state without recording a request.
	Peek(ctx context.Context, r *Request) (*Result, error)
	// Reset deletes the limiter state for the identifier and route.
	Reset(ctx context.Context, identifier, route string) error
}

// Decision is the uniform admission record returned to callers.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Blocked is set when the identifier is serving a temporary block.
	Blocked bool
	// Degraded is set when the store failed and the request was let through.
	Degraded bool
}

// RetryAfterSeconds returns RetryAfter in whole seconds, rounded up.
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

// Admitter decides whether a request for identifier on route may proceed.
type Admitter interface {
	Admit(ctx context.Context, identifier, route string) (Decision, error)
}

// StoreError wraps a transport-level failure of a store call.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s on key %v: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
