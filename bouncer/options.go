package bouncer

import (
	"time"

	"github.com/aryangodara/api_bouncer/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Option configures a Bouncer.
type Option func(*Bouncer)

// WithClock overrides time.Now for every time-dependent decision.
func WithClock(now func() time.Time) Option {
	return func(b *Bouncer) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bouncer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the recorder. The default discards everything.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(b *Bouncer) {
		if recorder != nil {
			b.metrics = recorder
		}
	}
}

// WithDegradedLogLimit caps how many degraded-mode warnings are written while
// the store is failing. Suppressed warnings are counted and reported with the
// next one that gets through.
func WithDegradedLogLimit(limit rate.Limit, burst int) Option {
	return func(b *Bouncer) {
		b.degradedLog = rate.NewLimiter(limit, burst)
	}
}
