package bouncer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/metrics"
	"github.com/aryangodara/api_bouncer/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(server *miniredis.Miniredis, d time.Duration) {
	server.FastForward(d)
	c.now = c.now.Add(d)
}

func testSettings(alg api_bouncer.Algorithm) Settings {
	s := DefaultSettings()
	s.Algorithm = alg
	s.Policies = api_bouncer.PolicySet{
		Default: api_bouncer.Policy{Requests: 3, Window: time.Minute, Burst: 3},
		Routes: map[string]api_bouncer.Policy{
			"/burst": {Requests: 10, Window: 10 * time.Second, Burst: 10},
		},
	}
	return s
}

func newTestBouncer(t *testing.T, settings Settings, opts ...Option) (*miniredis.Miniredis, *clock, *Bouncer) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.Local)}
	opts = append([]Option{WithClock(c.Now)}, opts...)

	b, err := New(store.NewConnectionFromClient(client), settings, opts...)
	require.NoError(t, err)

	return server, c, b
}

func TestBouncer_SlidingWindow(t *testing.T) {
	server, c, b := newTestBouncer(t, testSettings(api_bouncer.SlidingWindow))
	ctx := context.Background()
	start := c.now

	for _, remaining := range []int64{2, 1, 0} {
		d, err := b.Admit(ctx, "A", "/x")
		require.NoError(t, err)
		assert.Equal(t, api_bouncer.Decision{
			Allowed:   true,
			Limit:     3,
			Remaining: remaining,
			ResetAt:   start.Add(time.Minute),
		}, d)
	}

	d, err := b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.Equal(t, api_bouncer.Decision{
		Limit:      3,
		ResetAt:    start.Add(time.Minute),
		RetryAfter: time.Minute,
	}, d)
	assert.Equal(t, int64(60), d.RetryAfterSeconds())

	c.advance(server, 61*time.Second)

	d, err = b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)

	// routes and identifiers are limited independently
	d, err = b.Admit(ctx, "A", "/y")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Remaining)

	d, err = b.Admit(ctx, "B", "/x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestBouncer_TokenBucket(t *testing.T) {
	server, c, b := newTestBouncer(t, testSettings(api_bouncer.TokenBucket))
	ctx := context.Background()

	for i := int64(9); i >= 0; i-- {
		d, err := b.Admit(ctx, "A", "/burst")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Remaining)
		assert.Equal(t, int64(10), d.Limit)
	}

	d, err := b.Admit(ctx, "A", "/burst")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	c.advance(server, 10*time.Second)

	d, err = b.Admit(ctx, "A", "/burst")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(9), d.Remaining)
}

func TestBouncer_Escalation(t *testing.T) {
	settings := testSettings(api_bouncer.SlidingWindow)
	settings.Policies.Default = api_bouncer.Policy{Requests: 1, Window: time.Minute}
	settings.ViolationThreshold = 3

	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus(reg)
	server, c, b := newTestBouncer(t, settings, WithMetrics(recorder))
	ctx := context.Background()

	d, err := b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// the first two denials only accrue violations
	for i := 0; i < 2; i++ {
		d, err := b.Admit(ctx, "A", "/x")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.False(t, d.Blocked)
	}
	assert.False(t, server.Exists("api_bouncer:blocked:A"))

	// the third denial reaches the threshold
	d, err = b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, server.Exists("api_bouncer:blocked:A"))

	members, err := server.ZMembers("api_bouncer:sliding_window:A:_x")
	require.NoError(t, err)
	logged := len(members)

	// blocked on every route, without touching the limiter or the violation log
	for _, route := range []string{"/x", "/y"} {
		d, err = b.Admit(ctx, "A", route)
		require.NoError(t, err)
		assert.Equal(t, api_bouncer.Decision{
			Limit:      1,
			ResetAt:    c.now.Add(900 * time.Second),
			RetryAfter: 900 * time.Second,
			Blocked:    true,
		}, d)
	}

	members, err = server.ZMembers("api_bouncer:sliding_window:A:_x")
	require.NoError(t, err)
	assert.Len(t, members, logged)

	usage, err := b.Usage(ctx, "A", "/x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.Violations)
	assert.True(t, usage.Blocked)
	assert.Equal(t, 900*time.Second, usage.BlockTTL)

	// other identifiers are unaffected
	d, err = b.Admit(ctx, "B", "/x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.Violations))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.Blocks))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.Decisions.WithLabelValues("sliding_window", metrics.OutcomeAllowed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.Decisions.WithLabelValues("sliding_window", metrics.OutcomeDenied)))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.Decisions.WithLabelValues("sliding_window", metrics.OutcomeBlocked)))

	// the block is released by its TTL alone
	c.advance(server, 900*time.Second)

	d, err = b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Blocked)
}

func TestBouncer_ResetAndUnblock(t *testing.T) {
	settings := testSettings(api_bouncer.SlidingWindow)
	settings.ViolationThreshold = 1
	server, _, b := newTestBouncer(t, settings)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := b.Admit(ctx, "A", "/x")
		require.NoError(t, err)
	}
	require.True(t, server.Exists("api_bouncer:blocked:A"))

	// reset only touches the limiter key
	require.NoError(t, b.Reset(ctx, "A", "/x"))
	assert.False(t, server.Exists("api_bouncer:sliding_window:A:_x"))
	assert.True(t, server.Exists("api_bouncer:blocked:A"))
	assert.True(t, server.Exists("api_bouncer:violations:A"))

	d, err := b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.True(t, d.Blocked)

	require.NoError(t, b.Unblock(ctx, "A"))
	assert.False(t, server.Exists("api_bouncer:violations:A"))

	// the limiter key is fresh after the reset
	d, err = b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestBouncer_Usage(t *testing.T) {
	_, c, b := newTestBouncer(t, testSettings(api_bouncer.SlidingWindow))
	ctx := context.Background()

	_, err := b.Admit(ctx, "A", "/x")
	require.NoError(t, err)

	usage, err := b.Usage(ctx, "A", "/x")
	require.NoError(t, err)
	assert.Equal(t, Usage{
		Identifier: "A",
		Route:      "/x",
		Algorithm:  api_bouncer.SlidingWindow,
		Policy:     api_bouncer.Policy{Requests: 3, Window: time.Minute, Burst: 3},
		Remaining:  2,
		ResetAt:    c.now.Add(time.Minute),
	}, usage)

	// peeking consumes nothing
	d, err := b.Admit(ctx, "A", "/x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestBouncer_FailOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus(reg)

	server, c, b := newTestBouncer(t, testSettings(api_bouncer.SlidingWindow),
		WithLogger(zap.New(core)),
		WithMetrics(recorder),
		WithDegradedLogLimit(rate.Every(time.Hour), 1),
	)
	server.Close()

	for i := 0; i < 2; i++ {
		d, err := b.Admit(context.Background(), "A", "/x")
		require.NoError(t, err)
		assert.Equal(t, api_bouncer.Decision{
			Allowed:   true,
			Limit:     3,
			Remaining: 3,
			ResetAt:   c.now.Add(time.Minute),
			Degraded:  true,
		}, d)
	}

	entries := logs.FilterMessage("store unavailable, running degraded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "check_block", entries[0].ContextMap()["op"])

	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.StoreErrors.WithLabelValues("check_block")))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.StoreErrors.WithLabelValues("limit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.Decisions.WithLabelValues("sliding_window", metrics.OutcomeDegraded)))
}

func TestBouncer_NotConnected(t *testing.T) {
	b, err := New(store.NewConnection(store.DefaultConfig(), nil), testSettings(api_bouncer.SlidingWindow))
	require.NoError(t, err)

	_, err = b.Admit(context.Background(), "A", "/x")
	assert.ErrorIs(t, err, store.ErrNotConnected)

	assert.ErrorIs(t, b.Reset(context.Background(), "A", "/x"), store.ErrNotConnected)
	assert.ErrorIs(t, b.Unblock(context.Background(), "A"), store.ErrNotConnected)
}

func TestNew_InvalidSettings(t *testing.T) {
	conn := store.NewConnection(store.DefaultConfig(), nil)

	tt := []struct {
		desc   string
		modify func(s *Settings)
		err    error
	}{
		{
			desc:   "unknown algorithm",
			modify: func(s *Settings) { s.Algorithm = "fixed_window" },
			err:    api_bouncer.ErrUnknownAlgorithm,
		},
		{
			desc:   "non-positive window",
			modify: func(s *Settings) { s.Policies.Default.Window = 0 },
			err:    api_bouncer.ErrInvalidPolicy,
		},
		{
			desc: "route policy with negative requests",
			modify: func(s *Settings) {
				s.Policies.Routes = map[string]api_bouncer.Policy{"/x": {Requests: -1, Window: time.Second}}
			},
			err: api_bouncer.ErrInvalidPolicy,
		},
		{
			desc: "token bucket without burst",
			modify: func(s *Settings) {
				s.Algorithm = api_bouncer.TokenBucket
				s.Policies.Default.Burst = 0
			},
			err: api_bouncer.ErrInvalidPolicy,
		},
		{
			desc:   "zero violation threshold",
			modify: func(s *Settings) { s.ViolationThreshold = 0 },
		},
		{
			desc:   "zero block duration",
			modify: func(s *Settings) { s.BlockDuration = 0 },
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			settings := testSettings(api_bouncer.SlidingWindow)
			ts.modify(&settings)

			_, err := New(conn, settings)
			require.Error(t, err)
			if ts.err != nil {
				assert.ErrorIs(t, err, ts.err)
			}
		})
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, api_bouncer.Policy{Requests: 30, Window: time.Minute, Burst: 35}, s.Policies.For("/auth/login"))
	assert.Equal(t, api_bouncer.Policy{Requests: 100, Window: time.Minute, Burst: 120}, s.Policies.For("/api/data"))
}
