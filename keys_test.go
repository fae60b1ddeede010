package api_bouncer

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	keys := Keys{}

	assert.Equal(t, "api_bouncer:sliding_window:10.0.0.1:_api_data", keys.Limiter(SlidingWindow, "10.0.0.1", "/api/data"))
	assert.Equal(t, "api_bouncer:token_bucket:10.0.0.1:_auth_login", keys.Limiter(TokenBucket, "10.0.0.1", "/auth/login"))
	assert.Equal(t, "api_bouncer:violations:10.0.0.1", keys.Violations("10.0.0.1"))
	assert.Equal(t, "api_bouncer:blocked:10.0.0.1", keys.Blocked("10.0.0.1"))

	prefixed := Keys{Prefix: "edge"}
	assert.Equal(t, "edge:blocked:A", prefixed.Blocked("A"))
}

func TestSanitizeRoute(t *testing.T) {
	tt := []struct {
		route string
		want  string
	}{
		{route: "/", want: "_"},
		{route: "/api/data", want: "_api_data"},
		// a route cannot reach into the escalation namespace
		{route: "x:violations:A", want: "x_violations_A"},
		{route: "", want: ""},
	}

	for _, ts := range tt {
		t.Run(ts.route, func(t *testing.T) {
			assert.Equal(t, ts.want, SanitizeRoute(ts.route))
		})
	}
}

func TestScores(t *testing.T) {
	at := time.Date(2024, time.June, 23, 10, 15, 30, 250_000_000, time.UTC)

	score := UnixSeconds(at)
	assert.Equal(t, 1719137730.25, score)
	assert.Equal(t, "1719137730.25", FormatScore(score))

	// sub-microsecond precision is dropped
	assert.Equal(t, score, UnixSeconds(at.Add(999*time.Nanosecond)))

	parsed, err := strconv.ParseFloat(FormatScore(UnixSeconds(at.Add(time.Microsecond))), 64)
	assert.NoError(t, err)
	assert.Equal(t, UnixSeconds(at.Add(time.Microsecond)), parsed)
}
