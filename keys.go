package api_bouncer

import (
	"strconv"
	"strings"
	"time"
)

// DefaultKeyPrefix namespaces every key written by the bouncer.
const DefaultKeyPrefix = "api_bouncer"

var routeReplacer = strings.NewReplacer(":", "_", "/", "_")

// Keys builds store keys under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) prefix() string {
	if k.Prefix == "" {
		return DefaultKeyPrefix
	}
	return k.Prefix
}

// Limiter returns {prefix}:{algorithm}:{identifier}:{sanitized_route}.
func (k Keys) Limiter(alg Algorithm, identifier, route string) string {
	return k.prefix() + ":" + string(alg) + ":" + identifier + ":" + SanitizeRoute(route)
}

// Violations returns {prefix}:violations:{identifier}.
func (k Keys) Violations(identifier string) string {
	return k.prefix() + ":violations:" + identifier
}

// Blocked returns {prefix}:blocked:{identifier}.
func (k Keys) Blocked(identifier string) string {
	return k.prefix() + ":blocked:" + identifier
}

// SanitizeRoute replaces namespace and path separators so a route cannot
// reach into another key namespace.
func SanitizeRoute(route string) string {
	return routeReplacer.Replace(route)
}

// UnixSeconds renders t as fractional seconds since the epoch, with
// microsecond precision. Every sorted set log is scored with it.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FormatScore renders a score for ZRANGEBYSCORE style bounds and members
// without losing precision.
func FormatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
