// Package config holds the service configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/aryangodara/api_bouncer"
	"github.com/aryangodara/api_bouncer/bouncer"
	"github.com/aryangodara/api_bouncer/logging"
	"github.com/aryangodara/api_bouncer/store"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       logging.Config  `mapstructure:"log"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig describes the store. Addrs takes precedence over Host and
// Port; several addresses select a cluster client.
type RedisConfig struct {
	Addrs        []string      `mapstructure:"addrs"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PolicyConfig is one quota. Window is a duration string such as "60s".
type PolicyConfig struct {
	Requests int64         `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Burst    int64         `mapstructure:"burst"`
}

// RoutePolicyConfig overrides the default policy for an exact route.
type RoutePolicyConfig struct {
	Path         string `mapstructure:"path"`
	PolicyConfig `mapstructure:",squash"`
}

type RateLimitConfig struct {
	Algorithm          string              `mapstructure:"algorithm"`
	KeyPrefix          string              `mapstructure:"key_prefix"`
	Default            PolicyConfig        `mapstructure:"default"`
	Routes             []RoutePolicyConfig `mapstructure:"routes"`
	ViolationThreshold int64               `mapstructure:"violation_threshold"`
	ViolationWindow    time.Duration       `mapstructure:"violation_window"`
	BlockDuration      time.Duration       `mapstructure:"block_duration"`
	TTLBuffer          time.Duration       `mapstructure:"ttl_buffer"`
}

// AdminConfig guards the administrative endpoints. They are disabled while
// Token is empty.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

func (p PolicyConfig) policy() api_bouncer.Policy {
	return api_bouncer.Policy{Requests: p.Requests, Window: p.Window, Burst: p.Burst}
}

// BouncerSettings converts the rate limit section.
func (c *Config) BouncerSettings() bouncer.Settings {
	routes := make(map[string]api_bouncer.Policy, len(c.RateLimit.Routes))
	for _, r := range c.RateLimit.Routes {
		routes[r.Path] = r.policy()
	}

	return bouncer.Settings{
		Algorithm: api_bouncer.Algorithm(c.RateLimit.Algorithm),
		Policies: api_bouncer.PolicySet{
			Default: c.RateLimit.Default.policy(),
			Routes:  routes,
		},
		KeyPrefix:          c.RateLimit.KeyPrefix,
		ViolationThreshold: c.RateLimit.ViolationThreshold,
		ViolationWindow:    c.RateLimit.ViolationWindow,
		BlockDuration:      c.RateLimit.BlockDuration,
		TTLBuffer:          c.RateLimit.TTLBuffer,
	}
}

// StoreConfig converts the redis section.
func (c *Config) StoreConfig() store.Config {
	addrs := c.Redis.Addrs
	if len(addrs) == 0 {
		addrs = []string{net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))}
	}

	return store.Config{
		Addrs:        addrs,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if len(c.Redis.Addrs) == 0 && (c.Redis.Host == "" || c.Redis.Port <= 0) {
		return errors.New("redis addrs or host and port are required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis db %d", c.Redis.DB)
	}

	seen := make(map[string]struct{}, len(c.RateLimit.Routes))
	for _, r := range c.RateLimit.Routes {
		if r.Path == "" {
			return errors.New("route policy without path")
		}
		if _, ok := seen[r.Path]; ok {
			return fmt.Errorf("duplicate route policy for %q", r.Path)
		}
		seen[r.Path] = struct{}{}
	}

	if err := c.BouncerSettings().Validate(); err != nil {
		return fmt.Errorf("invalid rate_limit section: %w", err)
	}
	return nil
}
