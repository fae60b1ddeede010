package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "API_BOUNCER"

// legacyEnv maps configuration keys to the plain environment names deployments
// already set.
var legacyEnv = map[string]string{
	"rate_limit.algorithm": "RATE_LIMIT_ALGORITHM",
	"redis.host":           "REDIS_HOST",
	"redis.port":           "REDIS_PORT",
	"redis.password":       "REDIS_PASSWORD",
	"redis.db":             "REDIS_DB",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("rate_limit.algorithm", "sliding_window")
	v.SetDefault("rate_limit.key_prefix", "api_bouncer")
	v.SetDefault("rate_limit.default.requests", 100)
	v.SetDefault("rate_limit.default.window", time.Minute)
	v.SetDefault("rate_limit.default.burst", 120)
	v.SetDefault("rate_limit.routes", []map[string]interface{}{
		{"path": "/auth/login", "requests": 30, "window": "60s", "burst": 35},
		{"path": "/auth/register", "requests": 30, "window": "60s", "burst": 35},
		{"path": "/auth/reset-password", "requests": 30, "window": "60s", "burst": 35},
	})
	v.SetDefault("rate_limit.violation_threshold", 5)
	v.SetDefault("rate_limit.violation_window", 300*time.Second)
	v.SetDefault("rate_limit.block_duration", 900*time.Second)
	v.SetDefault("rate_limit.ttl_buffer", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("admin.token", "")
}

// Load reads the configuration from, in order of precedence, environment
// variables, the config file and defaults. A .env file in the working
// directory is loaded into the environment first. An empty path searches
// for config.yaml in the working directory and /etc/api-bouncer/.
func Load(path string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/api-bouncer/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
