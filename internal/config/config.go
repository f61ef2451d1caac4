// Package config decodes Kredo's environment-variable configuration
// surface, following the struct-tag-plus-envconfig.Process pattern
// used throughout the retrieved pack's cmd/ entrypoints.
package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config is the complete environment-variable surface of the Kredo
// server.
type Config struct {
	DBPath               string `envconfig:"DB_PATH" default:"kredo.db"`
	BindAddr             string `envconfig:"BIND_ADDR" default:":8080"`
	CORSAllowOrigins     string `envconfig:"CORS_ALLOW_ORIGINS" default:""`
	TrustCacheTTLSeconds int    `envconfig:"TRUST_CACHE_TTL_SECONDS" default:"30"`
	RateLimitsJSON       string `envconfig:"RATE_LIMITS_JSON" default:""`
	MaxBodyBytes         int64  `envconfig:"MAX_BODY_BYTES" default:"65536"`
	Env                  string `envconfig:"KREDO_ENV" default:"production"`
	RedisAddr            string `envconfig:"REDIS_ADDR" default:""`
}

// Load decodes Config from the process environment, applying the
// struct tag defaults where a variable is unset.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// AllowedOrigins splits CORSAllowOrigins into a slice, empty meaning
// same-origin-only.
func (c Config) AllowedOrigins() []string {
	if c.CORSAllowOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDev reports whether KREDO_ENV requests the console-encoded dev
// logger instead of the production JSON encoder.
func (c Config) IsDev() bool {
	return c.Env == "dev"
}
