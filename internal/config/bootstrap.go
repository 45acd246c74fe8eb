// Package config implements the Configuration Loader (spec §4.A): it
// parses a JSON configuration document -- nested or legacy-flat -- into
// range-checked BackendConfig/ModelParams/SamplingParams records, warning
// and reverting to documented defaults on out-of-range input rather than
// failing the whole load. It also holds the process-bootstrap Config,
// which supplies knobs the JSON schema itself doesn't cover.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds process-bootstrap settings read from the environment --
// the knobs needed before a BackendConfig JSON document can even be
// located and read, such as where that document lives and how verbose
// startup logging should be.
type Config struct {
	AppEnv            string        `env:"APP_ENV" envDefault:"dev"`
	ConfigPath        string        `env:"GATEWAY_CONFIG_PATH" envDefault:""`
	ModelPath         string        `env:"GATEWAY_MODEL_PATH" envDefault:""`
	LogLevel          string        `env:"GATEWAY_LOG_LEVEL" envDefault:"info"`
	SwapGraceTimeout  time.Duration `env:"GATEWAY_SWAP_GRACE_TIMEOUT" envDefault:"30s"`
}

// LoadEnv parses environment variables into a Config.
func LoadEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
