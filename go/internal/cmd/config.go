package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tilerack/tilerack/go/internal/orchestrator"
)

// Config is the yaml-backed server configuration. Every continuity
// window is in milliseconds to match what clients are told.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Continuity struct {
		DisconnectionDelayMs        int64 `yaml:"disconnection_delay_ms"`
		MaxDisconnectionDelayMs     int64 `yaml:"max_disconnection_delay_ms"`
		MobileBackgroundToleranceMs int64 `yaml:"mobile_background_tolerance_ms"`
		StandardGracePeriodMs       int64 `yaml:"standard_grace_period_ms"`
		ExtendedGracePeriodMs       int64 `yaml:"extended_grace_period_ms"`
		HeartbeatIntervalMs         int64 `yaml:"heartbeat_interval_ms"`
		HeartbeatTimeoutMs          int64 `yaml:"heartbeat_timeout_ms"`
		TurnDurationMs              int64 `yaml:"turn_duration_ms"`
	} `yaml:"continuity"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the yaml config. A missing file is not an error;
// the defaults cover a local run.
func loadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("config file not found, using defaults")
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// orchestratorConfig maps the yaml values onto the continuity core's
// config, keeping the defaults for anything unset.
func (c *Config) orchestratorConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()

	setDur := func(dst *time.Duration, ms int64) {
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	setDur(&cfg.Health.DisconnectionDelay, c.Continuity.DisconnectionDelayMs)
	setDur(&cfg.Health.MaxDisconnectionDelay, c.Continuity.MaxDisconnectionDelayMs)
	setDur(&cfg.Health.MobileBackgroundTolerance, c.Continuity.MobileBackgroundToleranceMs)
	setDur(&cfg.Health.StandardGracePeriod, c.Continuity.StandardGracePeriodMs)
	setDur(&cfg.Health.ExtendedGracePeriod, c.Continuity.ExtendedGracePeriodMs)
	setDur(&cfg.Health.HeartbeatInterval, c.Continuity.HeartbeatIntervalMs)
	setDur(&cfg.Health.HeartbeatTimeout, c.Continuity.HeartbeatTimeoutMs)
	setDur(&cfg.TurnDuration, c.Continuity.TurnDurationMs)
	return cfg
}
