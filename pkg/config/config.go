// Package config holds detection thresholds and service settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// InvalidConfigurationError reports a configuration value that would make a
// detection run meaningless. It is raised before any query is issued.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Config holds all tunable settings. Window and threshold values are policy
// decisions, not algorithmic constants.
type Config struct {
	// DetectionWindowMinutes bounds how recent a graph-log change must be to
	// count as concurrent with the proposed change.
	DetectionWindowMinutes int `json:"detection_window_minutes"`

	// FlapWindowSeconds and FlapThreshold drive flap detection. Flap windows
	// are typically much shorter than the detection window.
	FlapWindowSeconds int `json:"flap_window_seconds"`
	FlapThreshold     int `json:"flap_threshold"`

	// State source (graph store) connection.
	StateSourceURL      string `json:"state_source_url"`
	StateSourceToken    string `json:"state_source_token"`
	QueryTimeoutSeconds int    `json:"query_timeout_seconds"`
	QueryRetries        int    `json:"query_retries"`

	// Optional websocket stream of session state transitions (serve mode).
	StateStreamURL string `json:"state_stream_url"`

	// Optional shared flap state and conflict audit trail.
	RedisURL    string `json:"redis_url"`
	DatabaseURL string `json:"database_url"`

	// FailOnMedium makes MEDIUM-only results fail the CI gate.
	FailOnMedium bool `json:"fail_on_medium"`

	ListenAddr string `json:"listen_addr"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		DetectionWindowMinutes: 5,
		FlapWindowSeconds:      60,
		FlapThreshold:          3,
		StateSourceURL:         "http://localhost:8000",
		QueryTimeoutSeconds:    10,
		QueryRetries:           2,
		ListenAddr:             ":8001",
	}
}

// Load reads a JSON config file at path, applying defaults for absent fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("STATE_SOURCE_URL"); v != "" {
		c.StateSourceURL = v
	}
	if v := os.Getenv("STATE_SOURCE_TOKEN"); v != "" {
		c.StateSourceToken = v
	}
	if v := os.Getenv("STATE_STREAM_URL"); v != "" {
		c.StateStreamURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DETECTION_WINDOW_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DetectionWindowMinutes = n
		}
	}
	if v := os.Getenv("FLAP_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FlapWindowSeconds = n
		}
	}
	if v := os.Getenv("FLAP_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FlapThreshold = n
		}
	}
}

// Validate rejects configurations that would make detection vacuous.
func (c Config) Validate() error {
	if c.DetectionWindowMinutes <= 0 {
		return &InvalidConfigurationError{Field: "detection_window_minutes", Reason: "must be positive"}
	}
	if c.FlapWindowSeconds <= 0 {
		return &InvalidConfigurationError{Field: "flap_window_seconds", Reason: "must be positive"}
	}
	if c.FlapThreshold <= 0 {
		return &InvalidConfigurationError{Field: "flap_threshold", Reason: "must be positive"}
	}
	if c.QueryTimeoutSeconds <= 0 {
		return &InvalidConfigurationError{Field: "query_timeout_seconds", Reason: "must be positive"}
	}
	if c.QueryRetries < 0 {
		return &InvalidConfigurationError{Field: "query_retries", Reason: "must not be negative"}
	}
	return nil
}

// DetectionWindow returns the window as a duration.
func (c Config) DetectionWindow() time.Duration {
	return time.Duration(c.DetectionWindowMinutes) * time.Minute
}

// FlapWindow returns the flap window as a duration.
func (c Config) FlapWindow() time.Duration {
	return time.Duration(c.FlapWindowSeconds) * time.Second
}

// QueryTimeout returns the per-query timeout as a duration.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}
