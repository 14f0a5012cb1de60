package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/refetch"
	"gopkg.in/yaml.v3"
)

// Config is the flowd configuration file. Environment variables override
// the connection settings.
type Config struct {
	FlowID     string `yaml:"flow_id"`
	FlowName   string `yaml:"flow_name"`
	HTTPPort   string `yaml:"http_port"`
	GRPCPort   string `yaml:"grpc_port"`
	CORSOrigin string `yaml:"cors_origin"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Neo4j struct {
		URL  string `yaml:"url"`
		User string `yaml:"user"`
		Pass string `yaml:"pass"`
	} `yaml:"neo4j"`

	History struct {
		// Kinds lists the kinds fetched over NATS. Empty means every kind
		// that carries history.
		Kinds          []string      `yaml:"kinds"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Limit          int           `yaml:"limit"`
	} `yaml:"history"`

	Refetch struct {
		ActiveInterval         time.Duration `yaml:"active_interval"`
		BackgroundInterval     time.Duration `yaml:"background_interval"`
		IdleInterval           time.Duration `yaml:"idle_interval"`
		InactivityThreshold    time.Duration `yaml:"inactivity_threshold"`
		CheckInterval          time.Duration `yaml:"check_interval"`
		DisableRefetchOnHidden bool          `yaml:"disable_refetch_on_hidden"`
		PauseWhenOffline       *bool         `yaml:"pause_when_offline"`
		RefetchOnReconnect     *bool         `yaml:"refetch_on_reconnect"`
	} `yaml:"refetch"`

	PulseInterval time.Duration `yaml:"pulse_interval"`

	RefreshLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"refresh_limit"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.FlowID = "default"
	cfg.FlowName = "Default flow"
	cfg.HTTPPort = "8080"
	cfg.GRPCPort = "9090"
	cfg.CORSOrigin = "*"
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.Neo4j.URL = "neo4j://localhost:7687"
	cfg.Neo4j.User = "neo4j"
	cfg.Neo4j.Pass = "password"
	cfg.History.RequestTimeout = 5 * time.Second
	cfg.PulseInterval = time.Second
	cfg.RefreshLimit.PerSecond = 1
	cfg.RefreshLimit.Burst = 3
	return cfg
}

// loadConfig reads path over the defaults and applies env overrides. A
// missing file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.NATS.URL = envOr("FLOWPULSE_NATS_URL", cfg.NATS.URL)
	cfg.Neo4j.URL = envOr("FLOWPULSE_NEO4J_URL", cfg.Neo4j.URL)
	cfg.Neo4j.User = envOr("FLOWPULSE_NEO4J_USER", cfg.Neo4j.User)
	cfg.Neo4j.Pass = envOr("FLOWPULSE_NEO4J_PASS", cfg.Neo4j.Pass)
	cfg.FlowID = envOr("FLOWPULSE_FLOW_ID", cfg.FlowID)
	cfg.HTTPPort = envOr("FLOWPULSE_HTTP_PORT", cfg.HTTPPort)

	if _, err := cfg.RefetchConfig(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.HistoryKinds(); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.FlowID) == "" {
		return Config{}, errors.New("config: flow_id is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// RefetchConfig overlays the configured intervals on the scheduler
// defaults and validates the result.
func (c Config) RefetchConfig() (refetch.Config, error) {
	rc := refetch.DefaultConfig()
	r := c.Refetch
	set := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}
	set(&rc.ActiveInterval, r.ActiveInterval)
	set(&rc.BackgroundInterval, r.BackgroundInterval)
	set(&rc.IdleInterval, r.IdleInterval)
	set(&rc.InactivityThreshold, r.InactivityThreshold)
	set(&rc.CheckInterval, r.CheckInterval)
	rc.DisableRefetchOnHidden = r.DisableRefetchOnHidden
	if r.PauseWhenOffline != nil {
		rc.PauseWhenOffline = *r.PauseWhenOffline
	}
	if r.RefetchOnReconnect != nil {
		rc.RefetchOnReconnect = *r.RefetchOnReconnect
	}
	if err := rc.Validate(); err != nil {
		return refetch.Config{}, fmt.Errorf("config: %w", err)
	}
	return rc, nil
}

// HistoryKinds returns the kinds to fetch history for.
func (c Config) HistoryKinds() ([]domain.Kind, error) {
	if len(c.History.Kinds) == 0 {
		var out []domain.Kind
		for _, k := range domain.Kinds {
			if k.HasHistory() {
				out = append(out, k)
			}
		}
		return out, nil
	}
	out := make([]domain.Kind, 0, len(c.History.Kinds))
	for _, s := range c.History.Kinds {
		k, err := domain.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("config: history.kinds: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}
