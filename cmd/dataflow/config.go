package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the server configuration, loaded from a YAML file and
	// overridable by flags for the common knobs.
	Config struct {
		HTTP     HTTPConfig     `yaml:"http"`
		Store    StoreConfig    `yaml:"store"`
		Events   EventsConfig   `yaml:"events"`
		Engine   EngineConfig   `yaml:"engine"`
		Auth     AuthConfig     `yaml:"auth"`
		RateRPS  float64        `yaml:"create_rps"`
		Debug    bool           `yaml:"debug"`
	}

	HTTPConfig struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	}

	// StoreConfig selects the persistence backend. Kind "memory" needs no
	// further settings; kind "mongo" requires a URI and database.
	StoreConfig struct {
		Kind     string `yaml:"kind"`
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// EventsConfig enables the Pulse event stream when a Redis address is
	// set.
	EventsConfig struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		StreamMaxLen  int    `yaml:"stream_max_len"`
	}

	EngineConfig struct {
		Concurrency int           `yaml:"concurrency"`
		CancelGrace time.Duration `yaml:"cancel_grace"`
	}

	// AuthConfig maps static bearer tokens to owners. Deployments with a
	// real identity provider replace the authenticator in code.
	AuthConfig struct {
		Tokens map[string]string `yaml:"tokens"`
	}
)

// defaultConfig returns the configuration used when no file is given: an
// in-memory store and a single demo token.
func defaultConfig() Config {
	return Config{
		HTTP:  HTTPConfig{Host: "localhost", Port: "8080"},
		Store: StoreConfig{Kind: "memory"},
		Auth:  AuthConfig{Tokens: map[string]string{"dev-token": "dev"}},
	}
}

// loadConfig reads and validates the YAML configuration file.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.Store.Kind {
	case "", "memory":
		cfg.Store.Kind = "memory"
	case "mongo":
		if cfg.Store.URI == "" || cfg.Store.Database == "" {
			return cfg, fmt.Errorf("store kind mongo requires uri and database")
		}
	default:
		return cfg, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
	if len(cfg.Auth.Tokens) == 0 {
		return cfg, fmt.Errorf("auth requires at least one token")
	}
	return cfg, nil
}
