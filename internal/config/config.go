// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the configuration of the CD1.1 services.
package config // import "github.com/go-lpc/cd11/internal/config"

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/cd11/connman"
	"gopkg.in/yaml.v3"
)

// Config is the configuration shared by the CD1.1 commands.
type Config struct {
	LogLevel string    `yaml:"log-level"`
	Connman  Connman   `yaml:"connman"`
	Dataman  Dataman   `yaml:"dataman"`
	Stations []Station `yaml:"stations"`
}

// Connman configures the connection manager.
type Connman struct {
	Addr  string `yaml:"addr"`
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Major uint16 `yaml:"major"`
	Minor uint16 `yaml:"minor"`
	DB    string `yaml:"db"` // station table DSN, overrides stations
}

// Dataman configures the data consumer.
type Dataman struct {
	Host          string        `yaml:"host"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	Liveness      time.Duration `yaml:"liveness"`
	Persist       time.Duration `yaml:"persist"`
	GapExpiration time.Duration `yaml:"gap-expiration"`
	Redis         string        `yaml:"redis"`
	GapDir        string        `yaml:"gap-dir"`
	NATS          string        `yaml:"nats"`
	Mail          bool          `yaml:"mail"`
}

// Station describes a station and its assigned data consumer.
type Station struct {
	Name         string `yaml:"name"`
	ConsumerIP   string `yaml:"consumer-ip"`
	ConsumerPort uint16 `yaml:"consumer-port"`
	ProviderIP   string `yaml:"provider-ip"`
	Ignored      bool   `yaml:"ignored"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Connman: Connman{
			Addr:  ":8041",
			Name:  "connman",
			Kind:  "IDC",
			Major: 1,
			Minor: 1,
		},
		Dataman: Dataman{
			Host:      "0.0.0.0",
			Heartbeat: 55 * time.Second,
			Liveness:  120 * time.Second,
			Persist:   5 * time.Minute,
		},
	}
}

// Load reads the configuration file fname, if any, on top of the
// default configuration and applies the environment overrides.
func Load(fname string) (Config, error) {
	cfg := Default()
	if fname != "" {
		raw, err := os.ReadFile(fname)
		if err != nil {
			return cfg, fmt.Errorf("config: could not read %q: %w", fname, err)
		}
		err = yaml.Unmarshal(raw, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config: could not decode %q: %w", fname, err)
		}
	}

	err := cfg.fromEnv()
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) fromEnv() error {
	cfg.LogLevel = getEnv("CD11_LOG_LEVEL", cfg.LogLevel)
	cfg.Connman.Addr = getEnv("CD11_CONNMAN_ADDR", cfg.Connman.Addr)
	cfg.Connman.DB = getEnv("CD11_STATION_DB", cfg.Connman.DB)
	cfg.Dataman.Host = getEnv("CD11_DATAMAN_HOST", cfg.Dataman.Host)
	cfg.Dataman.Redis = getEnv("CD11_REDIS_ADDR", cfg.Dataman.Redis)
	cfg.Dataman.GapDir = getEnv("CD11_GAP_DIR", cfg.Dataman.GapDir)
	cfg.Dataman.NATS = getEnv("CD11_NATS_URL", cfg.Dataman.NATS)

	var err error
	for _, v := range []struct {
		key string
		ptr *time.Duration
	}{
		{"CD11_HEARTBEAT", &cfg.Dataman.Heartbeat},
		{"CD11_LIVENESS", &cfg.Dataman.Liveness},
		{"CD11_PERSIST_INTERVAL", &cfg.Dataman.Persist},
		{"CD11_GAP_EXPIRATION", &cfg.Dataman.GapExpiration},
	} {
		*v.ptr, err = getEnvAsDuration(v.key, *v.ptr)
		if err != nil {
			return err
		}
	}
	return nil
}

// Level returns the configured verbosity level.
func (cfg Config) Level() (log.Level, error) {
	return ParseLevel(cfg.LogLevel)
}

// Endpoints returns the station table described by the configuration.
func (cfg Config) Endpoints() ([]connman.StationEndpoint, error) {
	var (
		eps  = make([]connman.StationEndpoint, 0, len(cfg.Stations))
		seen = make(map[string]bool, len(cfg.Stations))
	)
	for i, sta := range cfg.Stations {
		if sta.Name == "" {
			return nil, fmt.Errorf("config: station #%d has no name", i)
		}
		if seen[sta.Name] {
			return nil, fmt.Errorf("config: duplicate station %q", sta.Name)
		}
		seen[sta.Name] = true

		ep := connman.StationEndpoint{
			Name:         sta.Name,
			ConsumerPort: sta.ConsumerPort,
			Ignored:      sta.Ignored,
		}

		var err error
		ep.ConsumerIP, err = parseAddr(sta.ConsumerIP)
		if err != nil {
			return nil, fmt.Errorf("config: invalid consumer address of station %q: %w", sta.Name, err)
		}
		ep.ProviderIP, err = parseAddr(sta.ProviderIP)
		if err != nil {
			return nil, fmt.Errorf("config: invalid provider address of station %q: %w", sta.Name, err)
		}
		if !ep.Ignored && ep.ConsumerPort == 0 {
			return nil, fmt.Errorf("config: station %q has no consumer port", sta.Name)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func parseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}

// ParseLevel parses a verbosity level name.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "dbg", "debug":
		return log.LvlDebug, nil
	case "", "info":
		return log.LvlInfo, nil
	case "warn", "warning":
		return log.LvlWarning, nil
	case "err", "error":
		return log.LvlError, nil
	}
	return log.LvlInfo, fmt.Errorf("config: invalid log level %q", s)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: invalid duration %s=%q: %w", key, v, err)
	}
	return d, nil
}
