// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads tallow's configuration file.
//
// Configuration comes from exactly one file, named by the --config flag
// or the TALLOW_CONFIG environment variable. There is no search path and
// environment variables never override individual values; the only
// expansion is ${VAR} and ${VAR:-default} inside path fields.
//
// Files ending in .json or .jsonc are accepted; comments and trailing
// commas are stripped before parsing. Everything else is parsed as YAML.
//
// A file may carry development and production sections. The section
// matching the selected environment is decoded over the base values, so
// it only needs the keys it changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "TALLOW_CONFIG"

// Environment selects an override section.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the whole file.
type Config struct {
	Environment Environment       `yaml:"environment"`
	Paths       PathsConfig       `yaml:"paths"`
	Ratchet     RatchetConfig     `yaml:"ratchet"`
	Transfer    TransferConfig    `yaml:"transfer"`
	NAT         NATConfig         `yaml:"nat"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Relays      []RelayEndpoint   `yaml:"relays"`
	RelayServer RelayServerConfig `yaml:"relay_server"`

	// Raw override sections, decoded over the base by applyEnvironment.
	Development yaml.Node `yaml:"development,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	// State is the root for everything below when they are relative.
	State      string `yaml:"state"`
	Identity   string `yaml:"identity"`
	StatsDB    string `yaml:"stats_db"`
	SnapshotDB string `yaml:"snapshot_db"`
}

// RatchetConfig sets the re-key schedule.
type RatchetConfig struct {
	RekeyMessages   int           `yaml:"rekey_messages"`
	RekeyInterval   time.Duration `yaml:"rekey_interval"`
	PQRekeyMessages int           `yaml:"pq_rekey_messages"`
	PQRekeyInterval time.Duration `yaml:"pq_rekey_interval"`
	MaxSkip         int           `yaml:"max_skip"`
	SkippedKeyLimit int           `yaml:"skipped_key_limit"`

	// PerMessage ratchets DH and ML-KEM on every send. The counters
	// and intervals above are ignored when set.
	PerMessage bool `yaml:"per_message"`
}

// TransferConfig tunes chunking and flow control.
type TransferConfig struct {
	MinChunkSize        int           `yaml:"min_chunk_size"`
	MaxChunkSize        int           `yaml:"max_chunk_size"`
	InitialChunkSize    int           `yaml:"initial_chunk_size"`
	MaxInFlightBytes    int64         `yaml:"max_in_flight_bytes"`
	HighWater           int           `yaml:"high_water"`
	LowWater            int           `yaml:"low_water"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	MaxIntegrityRetries int           `yaml:"max_integrity_retries"`

	// Compression is auto, none, lz4 or zstd.
	Compression string `yaml:"compression"`
}

// NATConfig lists STUN observers for classification.
type NATConfig struct {
	Observers     []string      `yaml:"observers"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ChangeRequest bool          `yaml:"change_request"`
}

// StrategyConfig tunes path selection.
type StrategyConfig struct {
	DirectTimeout     time.Duration `yaml:"direct_timeout"`
	AggressiveTimeout time.Duration `yaml:"aggressive_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	EWMAAlpha         float64       `yaml:"ewma_alpha"`
	Epsilon           float64       `yaml:"epsilon"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
}

// RelayEndpoint is one relay the client may use.
type RelayEndpoint struct {
	Address string `yaml:"address"`
	// SecretFile holds the shared credential secret for this relay.
	SecretFile string `yaml:"secret_file"`
}

// RelayServerConfig configures tallow-relay.
type RelayServerConfig struct {
	Listen        string        `yaml:"listen"`
	SecretFile    string        `yaml:"secret_file"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ByteLimit     int64         `yaml:"byte_limit"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	// MetricsListen serves /metrics and /health when set.
	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the base values every file is decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			State:      "${XDG_STATE_HOME:-${HOME}/.local/state}/tallow",
			Identity:   "identity.cbor",
			StatsDB:    "strategy.db",
			SnapshotDB: "transfers.db",
		},
		Ratchet: RatchetConfig{
			RekeyMessages:   100,
			RekeyInterval:   time.Minute,
			PQRekeyMessages: 1000,
			PQRekeyInterval: 10 * time.Minute,
			MaxSkip:         1000,
			SkippedKeyLimit: 1000,
		},
		Transfer: TransferConfig{
			MinChunkSize:        16 << 10,
			MaxChunkSize:        1 << 20,
			InitialChunkSize:    256 << 10,
			MaxInFlightBytes:    8 << 20,
			HighWater:           4 << 20,
			LowWater:            1 << 20,
			AckTimeout:          10 * time.Second,
			MaxIntegrityRetries: 3,
			Compression:         "auto",
		},
		NAT: NATConfig{
			Observers:    []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
			ProbeTimeout: 3 * time.Second,
		},
		Strategy: StrategyConfig{
			DirectTimeout:     5 * time.Second,
			AggressiveTimeout: 1500 * time.Millisecond,
			HandshakeTimeout:  10 * time.Second,
			EWMAAlpha:         0.2,
			Epsilon:           0.05,
			FailureThreshold:  3,
			Cooldown:          30 * time.Second,
		},
		RelayServer: RelayServerConfig{
			Listen:        ":7443",
			WaitTimeout:   2 * time.Minute,
			IdleTimeout:   5 * time.Minute,
			ByteLimit:     64 << 30,
			RatePerSecond: 2,
			Burst:         10,
		},
	}
}

// Load reads the file named by TALLOW_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it to the path of your tallow config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads, overrides and expands one file. It does not Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.applyEnvironment(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) applyEnvironment() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Production:
		section = &c.Production
	default:
		return nil
	}
	if section.Kind == 0 {
		return nil
	}
	// Environment itself is not overridable.
	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("%s section: %w", environment, err)
	}
	c.Environment = environment
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-((?:[^{}]|\$\{[^}]*\})*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}; a default may itself
// contain one ${VAR} reference.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return expandVars(parts[2])
	})
}

func (c *Config) expandPaths() {
	c.Paths.State = expandVars(c.Paths.State)
	resolve := func(path string) string {
		path = expandVars(path)
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(c.Paths.State, path)
	}
	c.Paths.Identity = resolve(c.Paths.Identity)
	c.Paths.StatsDB = resolve(c.Paths.StatsDB)
	c.Paths.SnapshotDB = resolve(c.Paths.SnapshotDB)
	for index := range c.Relays {
		c.Relays[index].SecretFile = resolve(c.Relays[index].SecretFile)
	}
	c.RelayServer.SecretFile = resolve(c.RelayServer.SecretFile)
}

// Resolved returns Default with its paths expanded, for running
// without a config file.
func Resolved() *Config {
	cfg := Default()
	cfg.expandPaths()
	return cfg
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Environment != Development && c.Environment != Production {
		add("invalid environment %q", c.Environment)
	}
	if c.Paths.State == "" {
		add("paths.state is required")
	}

	r := c.Ratchet
	if !r.PerMessage {
		if r.RekeyMessages <= 0 && r.RekeyInterval <= 0 {
			add("ratchet: rekey_messages or rekey_interval must be positive")
		}
		if r.PQRekeyMessages <= 0 && r.PQRekeyInterval <= 0 {
			add("ratchet: pq_rekey_messages or pq_rekey_interval must be positive")
		}
	}
	if r.MaxSkip <= 0 || r.SkippedKeyLimit <= 0 {
		add("ratchet: max_skip and skipped_key_limit must be positive")
	}

	tr := c.Transfer
	if tr.MinChunkSize <= 0 || tr.MinChunkSize > tr.MaxChunkSize {
		add("transfer: need 0 < min_chunk_size <= max_chunk_size, got %d and %d", tr.MinChunkSize, tr.MaxChunkSize)
	}
	if tr.InitialChunkSize < tr.MinChunkSize || tr.InitialChunkSize > tr.MaxChunkSize {
		add("transfer: initial_chunk_size %d outside [%d, %d]", tr.InitialChunkSize, tr.MinChunkSize, tr.MaxChunkSize)
	}
	if tr.MaxInFlightBytes < int64(tr.MaxChunkSize) {
		add("transfer: max_in_flight_bytes must hold at least one max_chunk_size chunk")
	}
	if tr.LowWater <= 0 || tr.LowWater >= tr.HighWater {
		add("transfer: need 0 < low_water < high_water, got %d and %d", tr.LowWater, tr.HighWater)
	}
	switch tr.Compression {
	case "auto", "none", "lz4", "zstd":
	default:
		add("transfer: compression must be auto, none, lz4 or zstd, got %q", tr.Compression)
	}

	if c.NAT.ProbeTimeout <= 0 {
		add("nat.probe_timeout must be positive")
	}

	s := c.Strategy
	if s.EWMAAlpha <= 0 || s.EWMAAlpha > 1 {
		add("strategy.ewma_alpha must be in (0, 1], got %v", s.EWMAAlpha)
	}
	if s.Epsilon < 0 || s.Epsilon > 1 {
		add("strategy.epsilon must be in [0, 1], got %v", s.Epsilon)
	}
	if s.DirectTimeout <= 0 || s.AggressiveTimeout <= 0 || s.HandshakeTimeout <= 0 {
		add("strategy: timeouts must be positive")
	}

	for index, relay := range c.Relays {
		if _, _, err := net.SplitHostPort(relay.Address); err != nil {
			add("relays[%d].address %q must be host:port", index, relay.Address)
		}
		if relay.SecretFile == "" {
			add("relays[%d].secret_file is required", index)
		}
	}

	if c.Environment == Production && c.RelayServer.SecretFile == "" && c.RelayServer.Listen != "" {
		add("relay_server.secret_file is required in production")
	}

	return errors.Join(errs...)
}

// ReadSecret reads a secret file, trimming surrounding whitespace.
func ReadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	trimmed := append([]byte(nil), bytes.TrimSpace(data)...)
	clear(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", path)
	}
	return trimmed, nil
}
