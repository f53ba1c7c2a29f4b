// Package types holds the runtime configuration shared across the node.
package types

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Logging selects how the process logs.
type Logging struct {
	Env       string `yaml:"env"`       // dev|prod
	AddSource bool   `yaml:"addSource"` // annotate entries with caller
	Debug     bool   `yaml:"debug"`
}

// Config holds every tunable of the replication and failover core. All
// timings are deliberately configuration, not constants.
type Config struct {
	RoomID   string `yaml:"roomId"`
	Nickname string `yaml:"nickname"`

	// replication
	SnapshotWait time.Duration `yaml:"snapshotWait"` // legacy-baseline fallback window
	DedupLimit   int           `yaml:"dedupLimit"`

	// heartbeat & failure detection
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`

	// host recovery & election
	GracePeriod       time.Duration `yaml:"gracePeriod"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
	ReconnectAttempts int           `yaml:"reconnectAttempts"`
	ProbeTimeout      time.Duration `yaml:"probeTimeout"`
	BlacklistTTL      time.Duration `yaml:"blacklistTTL"`
	HostAckWait       time.Duration `yaml:"hostAckWait"` // pause after new_host_id before snapshot

	// action queue
	ActionAttempts int           `yaml:"actionAttempts"`
	ActionBackoff  time.Duration `yaml:"actionBackoff"`

	// durable identity
	IdentityDB string `yaml:"identityDb"`

	Logging Logging `yaml:"logging"`
}

// Load reads a yaml config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every field at its default.
func Default(roomID string) *Config {
	cfg := &Config{RoomID: roomID}
	_ = cfg.Validate()
	return cfg
}

// Validate checks required fields and fills defaults for the rest.
func (c *Config) Validate() error {
	if c.RoomID == "" {
		return errors.New("roomId is required")
	}
	if c.SnapshotWait <= 0 {
		c.SnapshotWait = 5 * time.Second
	}
	if c.DedupLimit <= 0 {
		c.DedupLimit = 4096
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 1500 * time.Millisecond
	}
	if c.HeartbeatTimeout <= 0 {
		// 2-3x the heartbeat interval
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval * 3 / 2
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.BlacklistTTL <= 0 {
		c.BlacklistTTL = 60 * time.Second
	}
	if c.HostAckWait <= 0 {
		c.HostAckWait = 2 * time.Second
	}
	if c.ActionAttempts <= 0 {
		c.ActionAttempts = 5
	}
	if c.ActionBackoff <= 0 {
		c.ActionBackoff = time.Second
	}
	if c.IdentityDB == "" {
		c.IdentityDB = "p2party-identity.db"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	return nil
}
