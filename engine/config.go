package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables named in spec.md 6's configuration table, plus
// the backend-selection fields this Go port needs that the abstract spec
// leaves to the embedder.
type Config struct {
	// DataDir selects the badger backend when non-empty; an empty DataDir
	// uses the in-memory backend, handy for demos and tests.
	DataDir string `yaml:"data_dir"`

	HeartbeatIntervalMS    int64 `yaml:"heartbeat_interval_ms"`
	NodeExpiryMS           int64 `yaml:"node_expiry_ms"`
	DrainBatch             int   `yaml:"drain_batch"`
	ChannelCapacity        int   `yaml:"channel_capacity"`
	NotificationQueueBound int   `yaml:"notification_queue_bound"`
}

// DefaultConfig matches spec.md 4.3's ExpiryWindow >= 3 x HeartbeatInterval
// constraint and spec.md 4.6/4.5's default channel capacity / drain batch.
func DefaultConfig() Config {
	return Config{
		HeartbeatIntervalMS:    10_000,
		NodeExpiryMS:           30_000,
		DrainBatch:             1000,
		ChannelCapacity:        128,
		NotificationQueueBound: 0,
	}
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c Config) NodeExpiry() time.Duration {
	return time.Duration(c.NodeExpiryMS) * time.Millisecond
}

// LoadConfig reads a YAML config file, starting from DefaultConfig so a
// partial file only overrides the fields it names.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	return &cfg, nil
}
