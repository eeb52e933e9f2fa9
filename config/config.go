// Package config loads cluster configuration from YAML files.
package config

import (
	"io/ioutil"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/quorumlog/quorumlog/common"
)

type serverYaml struct {
	ID         string `yaml:"id"`
	NetAddress string `yaml:"netAddress"`
}

type configYaml struct {
	Cluster                     []serverYaml `yaml:"cluster"`
	BroadcastMillis             int          `yaml:"broadcastMillis"`
	AwaitConditionTimeoutMillis int          `yaml:"awaitConditionTimeoutMillis"`
	DataDir                     string       `yaml:"dataDir"`
	MaxWalSizeBytes             int64        `yaml:"maxWalSizeBytes"`
}

// Config is the loaded and validated cluster configuration.
type Config struct {
	Cluster               []common.Server
	Broadcast             time.Duration
	AwaitConditionTimeout time.Duration
	DataDir               string
	MaxWalSizeBytes       int64
}

// Defaults applied for omitted fields.
const (
	DefaultBroadcastMillis = 50
	DefaultMaxWalSizeBytes = 64 << 20
	DefaultDataDir         = "data"
)

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw configYaml
	if err := yaml.Unmarshal(bytes, &raw); err != nil {
		return nil, err
	}

	cfg := &Config{
		Broadcast:             time.Duration(raw.BroadcastMillis) * time.Millisecond,
		AwaitConditionTimeout: time.Duration(raw.AwaitConditionTimeoutMillis) * time.Millisecond,
		DataDir:               raw.DataDir,
		MaxWalSizeBytes:       raw.MaxWalSizeBytes,
	}
	if raw.BroadcastMillis == 0 {
		cfg.Broadcast = DefaultBroadcastMillis * time.Millisecond
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.MaxWalSizeBytes == 0 {
		cfg.MaxWalSizeBytes = DefaultMaxWalSizeBytes
	}

	for _, s := range raw.Cluster {
		id, err := uuid.Parse(s.ID)
		if err != nil {
			return nil, err
		}
		cfg.Cluster = append(cfg.Cluster, common.Server{
			ID:         id,
			NetAddress: common.ServerAddress(s.NetAddress),
		})
	}
	return cfg, nil
}

// Members returns just the node ids of the cluster.
func (c *Config) Members() []common.NodeID {
	ids := make([]common.NodeID, 0, len(c.Cluster))
	for _, s := range c.Cluster {
		ids = append(ids, s.ID)
	}
	return ids
}
