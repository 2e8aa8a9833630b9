// Package config loads a replica's cluster configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is a single replica's view of the cluster it belongs to: its own
// identity and data directory, plus the full peer set it should dial.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	seen := make(map[string]bool, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		if seen[peer.ID] {
			return fmt.Errorf("duplicate peer id: %s", peer.ID)
		}
		seen[peer.ID] = true

		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
		}
	}
	if !found {
		return fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID)
	}
	return nil
}

// PeerAddrs returns every peer's address keyed by ID, including this node's
// own entry.
func (c *Config) PeerAddrs() map[string]string {
	out := make(map[string]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		out[peer.ID] = peer.Address
	}
	return out
}

// OtherIDs returns every peer ID other than this node's own.
func (c *Config) OtherIDs() []string {
	var out []string
	for _, peer := range c.Cluster.Peers {
		if peer.ID != c.Node.ID {
			out = append(out, peer.ID)
		}
	}
	return out
}
