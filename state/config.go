package state

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
)

// SubnetCfg describes one provisioned subnet this node participates in.
type SubnetCfg struct {
	NetIdx NetIdx `yaml:"net_idx"`
	Key    string `yaml:"key"` // hex-encoded, 16 bytes
}

// TuningCfg overrides the package-level tuning vars in constants.go. Zero
// values are left untouched — see ApplyTuning.
type TuningCfg struct {
	RingIntervalSeconds  int `yaml:"ring_interval_seconds,omitempty"`
	RingMaxTTL           int `yaml:"ring_max_ttl,omitempty"`
	RreqWaitSeconds      int `yaml:"rreq_wait_seconds,omitempty"`
	LifetimeDataSeconds  int `yaml:"lifetime_data_seconds,omitempty"`
	HelloLifetimeSeconds int `yaml:"hello_lifetime_seconds,omitempty"`
	NumberOfEntries      int `yaml:"number_of_entries,omitempty"`
}

// NodeCfg is the node-local configuration: identity and the subnets it
// participates in.
type NodeCfg struct {
	Id          string      `yaml:"id"`
	PrimaryAddr uint16      `yaml:"primary_addr"`
	ElemCount   uint16      `yaml:"elem_count"`
	Subnets     []SubnetCfg `yaml:"subnets,omitempty"`
	Tuning      TuningCfg   `yaml:"tuning,omitempty"`
}

// LoadNodeConfig reads and validates a node.yaml-shaped document.
func LoadNodeConfig(data []byte) (NodeCfg, error) {
	var cfg NodeCfg
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NodeCfg{}, fmt.Errorf("parsing node config: %w", err)
	}
	if err := NodeConfigValidator(&cfg); err != nil {
		return NodeCfg{}, err
	}
	return cfg, nil
}

// ApplyTuning overrides the package-level tuning vars with any non-zero
// fields in cfg. Left as an explicit, opt-in call (rather than applied
// automatically on load) so tests can load a config without mutating
// shared package state.
func ApplyTuning(cfg TuningCfg) {
	if cfg.RingIntervalSeconds > 0 {
		RingInterval = time.Duration(cfg.RingIntervalSeconds) * time.Second
		RwaitExtension = 4 * RingInterval
	}
	if cfg.RingMaxTTL > 0 {
		RingMaxTTL = uint8(cfg.RingMaxTTL)
	}
	if cfg.RreqWaitSeconds > 0 {
		RreqWait = time.Duration(cfg.RreqWaitSeconds) * time.Second
	}
	if cfg.LifetimeDataSeconds > 0 {
		LifetimeData = time.Duration(cfg.LifetimeDataSeconds) * time.Second
	}
	if cfg.HelloLifetimeSeconds > 0 {
		HelloLifetime = time.Duration(cfg.HelloLifetimeSeconds) * time.Second
	}
	if cfg.NumberOfEntries > 0 {
		NumberOfEntries = cfg.NumberOfEntries
	}
}
