// Package config loads and validates the TOML configuration of one
// fleet node and converts it into the kernel's runtime configs.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// NodeFileConfig is the on-disk shape of a node configuration.
type NodeFileConfig struct {
	Node      NodeSection             `toml:"node"`
	Topology  TopologySection         `toml:"topology"`
	Heartbeat HeartbeatSection        `toml:"heartbeat"`
	Consensus ConsensusSection        `toml:"consensus"`
	Field     map[string]FieldSection `toml:"field"`
	Auth      AuthSection             `toml:"auth"`
	Transport TransportSection        `toml:"transport"`
	Admin     AdminSection            `toml:"admin"`
	Tasks     []TaskSection           `toml:"tasks"`
}

type NodeSection struct {
	ID                   uint8    `toml:"id"`
	Name                 string   `toml:"name"`
	PositionX            int16    `toml:"position_x"`
	PositionY            int16    `toml:"position_y"`
	PositionZ            int16    `toml:"position_z"`
	Capabilities         []string `toml:"capabilities"`
	TickPeriodMicros     uint64   `toml:"tick_period_us"`
	PowerBudgetMilliwatt uint32   `toml:"power_budget_mw"`
}

type TopologySection struct {
	K                     int    `toml:"k"`
	Metric                string `toml:"metric"`
	DiscoveryPeriodMicros uint64 `toml:"discovery_period_us"`
	MinNeighbors          int    `toml:"min_neighbors"`
}

type HeartbeatSection struct {
	PeriodMicros uint64 `toml:"period_us"`
	SuspectAfter uint32 `toml:"suspect_after"`
	DeadAfter    uint32 `toml:"dead_after"`
}

type ConsensusSection struct {
	VoteTimeoutMicros     uint64 `toml:"vote_timeout_us"`
	InhibitDurationMicros uint64 `toml:"inhibit_duration_us"`
	NoSelfVote            bool   `toml:"no_self_vote"`
}

// FieldSection tunes one field channel; the map key names the channel
// (load, thermal, power, custom0, custom1).
type FieldSection struct {
	TauMicros uint64 `toml:"tau_us"`
	Model     string `toml:"model"`
}

type AuthSection struct {
	// KeyHex is the 32-byte shared MAC key. Empty disables
	// authentication entirely.
	KeyHex string `toml:"key_hex"`
	// Require lists the message types that must carry a tag. Empty
	// keeps the default (proposal, vote).
	Require []string `toml:"require"`
}

type TransportSection struct {
	Listen string            `toml:"listen"`
	Peers  map[string]string `toml:"peers"`
}

type AdminSection struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type TaskSection struct {
	Name         string   `toml:"name"`
	Priority     uint8    `toml:"priority"`
	PeriodMicros uint64   `toml:"period_us"`
	Requires     []string `toml:"requires"`
}

// LoadNodeConfig reads, defaults and validates a node configuration.
func LoadNodeConfig(path string) (NodeFileConfig, error) {
	var cfg NodeFileConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeFileConfig{}, err
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = fmt.Sprintf("node-%d", cfg.Node.ID)
	}
	if cfg.Topology.Metric == "" {
		cfg.Topology.Metric = "logical"
	}
	if cfg.Transport.Listen == "" {
		cfg.Transport.Listen = ":7700"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9000"
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeFileConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidateNodeConfig rejects shapes the kernel cannot run with.
func ValidateNodeConfig(cfg NodeFileConfig) error {
	if cfg.Node.ID == 0 || cfg.Node.ID == 0xFF {
		return fmt.Errorf("node config id must be 1-254, got %d", cfg.Node.ID)
	}
	if strings.TrimSpace(cfg.Node.Name) == "" {
		return fmt.Errorf("node config missing name")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Topology.Metric)) {
	case "logical", "physical":
	default:
		return fmt.Errorf("unknown topology metric: %s", cfg.Topology.Metric)
	}
	if cfg.Heartbeat.SuspectAfter != 0 && cfg.Heartbeat.DeadAfter != 0 &&
		cfg.Heartbeat.DeadAfter <= cfg.Heartbeat.SuspectAfter {
		return fmt.Errorf("heartbeat dead_after must exceed suspect_after")
	}
	for name := range cfg.Field {
		if _, err := fieldComponent(name); err != nil {
			return err
		}
	}
	for name, section := range cfg.Field {
		if _, err := decayModel(section.Model); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	for _, cap := range allCapabilities(cfg) {
		if _, err := capabilityBit(cap); err != nil {
			return err
		}
	}
	if _, err := authRequirePolicy(cfg.Auth.Require); err != nil {
		return err
	}
	if cfg.Auth.KeyHex != "" && len(cfg.Auth.KeyHex) != 64 {
		return fmt.Errorf("auth key_hex must be 64 hex digits, got %d", len(cfg.Auth.KeyHex))
	}
	if strings.TrimSpace(cfg.Transport.Listen) == "" {
		return fmt.Errorf("transport config missing listen")
	}
	for id := range cfg.Transport.Peers {
		if _, err := peerID(id); err != nil {
			return err
		}
	}
	if len(cfg.Tasks) > 8 {
		return fmt.Errorf("at most 8 tasks, got %d", len(cfg.Tasks))
	}
	for i, task := range cfg.Tasks {
		if strings.TrimSpace(task.Name) == "" {
			return fmt.Errorf("task[%d] missing name", i)
		}
	}
	return nil
}

func allCapabilities(cfg NodeFileConfig) []string {
	caps := append([]string(nil), cfg.Node.Capabilities...)
	for _, task := range cfg.Tasks {
		caps = append(caps, task.Requires...)
	}
	return caps
}
