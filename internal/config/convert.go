package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fleetkor/fleetkor/internal/auth"
	"github.com/fleetkor/fleetkor/internal/consensus"
	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/heartbeat"
	"github.com/fleetkor/fleetkor/internal/node"
	"github.com/fleetkor/fleetkor/internal/topology"
	"github.com/fleetkor/fleetkor/internal/transport"
)

// NodeConfig converts a validated file config into the node's runtime
// config.
func NodeConfig(cfg NodeFileConfig, logger zerolog.Logger) (node.Config, error) {
	caps, err := capabilityMask(cfg.Node.Capabilities)
	if err != nil {
		return node.Config{}, err
	}
	components, err := fieldComponents(cfg.Field)
	if err != nil {
		return node.Config{}, err
	}
	metric := topology.MetricLogical
	if strings.EqualFold(strings.TrimSpace(cfg.Topology.Metric), "physical") {
		metric = topology.MetricPhysical
	}
	return node.Config{
		ID:   fleet.NodeID(cfg.Node.ID),
		Name: cfg.Node.Name,
		Position: fleet.Position{
			X: cfg.Node.PositionX,
			Y: cfg.Node.PositionY,
			Z: cfg.Node.PositionZ,
		},
		Capabilities:         caps,
		TickPeriodMicros:     cfg.Node.TickPeriodMicros,
		PowerBudgetMilliwatt: cfg.Node.PowerBudgetMilliwatt,
		Topology: topology.Config{
			K:                     cfg.Topology.K,
			Metric:                metric,
			DiscoveryPeriodMicros: cfg.Topology.DiscoveryPeriodMicros,
			MinNeighbors:          cfg.Topology.MinNeighbors,
		},
		Heartbeat: heartbeat.Config{
			PeriodMicros: cfg.Heartbeat.PeriodMicros,
			SuspectAfter: cfg.Heartbeat.SuspectAfter,
			DeadAfter:    cfg.Heartbeat.DeadAfter,
		},
		Consensus: consensus.Config{
			VoteTimeoutMicros:     cfg.Consensus.VoteTimeoutMicros,
			InhibitDurationMicros: cfg.Consensus.InhibitDurationMicros,
			NoSelfVote:            cfg.Consensus.NoSelfVote,
		},
		Components: components,
		Logger:     logger,
	}, nil
}

// Authenticator builds the message authenticator: keyed BLAKE3 when a
// key is configured, otherwise no authentication at all.
func Authenticator(cfg AuthSection) (auth.Authenticator, error) {
	if cfg.KeyHex == "" {
		return auth.Noop{}, nil
	}
	key, err := hex.DecodeString(cfg.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("auth key_hex: %w", err)
	}
	policy, err := authRequirePolicy(cfg.Require)
	if err != nil {
		return nil, err
	}
	return auth.NewKeyed(key, policy)
}

// UDPConfig converts the transport section for the daemon's bus.
func UDPConfig(cfg NodeFileConfig) (transport.UDPConfig, error) {
	peers := make(map[fleet.NodeID]string, len(cfg.Transport.Peers))
	for raw, addr := range cfg.Transport.Peers {
		id, err := peerID(raw)
		if err != nil {
			return transport.UDPConfig{}, err
		}
		peers[id] = addr
	}
	return transport.UDPConfig{
		Self:   fleet.NodeID(cfg.Node.ID),
		Listen: cfg.Transport.Listen,
		Peers:  peers,
	}, nil
}

// TaskRequirements resolves the capability masks of the configured
// tasks, index-aligned with cfg.Tasks.
func TaskRequirements(cfg NodeFileConfig) ([]fleet.Capability, error) {
	out := make([]fleet.Capability, len(cfg.Tasks))
	for i, task := range cfg.Tasks {
		mask, err := capabilityMask(task.Requires)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, err)
		}
		out[i] = mask
	}
	return out, nil
}

func peerID(raw string) (fleet.NodeID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 8)
	if err != nil || v == 0 || v == 0xFF {
		return fleet.InvalidNode, fmt.Errorf("invalid peer id: %s", raw)
	}
	return fleet.NodeID(v), nil
}

func capabilityMask(names []string) (fleet.Capability, error) {
	var mask fleet.Capability
	for _, name := range names {
		bit, err := capabilityBit(name)
		if err != nil {
			return 0, err
		}
		mask |= bit
	}
	return mask, nil
}

func capabilityBit(name string) (fleet.Capability, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "thermal_ok":
		return fleet.CapThermalOK, nil
	case "power_high":
		return fleet.CapPowerHigh, nil
	case "gateway":
		return fleet.CapGateway, nil
	case "v2g":
		return fleet.CapV2G, nil
	case "custom0":
		return fleet.CapCustom0, nil
	case "custom1":
		return fleet.CapCustom1, nil
	case "custom2":
		return fleet.CapCustom2, nil
	case "custom3":
		return fleet.CapCustom3, nil
	default:
		return 0, fmt.Errorf("unknown capability: %s", name)
	}
}

func fieldComponent(name string) (field.Component, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "load":
		return field.Load, nil
	case "thermal":
		return field.Thermal, nil
	case "power":
		return field.Power, nil
	case "custom0":
		return field.Custom0, nil
	case "custom1":
		return field.Custom1, nil
	default:
		return 0, fmt.Errorf("unknown field channel: %s", name)
	}
}

func decayModel(name string) (field.DecayModel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exp", "exponential":
		return field.DecayExponential, nil
	case "linear":
		return field.DecayLinear, nil
	case "step":
		return field.DecayStep, nil
	default:
		return 0, fmt.Errorf("unknown decay model: %s", name)
	}
}

func fieldComponents(sections map[string]FieldSection) ([field.ComponentCount]field.ComponentConfig, error) {
	var out [field.ComponentCount]field.ComponentConfig
	for i := range out {
		out[i] = field.DefaultComponentConfig()
	}
	for name, section := range sections {
		c, err := fieldComponent(name)
		if err != nil {
			return out, err
		}
		model, err := decayModel(section.Model)
		if err != nil {
			return out, fmt.Errorf("field %s: %w", name, err)
		}
		if section.TauMicros != 0 {
			out[c].TauMicros = section.TauMicros
		}
		out[c].Model = model
	}
	return out, nil
}

func authRequirePolicy(require []string) (auth.Policy, error) {
	if len(require) == 0 {
		return auth.DefaultPolicy(), nil
	}
	var p auth.Policy
	for _, name := range require {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "heartbeat":
			p.Heartbeat = true
		case "discovery":
			p.Discovery = true
		case "field_update", "field":
			p.FieldUpdate = true
		case "proposal":
			p.Proposal = true
		case "vote":
			p.Vote = true
		default:
			return auth.Policy{}, fmt.Errorf("unknown auth message type: %s", name)
		}
	}
	return p, nil
}
