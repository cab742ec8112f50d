package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fleetkor/fleetkor/internal/auth"
	"github.com/fleetkor/fleetkor/internal/field"
	"github.com/fleetkor/fleetkor/internal/fleet"
	"github.com/fleetkor/fleetkor/internal/testutil/testlog"
	"github.com/fleetkor/fleetkor/internal/topology"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTemplateRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := WriteTemplate(path, "node", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "node", false); err == nil {
		t.Fatalf("second write without overwrite succeeded")
	}

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != 1 || cfg.Node.Name != "node-1" {
		t.Fatalf("node section = %+v", cfg.Node)
	}
	if cfg.Heartbeat.SuspectAfter != 3 || cfg.Heartbeat.DeadAfter != 8 {
		t.Fatalf("heartbeat section = %+v", cfg.Heartbeat)
	}
	if len(cfg.Tasks) != 2 || cfg.Tasks[1].Requires[0] != "v2g" {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[node]\nid = 12\n")

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Name != "node-12" {
		t.Fatalf("name = %q, want node-12", cfg.Node.Name)
	}
	if cfg.Topology.Metric != "logical" {
		t.Fatalf("metric = %q", cfg.Topology.Metric)
	}
	if cfg.Transport.Listen != ":7700" || cfg.Admin.Addr != ":9000" {
		t.Fatalf("addr defaults = %q %q", cfg.Transport.Listen, cfg.Admin.Addr)
	}
}

func TestValidateRejections(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"zero id", "[node]\nid = 0\n", "id must be"},
		{"broadcast id", "[node]\nid = 255\n", "id must be"},
		{"bad metric", "[node]\nid = 1\n[topology]\nmetric = \"hilbert\"\n", "unknown topology metric"},
		{"dead before suspect", "[node]\nid = 1\n[heartbeat]\nsuspect_after = 5\ndead_after = 4\n", "dead_after"},
		{"bad channel", "[node]\nid = 1\n[field.pressure]\ntau_us = 1\n", "unknown field channel"},
		{"bad model", "[node]\nid = 1\n[field.load]\nmodel = \"quadratic\"\n", "unknown decay model"},
		{"bad capability", "[node]\nid = 1\ncapabilities = [\"flight\"]\n", "unknown capability"},
		{"short key", "[node]\nid = 1\n[auth]\nkey_hex = \"abcd\"\n", "key_hex"},
		{"bad peer", "[node]\nid = 1\n[transport.peers]\nzero = \"h:1\"\n", "invalid peer id"},
		{"bad auth type", "[node]\nid = 1\n[auth]\nrequire = [\"gossip\"]\n", "unknown auth message type"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		_, err := LoadNodeConfig(path)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want containing %q", tc.name, err, tc.want)
		}
	}
}

func TestNodeConfigConversion(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `[node]
id = 9
name = "charger-9"
position_x = 40
capabilities = ["v2g", "gateway"]

[topology]
metric = "physical"
min_neighbors = 2

[field.thermal]
tau_us = 500000
model = "linear"
`)
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	nc, err := NodeConfig(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if nc.ID != fleet.NodeID(9) || nc.Position.X != 40 {
		t.Fatalf("identity = %d %+v", nc.ID, nc.Position)
	}
	if !fleet.CanPerform(nc.Capabilities, fleet.CapV2G|fleet.CapGateway) {
		t.Fatalf("capabilities = %v", nc.Capabilities)
	}
	if nc.Topology.Metric != topology.MetricPhysical || nc.Topology.MinNeighbors != 2 {
		t.Fatalf("topology = %+v", nc.Topology)
	}
	if nc.Components[field.Thermal].TauMicros != 500_000 ||
		nc.Components[field.Thermal].Model != field.DecayLinear {
		t.Fatalf("thermal channel = %+v", nc.Components[field.Thermal])
	}
	if nc.Components[field.Load].TauMicros != field.DefaultTauMicros {
		t.Fatalf("load channel = %+v", nc.Components[field.Load])
	}
}

func TestAuthenticatorConversion(t *testing.T) {
	testlog.Start(t)

	a, err := Authenticator(AuthSection{})
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if _, ok := a.(auth.Noop); !ok {
		t.Fatalf("empty key should disable authentication, got %T", a)
	}

	key := strings.Repeat("ab", 32)
	a, err = Authenticator(AuthSection{KeyHex: key, Require: []string{"heartbeat", "vote"}})
	if err != nil {
		t.Fatalf("keyed: %v", err)
	}
	if _, ok := a.(*auth.Keyed); !ok {
		t.Fatalf("keyed authenticator type %T", a)
	}

	if _, err := Authenticator(AuthSection{KeyHex: "zz"}); err == nil {
		t.Fatalf("bad hex accepted")
	}
}

func TestUDPConfigConversion(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `[node]
id = 2
[transport]
listen = ":7702"
[transport.peers]
3 = "127.0.0.1:7703"
4 = "127.0.0.1:7704"
`)
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	uc, err := UDPConfig(cfg)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if uc.Self != fleet.NodeID(2) || uc.Listen != ":7702" {
		t.Fatalf("udp = %+v", uc)
	}
	if uc.Peers[fleet.NodeID(3)] != "127.0.0.1:7703" || len(uc.Peers) != 2 {
		t.Fatalf("peers = %+v", uc.Peers)
	}
}
