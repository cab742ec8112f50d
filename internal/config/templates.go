package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter configuration of the given kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// WriteTemplate writes a starter configuration to path.
func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `[node]
id = 1
name = "node-1"
position_x = 0
position_y = 0
position_z = 0
capabilities = ["thermal_ok"]
tick_period_us = 1000
power_budget_mw = 10000

[topology]
k = 7
metric = "logical"
discovery_period_us = 1000000
min_neighbors = 3

[heartbeat]
period_us = 10000
suspect_after = 3
dead_after = 8

[consensus]
vote_timeout_us = 50000
inhibit_duration_us = 100000
no_self_vote = false

[field.load]
tau_us = 100000
model = "exp"

[field.thermal]
tau_us = 500000
model = "exp"

[auth]
# 32-byte key, hex encoded; empty disables authentication.
key_hex = ""
require = ["proposal", "vote"]

[transport]
listen = ":7700"

[transport.peers]
2 = "127.0.0.1:7702"
3 = "127.0.0.1:7703"

[admin]
addr = ":9000"
cors_origins = ["http://localhost:3000"]

[[tasks]]
name = "balance"
priority = 1
period_us = 100000

[[tasks]]
name = "v2g-export"
priority = 3
period_us = 1000000
requires = ["v2g"]
`
