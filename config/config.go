// Package config parses the CLI/env override variable: a single
// environment variable (conventionally named SL_PARAMS) carrying a
// semicolon-separated list of dotted.key=value pairs that override the
// compiled-in defaults for MMU-enabled and per-remote-core carveout
// placement.
//
// Options are taken as a plain struct rather than through a
// flags/config library, with a small hand-rolled parser for this exact
// shape of input (see DESIGN.md).
package config

import (
	"strconv"
	"strings"

	"github.com/ipcdev/ipc/status"
)

// Carveout is one remote core's configured physical memory window.
type Carveout struct {
	// Base is the physical base address. A value of 0 with Size
	// non-zero means "allocate dynamically" (§4.5 step 1's CARVEOUT
	// case with unspecified pa).
	Base uint64
	Size uint64
}

// Config is the resolved set of overrides, defaults already applied
// for anything the environment variable did not mention.
type Config struct {
	MMUEnabled bool
	Carveouts  map[int]Carveout
}

// Default returns the compiled-in configuration used when the
// override variable is unset or empty.
func Default() Config {
	return Config{
		MMUEnabled: false,
		Carveouts:  make(map[int]Carveout),
	}
}

// Parse parses env (the contents of the override variable, not its
// name) into a Config seeded from Default. An empty string returns
// Default with no error, matching "when absent, a compiled-in default
// is used".
//
// Recognized keys:
//
//	mmu.enabled          = true|false
//	carveout.<core>.base = address (decimal or 0x-prefixed hex)
//	carveout.<core>.size = byte count (decimal or 0x-prefixed hex)
func Parse(env string) (Config, error) {
	cfg := Default()
	env = strings.TrimSpace(env)
	if env == "" {
		return cfg, nil
	}

	for _, field := range strings.Split(env, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Config{}, status.New(status.InvalidArgument, "malformed override %q: missing '='", field)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := cfg.apply(key, value); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (cfg *Config) apply(key, value string) error {
	if key == "mmu.enabled" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return status.New(status.InvalidArgument, "mmu.enabled: %v", err)
		}
		cfg.MMUEnabled = enabled
		return nil
	}

	parts := strings.Split(key, ".")
	if len(parts) == 3 && parts[0] == "carveout" {
		coreID, err := strconv.Atoi(parts[1])
		if err != nil {
			return status.New(status.InvalidArgument, "carveout core id %q: %v", parts[1], err)
		}
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return status.New(status.InvalidArgument, "%s: %v", key, err)
		}
		c := cfg.Carveouts[coreID]
		switch parts[2] {
		case "base":
			c.Base = n
		case "size":
			c.Size = n
		default:
			return status.New(status.InvalidArgument, "unrecognized override key %q", key)
		}
		cfg.Carveouts[coreID] = c
		return nil
	}

	return status.New(status.InvalidArgument, "unrecognized override key %q", key)
}
