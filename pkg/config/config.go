// Package config defines the typed configuration document eastwood loads
// via viper, validates it, and generates a populated template the first
// time a process is started against a missing config file — mirroring
// eastwood.py's main() TOML bootstrap.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Type selects which proxy role(s) a process starts in.
type Type string

const (
	TypeInternal Type = "internal"
	TypeExternal Type = "external"
	TypeBoth     Type = "both"
)

// Global holds the options shared by both proxy roles.
type Global struct {
	Type            Type   `mapstructure:"type"`
	Debug           bool   `mapstructure:"debug"`
	Password        string `mapstructure:"password"`
	Secret          string `mapstructure:"secret"`
	BufferMS        int    `mapstructure:"buffer_ms"`
	ProtocolVersion int    `mapstructure:"protocol_version"`
	IPForwarding    bool   `mapstructure:"ip_forwarding"`
}

// Internal holds the internal proxy's own options.
type Internal struct {
	Bind      string `mapstructure:"bind"`
	Minecraft string `mapstructure:"minecraft"`
}

// External holds the external proxy's own options.
type External struct {
	Bind        string `mapstructure:"bind"`
	Internal    string `mapstructure:"internal"`
	PlayerLimit int    `mapstructure:"player_limit"`
}

// ChunkCaching holds the chunk cache and chunk-cacher module options.
type ChunkCaching struct {
	Enabled   bool   `mapstructure:"enabled"`
	Threshold int    `mapstructure:"threshold"`
	Path      string `mapstructure:"path"`
}

// Config is the full configuration document, bound from TOML via viper.
type Config struct {
	Global       Global       `mapstructure:"global"`
	Internal     Internal     `mapstructure:"internal"`
	External     External     `mapstructure:"external"`
	ChunkCaching ChunkCaching `mapstructure:"chunk_caching"`
}

// Validate checks the invariants the rest of the module assumes hold:
// a recognized role, valid host:port addresses for whichever roles are
// active, a non-negative buffer interval, and threshold >= 1 when chunk
// caching is enabled (the threshold is global, not per-dimension).
func Validate(cfg *Config) error {
	switch cfg.Global.Type {
	case TypeInternal, TypeExternal, TypeBoth:
	default:
		return fmt.Errorf("config: global.type must be one of internal, external, both, got %q", cfg.Global.Type)
	}

	if cfg.Global.BufferMS < 0 {
		return fmt.Errorf("config: global.buffer_ms must be >= 0, got %d", cfg.Global.BufferMS)
	}

	if cfg.Global.Type == TypeInternal || cfg.Global.Type == TypeBoth {
		if err := validateAddr("internal.bind", cfg.Internal.Bind); err != nil {
			return err
		}
		if err := validateAddr("internal.minecraft", cfg.Internal.Minecraft); err != nil {
			return err
		}
	}

	if cfg.Global.Type == TypeExternal || cfg.Global.Type == TypeBoth {
		if err := validateAddr("external.bind", cfg.External.Bind); err != nil {
			return err
		}
		if err := validateAddr("external.internal", cfg.External.Internal); err != nil {
			return err
		}
		if cfg.External.PlayerLimit < 0 {
			return fmt.Errorf("config: external.player_limit must be >= 0, got %d", cfg.External.PlayerLimit)
		}
	}

	if cfg.ChunkCaching.Enabled && cfg.ChunkCaching.Threshold < 1 {
		return fmt.Errorf("config: chunk_caching.threshold must be >= 1, got %d", cfg.ChunkCaching.Threshold)
	}

	return nil
}

func validateAddr(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("config: %s must be set", field)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("config: %s: invalid host:port %q: %w", field, addr, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("config: %s: invalid port in %q: %w", field, addr, err)
	}
	if host == "" {
		return fmt.Errorf("config: %s: missing host in %q", field, addr)
	}
	return nil
}

// BufferDuration converts Global.BufferMS to a time.Duration.
func (g Global) BufferDuration() time.Duration {
	return time.Duration(g.BufferMS) * time.Millisecond
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Template renders a populated TOML config document with freshly-generated
// random password and secret values, matching eastwood.py's main() bootstrap
// (there generated via random.choice over ascii-uppercase+digits; here via
// crypto/rand, strictly stronger and preserving the same "must be edited"
// intent).
func Template() (string, error) {
	password, err := randomSecret(16)
	if err != nil {
		return "", fmt.Errorf("config: generate password: %w", err)
	}
	secret, err := randomSecret(16)
	if err != nil {
		return "", fmt.Errorf("config: generate secret: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Eastwood Configuration File - TOML\n")
	b.WriteString("# Removing type, or an address option of an active role, will cause startup to fail validation.\n\n")
	b.WriteString("title = \"Eastwood Configuration File\"\n\n")
	b.WriteString("[global]\n")
	b.WriteString("debug = true\n")
	b.WriteString("# internal, external, or both\n")
	b.WriteString("type = \"both\"\n")
	fmt.Fprintf(&b, "password = %q\n", password)
	fmt.Fprintf(&b, "secret = %q\n", secret)
	b.WriteString("buffer_ms = 25\n")
	b.WriteString("protocol_version = 763\n")
	b.WriteString("ip_forwarding = false\n\n")
	b.WriteString("[internal]\n")
	b.WriteString("bind = \"127.0.0.1:41429\"\n")
	b.WriteString("minecraft = \"127.0.0.1:25565\"\n\n")
	b.WriteString("[external]\n")
	b.WriteString("bind = \"127.0.0.1:37721\"\n")
	b.WriteString("internal = \"127.0.0.1:41429\"\n")
	b.WriteString("player_limit = 65535\n\n")
	b.WriteString("[chunk_caching]\n")
	b.WriteString("enabled = false\n")
	b.WriteString("threshold = 3\n")
	b.WriteString("path = \":memory:\"\n")
	return b.String(), nil
}
