package config

// loader.go - configuration loading from YAML files and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags   (handled by cmd/root.go)
//   2. Environment variables   (LoadFromEnv)
//   3. Config file (LoadFile)
//   4. Defaults    (defaults.go)

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays a YAML config file onto cfg.  Unknown keys are
// rejected so typos don't silently fall back to defaults.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the DBTUNNEL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  The password travels
// only through the environment or an interactive prompt.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call BEFORE CLI flag parsing
// so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DBTUNNEL_BASTION"); v != "" {
		cfg.BastionSpec = v
	}
	if v := os.Getenv("DBTUNNEL_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("DBTUNNEL_AUTH"); v != "" {
		cfg.AuthMethod = v
	}
	if v := os.Getenv("DBTUNNEL_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DBTUNNEL_KEY"); v != "" {
		cfg.KeyPath = v
	}
	if v := os.Getenv("DBTUNNEL_PASSPHRASE"); v != "" {
		cfg.Passphrase = v
	}
	if v := os.Getenv("DBTUNNEL_REMOTE_HOST"); v != "" {
		cfg.RemoteHost = v
	}
	if v := envInt("DBTUNNEL_REMOTE_PORT"); v > 0 {
		cfg.RemotePort = v
	}
	if v := envInt("DBTUNNEL_TIMEOUT"); v > 0 {
		cfg.ConnectTimeoutSec = v
	}
	if v := envInt("DBTUNNEL_KEEPALIVE"); v > 0 {
		cfg.KeepAliveSec = v
	}
	if envBool("DBTUNNEL_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("DBTUNNEL_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
