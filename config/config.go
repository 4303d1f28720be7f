// Package config defines the runtime configuration for dbtunnel and
// provides helpers for parsing bastion specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"

	ncerr "dbtunnel/internal/errors"
	"dbtunnel/util"
)

// Auth method names accepted in flags, env, and config files.
const (
	AuthNamePassword  = "password"
	AuthNamePublicKey = "publickey"
	AuthNameAgent     = "agent"
)

// Config holds every tuneable for a dbtunnel run.  Values are layered:
// defaults < config file < environment < CLI flags.
type Config struct {
	// ── Bastion ──────────────────────────────────────────────────────
	BastionSpec string `yaml:"-"` // raw [user@]host[:port] from --bastion
	BastionHost string `yaml:"bastion_host"`
	BastionPort int    `yaml:"bastion_port"`
	User        string `yaml:"user"`

	// ── Authentication ───────────────────────────────────────────────
	// AuthMethod is "password", "publickey", or "agent".  Empty means
	// infer: a key path selects publickey, otherwise password.
	AuthMethod     string `yaml:"auth"`
	Password       string `yaml:"-"` // env or interactive prompt only, never persisted
	PromptPassword bool   `yaml:"-"`
	KeyPath        string `yaml:"key"`
	Passphrase     string `yaml:"-"`

	// ── Remote endpoint ──────────────────────────────────────────────
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`

	// ── Behaviour ────────────────────────────────────────────────────
	ConnectTimeoutSec int    `yaml:"connect_timeout"` // seconds, 0 = default
	KeepAliveSec      int    `yaml:"keepalive"`       // seconds, 0 = disabled
	StrictHostKey     bool   `yaml:"strict_hostkey"`
	KnownHostsPath    string `yaml:"known_hosts"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int `yaml:"verbose"`
}

// ResolveAuth returns the effective auth method name, inferring it
// from the other fields when AuthMethod is empty.
func (c *Config) ResolveAuth() string {
	if c.AuthMethod != "" {
		return c.AuthMethod
	}
	if c.KeyPath != "" {
		return AuthNamePublicKey
	}
	return AuthNamePassword
}

// Validate checks the assembled configuration, returning a ConfigError
// with a hint for the first problem found.
func (c *Config) Validate() error {
	if c.BastionHost == "" {
		return &ncerr.ConfigError{
			Field:   "bastion",
			Message: "bastion host is required",
			Hint:    "pass --bastion [user@]host[:port] or set bastion_host in the config file",
		}
	}
	if !util.ValidPort(c.BastionPort) {
		return &ncerr.ConfigError{
			Field:   "bastion-port",
			Value:   c.BastionPort,
			Message: "port must be in 1-65535",
		}
	}
	if c.User == "" {
		return &ncerr.ConfigError{
			Field:   "user",
			Message: "SSH username is required",
			Hint:    "pass --bastion user@host or --user",
		}
	}
	if c.RemoteHost == "" {
		return &ncerr.ConfigError{
			Field:   "remote",
			Message: "remote database endpoint is required",
			Hint:    "pass --remote host:port (the address as seen from the bastion)",
		}
	}
	if !util.ValidPort(c.RemotePort) {
		return &ncerr.ConfigError{
			Field:   "remote-port",
			Value:   c.RemotePort,
			Message: "port must be in 1-65535",
		}
	}

	switch c.ResolveAuth() {
	case AuthNamePassword:
		if c.Password == "" && !c.PromptPassword {
			return &ncerr.ConfigError{
				Field:   "password",
				Message: "password auth selected but no password supplied",
				Hint:    "set DBTUNNEL_PASSWORD or pass --ask-password",
			}
		}
	case AuthNamePublicKey:
		if c.KeyPath == "" {
			return &ncerr.ConfigError{
				Field:   "key",
				Message: "publickey auth selected but no key file given",
				Hint:    "pass --key ~/.ssh/id_ed25519",
			}
		}
	case AuthNameAgent:
		// Agent availability is checked at connect time.
	default:
		return &ncerr.ConfigError{
			Field:   "auth",
			Value:   c.AuthMethod,
			Message: "unknown auth method",
			Hint:    "use password, publickey, or agent",
		}
	}
	return nil
}

// ── Bastion-spec parser ──────────────────────────────────────────────

// bastionRe matches [user@]host[:port].
var bastionRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseBastionSpec extracts user, host, and port from a string such as
// "alice@bastion.example.com:2222".  Port defaults to 22.
func ParseBastionSpec(spec string) (user, host string, port int, err error) {
	m := bastionRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid bastion spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = 22
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || !util.ValidPort(port) {
			return "", "", 0, fmt.Errorf("invalid bastion port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ParseHostPort splits "host:port" for the remote endpoint.
func ParseHostPort(spec string) (host string, port int, err error) {
	m := bastionRe.FindStringSubmatch(spec)
	if m == nil || m[1] != "" || m[3] == "" {
		return "", 0, fmt.Errorf("invalid endpoint %q – expected host:port", spec)
	}
	port, err = strconv.Atoi(m[3])
	if err != nil || !util.ValidPort(port) {
		return "", 0, fmt.Errorf("invalid port %q", m[3])
	}
	return m[2], port, nil
}
