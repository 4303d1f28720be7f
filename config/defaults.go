package config

// Default values applied before any file, env, or flag input.
const (
	DefaultBastionPort = 22
	// DefaultRemotePort matches the SQL Server wire port, the most
	// common endpoint behind this tunnel.
	DefaultRemotePort        = 1433
	DefaultConnectTimeoutSec = 30
)

// ApplyDefaults fills zero-valued fields.  Call it first, so later
// layers (file, env, flags) can override.
func (c *Config) ApplyDefaults() {
	if c.BastionPort == 0 {
		c.BastionPort = DefaultBastionPort
	}
	if c.RemotePort == 0 {
		c.RemotePort = DefaultRemotePort
	}
	if c.ConnectTimeoutSec == 0 {
		c.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
}
