// Package cmd wires up the CLI flags and runs the tunnel.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"dbtunnel/config"
	"dbtunnel/internal/metrics"
	"dbtunnel/tunnel"
	"dbtunnel/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X dbtunnel/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the tunnel until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	fs := flag.NewFlagSet("dbtunnel", flag.ContinueOnError)

	var configFile string
	fs.StringVar(&configFile, "config", "", "YAML config file")

	// ── bastion ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.BastionSpec, "bastion", "B", "", "Bastion as [user@]host[:port]")
	fs.StringVar(&cfg.User, "user", "", "SSH username (overrides the bastion spec)")

	// ── authentication ───────────────────────────────────────────
	fs.StringVar(&cfg.AuthMethod, "auth", "", "Auth method: password, publickey, or agent")
	fs.BoolVar(&cfg.PromptPassword, "ask-password", false, "Prompt for the SSH password (or key passphrase)")
	fs.StringVar(&cfg.KeyPath, "key", "", "SSH private key file")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", false, "Verify the bastion host key")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", "", "Custom known_hosts path")

	// ── remote endpoint ──────────────────────────────────────────
	var remoteSpec string
	fs.StringVarP(&remoteSpec, "remote", "R", "", "Remote database endpoint as host:port")

	// ── behaviour ────────────────────────────────────────────────
	fs.IntVarP(&cfg.ConnectTimeoutSec, "timeout", "w", cfg.ConnectTimeoutSec,
		"Connect timeout in seconds")
	fs.IntVar(&cfg.KeepAliveSec, "keepalive", 0, "SSH keepalive interval in seconds (0 disables)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── layering: file < env < flags ─────────────────────────────
	// Peek at --config before the real parse so file values sit
	// underneath both env and flags.
	if path := peekConfigFlag(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("dbtunnel %s\n", version)
		return nil
	}

	// ── bastion spec ─────────────────────────────────────────────
	if cfg.BastionSpec != "" {
		user, host, port, err := config.ParseBastionSpec(cfg.BastionSpec)
		if err != nil {
			return fmt.Errorf("bastion: %w", err)
		}
		cfg.BastionHost = host
		cfg.BastionPort = port
		if user != "" && cfg.User == "" {
			cfg.User = user
		}
	}
	if remoteSpec != "" {
		host, port, err := config.ParseHostPort(remoteSpec)
		if err != nil {
			return fmt.Errorf("remote: %w", err)
		}
		cfg.RemoteHost = host
		cfg.RemotePort = port
	}

	// ── credentials ──────────────────────────────────────────────
	if cfg.PromptPassword && !dryRun {
		switch {
		case cfg.ResolveAuth() == config.AuthNamePublicKey && cfg.Passphrase == "":
			pass, err := promptSecret("Key passphrase: ")
			if err != nil {
				return err
			}
			cfg.Passphrase = pass
		case cfg.Password == "":
			pass, err := promptSecret("SSH password: ")
			if err != nil {
				return err
			}
			cfg.Password = pass
		}
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintf(os.Stderr, "configuration OK: %s@%s:%d → %s:%d (auth %s)\n",
			cfg.User, cfg.BastionHost, cfg.BastionPort,
			cfg.RemoteHost, cfg.RemotePort, cfg.ResolveAuth())
		return nil
	}

	return run(ctx, cfg)
}

// run builds the tunnel, connects, prints the assigned port, and
// blocks until the context is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logger := util.NewLogger(cfg.Verbose)
	collector := metrics.New()

	tun := tunnel.New(&tunnel.Config{
		Host:              cfg.BastionHost,
		Port:              cfg.BastionPort,
		User:              cfg.User,
		Auth:              authMethod(cfg.ResolveAuth()),
		Password:          cfg.Password,
		PrivateKeyPath:    cfg.KeyPath,
		Passphrase:        cfg.Passphrase,
		RemoteHost:        cfg.RemoteHost,
		RemotePort:        cfg.RemotePort,
		ConnectTimeout:    time.Duration(cfg.ConnectTimeoutSec) * time.Second,
		KeepAliveInterval: time.Duration(cfg.KeepAliveSec) * time.Second,
		StrictHostKey:     cfg.StrictHostKey,
		KnownHostsPath:    cfg.KnownHostsPath,
	}, logger, collector)

	if err := tun.Connect(ctx); err != nil {
		return err
	}
	defer tun.Disconnect()

	// The one line scripts are expected to parse.
	fmt.Printf("127.0.0.1:%d\n", tun.LocalPort())

	<-ctx.Done()

	if logger.Level() >= util.LogVerbose {
		if out, err := collector.JSON(); err == nil {
			logger.Verbose("session stats:\n%s", out)
		}
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func authMethod(name string) tunnel.AuthMethod {
	switch name {
	case config.AuthNamePublicKey:
		return tunnel.AuthPublicKey
	case config.AuthNameAgent:
		return tunnel.AuthAgent
	default:
		return tunnel.AuthPassword
	}
}

// peekConfigFlag extracts --config from raw args before flag parsing.
func peekConfigFlag(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, "--config=") {
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `dbtunnel – SSH tunnel for database connections v%s

Exposes a database endpoint reachable only through an SSH bastion as a
local loopback port.  Point your database client at the printed
127.0.0.1:<port> address.

Usage:
  dbtunnel -B user@bastion -R dbhost:port [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  dbtunnel -B alice@bastion.example.com -R db.internal:1433 --ask-password
  dbtunnel -B alice@bastion --key ~/.ssh/id_ed25519 -R db.internal:5432
  DBTUNNEL_PASSWORD=secret dbtunnel -B alice@bastion -R db.internal:1433
  dbtunnel --config /etc/dbtunnel.yaml -v
`)
}
