// Package tunnel exposes a database endpoint reachable only through an
// SSH bastion as a local loopback TCP port.
//
// A Tunnel authenticates an SSH session against the bastion, binds a
// listener on 127.0.0.1 with an OS-assigned port, and relays byte
// streams between local clients and the remote endpoint over SSH
// direct-tcpip channels.  Database drivers consume it by substituting
// 127.0.0.1:LocalPort() for the real host in their connection string;
// the payload protocol is opaque to the tunnel.
//
// Client sessions are strictly serialized: one local connection is
// relayed at a time, and a second connection waits in the accept
// backlog until the first session ends.
package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "dbtunnel/internal/errors"
	"dbtunnel/internal/metrics"
	"dbtunnel/internal/retry"
	"dbtunnel/util"
)

// AuthMethod selects how the SSH session authenticates.
type AuthMethod int

const (
	// AuthPassword authenticates with a username/password pair in a
	// single attempt.
	AuthPassword AuthMethod = iota
	// AuthPublicKey authenticates with a private key file, optionally
	// passphrase-protected.
	AuthPublicKey
	// AuthAgent authenticates through a running ssh-agent.
	AuthAgent
)

func (m AuthMethod) String() string {
	switch m {
	case AuthPassword:
		return "password"
	case AuthPublicKey:
		return "publickey"
	case AuthAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Config describes the bastion, the authentication material, and the
// remote endpoint the tunnel forwards to.  It is not mutated after
// Connect.
type Config struct {
	// Bastion endpoint.
	Host string
	Port int // default 22
	User string

	// Authentication.
	Auth           AuthMethod
	Password       string // used iff Auth == AuthPassword
	PrivateKeyPath string // used iff Auth == AuthPublicKey
	Passphrase     string // optional, for encrypted private keys

	// Remote database endpoint, reached through the bastion.
	RemoteHost string
	RemotePort int

	// ConnectTimeout bounds the whole dial + handshake + auth phase.
	// Expiry surfaces as a Timeout tunnel error.  Default 30s.
	ConnectTimeout time.Duration

	// KeepAliveInterval enables periodic keepalive@openssh.com
	// requests on the session.  0 disables.
	KeepAliveInterval time.Duration

	// Host-key verification.  Off by default: the tunnel's consumers
	// historically accepted any bastion key.
	StrictHostKey  bool
	KnownHostsPath string
}

// Tunnel is the long-lived forwarding entity.  Control-plane calls
// (Connect, Disconnect) must be serialized by the caller; the
// accessors are safe from any goroutine.
type Tunnel struct {
	config  *Config
	logger  *util.Logger
	metrics *metrics.Collector
	breaker *retry.CircuitBreaker

	mu        sync.Mutex
	client    *ssh.Client // nil when not connected
	listener  net.Listener
	active    net.Conn // client conn currently being relayed, nil otherwise
	localPort int
	connected bool
	running   bool
	cancel    context.CancelFunc

	wg sync.WaitGroup // relay worker + keepalive
}

// New creates a Tunnel ready to Connect.  The metrics collector is
// optional (nil-safe).
func New(cfg *Config, logger *util.Logger, m *metrics.Collector) *Tunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	t := &Tunnel{config: cfg, logger: logger, metrics: m}
	t.breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
		OnStateChange: func(from, to retry.State) {
			logger.Warn("relay: channel-open circuit %s → %s", from, to)
		},
	})
	return t
}

// Connect establishes the SSH session, binds the local listener, and
// starts the relay worker.  It fails fast and atomically: on any error
// everything already allocated is released before returning, so the
// caller never observes a partially-connected tunnel.
func (t *Tunnel) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return ncerr.ErrAlreadyConnected
	}
	t.mu.Unlock()

	t.logger.Info("tunnel: connecting to %s@%s (auth %s)",
		t.config.User, util.FormatAddr(t.config.Host, t.config.Port), t.config.Auth)

	client, err := dialBastion(ctx, t.config, t.logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		// No connected-but-unusable state: tear the session down too.
		client.Close()
		return ncerr.Tunnel(ncerr.CodeTunnelFailed, "listen", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	// The worker outlives the Connect call, so it gets its own
	// context; ctx only bounds the connect phase.
	wctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.client = client
	t.listener = ln
	t.localPort = port
	t.connected = true
	t.running = true
	t.cancel = cancel

	t.wg.Add(1)
	go t.serve(wctx)
	if t.config.KeepAliveInterval > 0 {
		t.wg.Add(1)
		go t.keepalive(wctx)
	}
	t.mu.Unlock()

	t.logger.Info("tunnel: established 127.0.0.1:%d → %s", port,
		util.FormatAddr(t.config.RemoteHost, t.config.RemotePort))
	return nil
}

// Disconnect tears the tunnel down unconditionally.  It is idempotent
// and safe to call on a never-connected Tunnel.
//
// Teardown order is an invariant, not a style choice: stop the worker
// (close listener and active client conn to unblock it), join it, and
// only then close the SSH session.  Closing the session first would
// leave the worker relaying over a dead transport.
func (t *Tunnel) Disconnect() {
	t.mu.Lock()
	if !t.running && t.client == nil {
		t.mu.Unlock()
		return
	}
	t.running = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.listener != nil {
		t.listener.Close() // unblocks Accept
	}
	if t.active != nil {
		t.active.Close() // unblocks a mid-relay read
	}
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	t.listener = nil
	t.active = nil
	t.localPort = 0
	t.connected = false
	t.mu.Unlock()

	t.logger.Info("tunnel: disconnected")
}

// IsConnected reports whether the tunnel is up.
func (t *Tunnel) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// LocalPort returns the loopback port local clients should dial, or 0
// when the tunnel is not connected.  The value is stable for the whole
// time IsConnected() reports true.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return 0
	}
	return t.localPort
}

// Metrics returns the tunnel's collector (possibly nil).
func (t *Tunnel) Metrics() *metrics.Collector { return t.metrics }

func (t *Tunnel) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
