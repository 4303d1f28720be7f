package tunnel

// ssh.go - bastion dial, handshake, and authentication.

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "dbtunnel/internal/errors"
	"dbtunnel/util"
)

// dialBastion opens the TCP connection to the bastion, completes the
// SSH handshake, and authenticates.  Every failure comes back as a
// *ncerr.TunnelError; the connect deadline (from cfg.ConnectTimeout or
// the caller's ctx) maps to CodeTimeout.
func dialBastion(ctx context.Context, cfg *Config, logger *util.Logger) (*ssh.Client, error) {
	methods, err := authMethods(cfg)
	if err != nil {
		return nil, ncerr.Tunnel(ncerr.CodeAuthenticationFailed, "auth", err)
	}

	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, ncerr.Tunnel(ncerr.CodeUnknown, "hostkey", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKeys,
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	addr := util.FormatAddr(cfg.Host, cfg.Port)
	logger.Debug("ssh: dialing %s as %s", addr, cfg.User)

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Classify("dial", err)
	}

	// The ssh package has no context support for the handshake, so a
	// stalled peer would block forever.  A connection deadline covers
	// the handshake and auth exchange; expiry classifies as Timeout.
	if dl, ok := ctx.Deadline(); ok {
		tcpConn.SetDeadline(dl) //nolint:errcheck
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
	if err != nil {
		tcpConn.Close()
		return nil, ncerr.Classify("handshake", err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	logger.Debug("ssh: handshake and authentication complete")
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// openChannel opens a direct-tcpip channel to addr over the live
// session.  The bastion performs the TCP connect to addr on our
// behalf.
func (t *Tunnel) openChannel(addr string) (net.Conn, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil, ncerr.ErrNotConnected
	}
	return client.Dial("tcp", addr)
}
