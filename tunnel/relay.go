package tunnel

// relay.go - the accept loop and per-session byte relay.

import (
	"context"
	"errors"
	"net"
	"time"

	"dbtunnel/internal/retry"
	"dbtunnel/util"
)

// serve owns the listener for the tunnel's whole lifetime.  It accepts
// one local client at a time, opens a direct-tcpip channel to the
// remote endpoint, and relays until the session ends.  Because the
// relay runs synchronously inside this loop, a second local client is
// never served concurrently with the first — it waits in the accept
// backlog.
func (t *Tunnel) serve(ctx context.Context) {
	defer t.wg.Done()

	t.logger.Debug("relay: worker started, waiting for clients")

	// Transient accept failures (fd exhaustion, mostly) back off
	// instead of spinning.
	acceptBackoff := &retry.Backoff{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Jitter:       true,
	}

	for t.isRunning() {
		conn, err := t.acceptOne(ctx, acceptBackoff)
		if err != nil {
			break // listener closed by Disconnect
		}
		t.relay(ctx, conn)
	}

	t.logger.Debug("relay: worker exiting")
}

// acceptOne blocks until a client connects.  A closed listener (the
// shutdown path) is permanent; anything else is logged and retried
// with backoff.
func (t *Tunnel) acceptOne(ctx context.Context, b *retry.Backoff) (net.Conn, error) {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return nil, net.ErrClosed
	}

	var conn net.Conn
	err := b.Do(ctx, func(attempt int) error {
		c, err := ln.Accept()
		if err != nil {
			if !t.isRunning() || errors.Is(err, net.ErrClosed) {
				return retry.Permanent(err)
			}
			t.logger.Warn("relay: accept failed (attempt %d): %v", attempt, err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// relay serves a single client session to completion: channel open,
// bidirectional pump, teardown.  Failures here are local to the
// session; the tunnel keeps serving subsequent clients.
func (t *Tunnel) relay(ctx context.Context, conn net.Conn) {
	remote := util.FormatAddr(t.config.RemoteHost, t.config.RemotePort)
	t.logger.Info("relay: client %s connected", conn.RemoteAddr())

	var channel net.Conn
	err := t.breaker.Execute(func() error {
		c, derr := t.openChannel(remote)
		channel = c
		return derr
	})
	if err != nil {
		t.logger.Error("relay: direct-tcpip to %s failed: %v", remote, err)
		t.metrics.ChannelFailure()
		conn.Close()
		return
	}
	t.logger.Debug("relay: channel to %s open", remote)

	// Expose the conn so Disconnect can unblock a mid-relay read, and
	// bail out if shutdown won the race.
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		channel.Close()
		conn.Close()
		return
	}
	t.active = conn
	t.mu.Unlock()

	t.metrics.SessionStarted()
	start := time.Now()

	toRemote, toClient, perr := util.Pump(ctx, conn, channel)

	t.metrics.BytesToRemote(toRemote)
	t.metrics.BytesToClient(toClient)
	t.metrics.SessionEnded()

	t.mu.Lock()
	t.active = nil
	t.mu.Unlock()

	if perr != nil && t.isRunning() {
		t.logger.Error("relay: session error: %v", perr)
		t.metrics.RecordError(perr.Error())
	}
	t.logger.Info("relay: session closed after %v (to-remote=%d to-client=%d)",
		time.Since(start).Truncate(time.Millisecond), toRemote, toClient)
}
