package tunnel

// keepalive.go - periodic session keepalive.

import (
	"context"
	"fmt"
	"time"
)

// keepalive sends keepalive@openssh.com requests at the configured
// interval so long-idle database sessions survive NAT and firewall
// timeouts.  A failed keepalive means the session is gone; it is
// logged and the pinger stops — the next client attempt will surface
// the dead session through a failed channel open.
func (t *Tunnel) keepalive(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			client := t.client
			running := t.running
			t.mu.Unlock()

			if client == nil || !running {
				return
			}
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("ssh: keepalive failed: %v", err)
				t.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
				return
			}
			t.logger.Debug("ssh: keepalive OK")
		}
	}
}
