// Package metrics provides lightweight counters for tracking runtime
// statistics of a tunnel.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a tunnel.  Because client
// sessions are strictly serialized, sessionActive is only ever 0 or 1.
type Collector struct {
	sessionActive   atomic.Int64
	sessionsTotal   atomic.Int64
	bytesToRemote   atomic.Int64
	bytesToClient   atomic.Int64
	channelFailures atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// SessionStarted increments both the active and total session counters.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionEnded decrements the active session counter.
func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.sessionActive.Add(-1)
}

// BytesToRemote adds n to the client→remote byte counter.
func (c *Collector) BytesToRemote(n int64) {
	if c == nil {
		return
	}
	c.bytesToRemote.Add(n)
}

// BytesToClient adds n to the remote→client byte counter.
func (c *Collector) BytesToClient(n int64) {
	if c == nil {
		return
	}
	c.bytesToClient.Add(n)
}

// ChannelFailure counts a failed direct-tcpip channel open.
func (c *Collector) ChannelFailure() {
	if c == nil {
		return
	}
	c.channelFailures.Add(1)
	c.errorsTotal.Add(1)
}

// RecordError notes an error for the snapshot.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ActiveSessions returns the number of sessions currently relaying
// (0 or 1).
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	SessionsActive  int64   `json:"sessions_active"`
	SessionsTotal   int64   `json:"sessions_total"`
	BytesToRemote   int64   `json:"bytes_to_remote"`
	BytesToClient   int64   `json:"bytes_to_client"`
	ChannelFailures int64   `json:"channel_failures"`
	ErrorsTotal     int64   `json:"errors_total"`
	LastError       string  `json:"last_error,omitempty"`
}

// Snapshot returns a consistent copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	start := c.startTime
	lastMsg := c.lastErrorMsg
	c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:   time.Since(start).Seconds(),
		SessionsActive:  c.sessionActive.Load(),
		SessionsTotal:   c.sessionsTotal.Load(),
		BytesToRemote:   c.bytesToRemote.Load(),
		BytesToClient:   c.bytesToClient.Load(),
		ChannelFailures: c.channelFailures.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		LastError:       lastMsg,
	}
}

// JSON renders the snapshot for logging or a status endpoint.
func (c *Collector) JSON() ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(), "", "  ")
}
