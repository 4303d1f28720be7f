// Package errors provides domain-specific error types for dbtunnel.
//
// Every failure that crosses the tunnel's public API is a *TunnelError
// carrying a coarse Code (what broke) plus the underlying error (why).
// Consumers surface these messages verbatim to end users, so they are
// written for people, not for grep.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("tunnel is not connected")
	ErrAlreadyConnected = errors.New("tunnel is already connected")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
)

// ── Tunnel error taxonomy ────────────────────────────────────────────

// Code classifies a tunnel failure.
type Code int

const (
	// CodeConnectionFailed covers DNS, TCP, and SSH-handshake level
	// failures reaching the bastion.
	CodeConnectionFailed Code = iota
	// CodeAuthenticationFailed means every configured auth attempt was
	// rejected by the bastion.
	CodeAuthenticationFailed
	// CodeTunnelFailed covers local listener bind/listen failures.
	CodeTunnelFailed
	// CodeSocketError covers local socket-creation failures.
	CodeSocketError
	// CodeTimeout means the connect deadline expired during dial,
	// handshake, or authentication.
	CodeTimeout
	// CodeUnknown is everything else.
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeConnectionFailed:
		return "connection failed"
	case CodeAuthenticationFailed:
		return "authentication failed"
	case CodeTunnelFailed:
		return "tunnel failed"
	case CodeSocketError:
		return "socket error"
	case CodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TunnelError is the failure type returned by Tunnel.Connect.
type TunnelError struct {
	Code Code
	Op   string // "resolve", "dial", "handshake", "auth", "listen", "channel"
	Err  error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Tunnel creates a TunnelError with an explicit code.
func Tunnel(code Code, op string, err error) *TunnelError {
	return &TunnelError{Code: code, Op: op, Err: err}
}

// Tunnelf creates a TunnelError from a formatted message.
func Tunnelf(code Code, op, format string, args ...interface{}) *TunnelError {
	return &TunnelError{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify wraps err in a TunnelError, inferring the code from the
// error's shape.  Used on the dial/handshake path where the SSH
// library folds auth and transport failures into one error value.
func Classify(op string, err error) *TunnelError {
	return &TunnelError{Code: codeFor(err), Op: op, Err: err}
}

// CodeOf extracts the Code from err, or CodeUnknown when err is not a
// TunnelError.
func CodeOf(err error) Code {
	var te *TunnelError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}

// codeFor inspects err and maps it onto the taxonomy.
func codeFor(err error) Code {
	if err == nil {
		return CodeUnknown
	}

	// Deadline expiry anywhere in the connect path is a timeout.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CodeTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return CodeTimeout
	}

	// x/crypto/ssh reports rejected auth only through its message text;
	// there is no exported error type on the client side.
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return CodeAuthenticationFailed
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeConnectionFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeConnectionFailed
	}
	if strings.Contains(msg, "ssh: handshake failed") {
		return CodeConnectionFailed
	}
	return CodeUnknown
}

// ── Config validation ────────────────────────────────────────────────

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }
