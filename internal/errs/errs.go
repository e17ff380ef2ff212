// Package errs defines sentinel errors shared across the tunnel server and
// agent, and a small wrapper that attaches tunnel context to them.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrSubdomainNotFound means the requested subdomain has no live tunnel.
	ErrSubdomainNotFound = errors.New("Tunnel not found")

	// ErrTunnelLost means the control channel is gone (closed, reaped, or a
	// send to it failed); pending callers must be failed with 502.
	ErrTunnelLost = errors.New("Tunnel connection lost")

	// ErrRequestTimeout means a request exceeded its deadline without a
	// matching response.
	ErrRequestTimeout = errors.New("Request timeout")

	// ErrProtocolViolation means a frame on a control channel could not be
	// decoded as any known wire message.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrMalformedHost means an upgrade request's Host header is neither
	// the root host nor a well-formed "<label>.<root>" tunnel host.
	ErrMalformedHost = errors.New("malformed tunnel host")

	// ErrBodyTooLarge means an inbound request or local response body
	// exceeded the configured maximum.
	ErrBodyTooLarge = errors.New("Request body too large")

	// ErrLocalUnreachable means the agent's own local service failed its
	// availability probe or a forwarded request, per spec.md §4.3's
	// "local-unreachable" outcome.
	ErrLocalUnreachable = errors.New("local service unreachable")
)

// TunnelError wraps an underlying error with the subdomain and operation
// that produced it.
type TunnelError struct {
	Subdomain string
	Op        string
	Err       error
}

func (e *TunnelError) Error() string {
	if e.Subdomain != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.Subdomain, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
