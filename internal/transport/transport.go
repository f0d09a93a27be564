// Package transport abstracts the authenticated overlay that delivers
// operator streams to the agent. The overlay owns identity, mutual
// authentication, encryption and routing; this package only exposes the
// two capabilities the agent needs — binding a service name to a stream
// listener, and dialing one (operator side).
package transport

import "net"

// Context is a single long-lived, already-authenticated overlay session.
// Exactly one Context exists per process; it is shared read-only across
// all service bindings and must never be reinitialized per binding — the
// underlying overlay defines that as state corruption.
type Context interface {
	// Listen binds service and returns a listener yielding authenticated
	// streams dialed to it. The binding is released when the listener is
	// closed.
	Listen(service string) (net.Listener, error)

	// Close releases the overlay session and all remaining bindings.
	Close() error
}

// Dialer is the operator-side counterpart: it opens a stream to a named
// service.
type Dialer interface {
	Dial(service string) (net.Conn, error)
}

// PeerIdentity extracts the authenticated identity of the remote end of an
// accepted stream. Overlay connections expose the dialing identity's name;
// plain TCP falls back to the remote address.
func PeerIdentity(conn net.Conn) string {
	type sourced interface {
		SourceIdentifier() string
	}
	if s, ok := conn.(sourced); ok {
		if id := s.SourceIdentifier(); id != "" {
			return id
		}
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
