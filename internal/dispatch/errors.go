package dispatch

import "errors"

// Session error taxonomy. Handlers return these (wrapped) so the dispatcher
// can classify the audit outcome. Every one of them is session-local — it
// ends the one session and never affects the dispatcher or other sessions.
var (
	// ErrDenied means a command or forward target was not in the
	// allowlist. Returned to the caller as a structured negative result,
	// never as a crash.
	ErrDenied = errors.New("authorization denied")

	// ErrTimeout means the session exceeded its idle or wall-clock bound.
	ErrTimeout = errors.New("session timeout")

	// ErrCapacity means a concurrency cap was hit; the request was
	// rejected immediately rather than queued.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrTransportClosed means the underlying stream died. The handler
	// does not retry; retry, if any, is the dialing side's business.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnreachable means a local resource (forward target) could not be
	// reached.
	ErrUnreachable = errors.New("target unreachable")

	// ErrSpawn means a permitted command failed to start.
	ErrSpawn = errors.New("process spawn failure")
)
