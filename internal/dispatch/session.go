package dispatch

import (
	"context"
	"net"
	"time"
)

// Session is one accepted stream being handled. It is exclusively owned by
// the handler goroutine processing it — no session is ever shared across
// concurrent handlers, so none of its fields need locking.
type Session struct {
	ID       string
	Service  string
	Peer     string
	OpenedAt time.Time
	Conn     net.Conn

	// detail is free-form context for the audit record, set by the
	// handler (command name, transfer path, tunnel byte counts).
	detail string
}

// SetDetail records free-form context for this session's audit record.
func (s *Session) SetDetail(detail string) {
	s.detail = detail
}

// Detail returns the handler-provided audit context.
func (s *Session) Detail() string {
	return s.detail
}

// Handler processes one session. Handle must return when the session is
// finished or failed; the dispatcher owns closing the stream and writing
// the audit record.
type Handler interface {
	Handle(ctx context.Context, s *Session) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, s *Session) error

func (f HandlerFunc) Handle(ctx context.Context, s *Session) error {
	return f(ctx, s)
}
