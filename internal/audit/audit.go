// Package audit records the outcome of every session the agent handles.
// One record per session, append-only — the log is the authoritative
// answer to "who did what through this agent, and did it succeed".
package audit

import "time"

// Outcome classifies how a session ended.
const (
	OutcomeOK       = "ok"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomePanic    = "panic"
	OutcomeCapacity = "capacity"
)

// Record is one session's audit entry. Never mutated after construction.
type Record struct {
	SessionID  string    `json:"sessionId"`
	Service    string    `json:"service"`
	Peer       string    `json:"peerIdentity"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink consumes audit records. Implementations must be safe for concurrent
// use — every session goroutine records through the same sink.
type Sink interface {
	Record(rec Record) error
	Close() error
}

// Nop discards all records — use when auditing is disabled so callers need
// no nil checks.
type Nop struct{}

func (Nop) Record(Record) error { return nil }
func (Nop) Close() error        { return nil }
