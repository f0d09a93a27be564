// Package protocol defines the wire messages exchanged over authenticated
// overlay streams and the newline-delimited JSON framing they share.
//
// Every message is one JSON object per line. The framing is inherited from
// the line-oriented dialect the operator tooling already speaks; the only
// hardening on top is a hard per-line byte cap so a malicious peer cannot
// force unbounded buffering.
package protocol

// Service names the dispatcher will bind. Case-sensitive; these are the
// only valid values.
const (
	ServiceExec    = "ops.exec"
	ServiceFiles   = "ops.files"
	ServiceForward = "ops.forward"
)

// KnownService reports whether name is one of the bindable service names.
func KnownService(name string) bool {
	switch name {
	case ServiceExec, ServiceFiles, ServiceForward:
		return true
	}
	return false
}

// ExecRequest asks the agent to run one allowlisted command. Args are an
// opaque argument vector — they are never interpreted by a shell.
type ExecRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// ExecResult is the single response written per ExecRequest. Exactly one
// result is written back, then the session closes.
type ExecResult struct {
	Allowed    bool   `json:"allowed"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// TransferOpen starts a file transfer session. Path is relative to the
// agent's configured base directory.
type TransferOpen struct {
	Op   string `json:"op"` // OpUpload or OpDownload
	Path string `json:"path"`
}

const (
	OpUpload   = "upload"
	OpDownload = "download"
)

// TransferOpenReply accepts or rejects a TransferOpen before any chunk
// flows.
type TransferOpenReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// FileChunk is one bounded unit of a transfer. Seq increases monotonically
// from 0; Checksum is the hex SHA-256 of Payload alone.
type FileChunk struct {
	Seq      int    `json:"seq"`
	IsFinal  bool   `json:"isFinal"`
	Checksum string `json:"checksum"`
	Payload  []byte `json:"payload"`
}

// ChunkAck acknowledges one chunk. The sender must not emit chunk N+1
// before the ack for chunk N arrives — this is the transfer's backpressure.
type ChunkAck struct {
	Seq   int    `json:"seq"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TransferDone closes the chunk stream. WholeFileChecksum is the hex
// SHA-256 of the complete file computed independently by the sender; the
// receiver verifies it against its own running digest.
type TransferDone struct {
	WholeFileChecksum string `json:"wholeFileChecksum"`
}

// TransferResult is the receiver's final verdict on an upload.
type TransferResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TunnelOpen requests a raw TCP relay. Nil fields fall back to the agent's
// configured default target.
type TunnelOpen struct {
	TargetHost *string `json:"targetHost"`
	TargetPort *int    `json:"targetPort"`
}

// TunnelReply accepts or rejects a TunnelOpen. After an accepting reply the
// stream carries raw bytes with no further framing.
type TunnelReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Wire error codes carried in the Error fields above.
const (
	ErrCodeDenied      = "authorization_denied"
	ErrCodeChecksum    = "checksum_mismatch"
	ErrCodeTimeout     = "timeout"
	ErrCodeCapacity    = "capacity_exceeded"
	ErrCodeUnreachable = "target_unreachable"
	ErrCodeSpawn       = "spawn_failure"
)
