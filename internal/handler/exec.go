// Package handler implements the three operational services the agent
// exposes: one-shot command execution, chunked file transfer, and raw TCP
// forwarding. Each handler processes exactly one session per invocation
// and shares only the read-only policy configuration.
package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/jutper01/openziti-remote-maintenance/internal/config"
	"github.com/jutper01/openziti-remote-maintenance/internal/dispatch"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
)

const (
	// maxArgBytes caps one argument value. Longer arguments are denied,
	// never truncated.
	maxArgBytes = 4096

	truncationMarker = "\n...[truncated]"
)

// Exec runs allowlisted commands. One ExecRequest per session, one
// ExecResult back, then the session closes — exec is never a persistent
// shell.
type Exec struct {
	policy config.Exec

	// spawn runs the validated argument vector and is replaced in tests to
	// count spawn attempts. The production implementation is runCommand.
	spawn func(ctx context.Context, command string, args []string, maxOutput int) spawnResult
}

type spawnResult struct {
	exitCode int
	stdout   string
	stderr   string
	err      error
	timedOut bool
}

// NewExec creates the exec handler for the given policy.
func NewExec(policy config.Exec) *Exec {
	return &Exec{policy: policy, spawn: runCommand}
}

// Handle reads one ExecRequest, enforces the allowlist, runs the command
// under the configured wall-clock timeout, and writes exactly one
// ExecResult.
func (h *Exec) Handle(ctx context.Context, s *dispatch.Session) error {
	codec := protocol.NewCodec(s.Conn)

	s.Conn.SetReadDeadline(time.Now().Add(h.policy.Timeout()))
	var req protocol.ExecRequest
	if err := codec.Read(&req); err != nil {
		if dispatch.StreamClosed(err) {
			return fmt.Errorf("exec: read request: %w", dispatch.ErrTransportClosed)
		}
		return fmt.Errorf("exec: read request: %w", err)
	}
	s.Conn.SetReadDeadline(time.Time{})

	s.SetDetail(fmt.Sprintf("command=%s argc=%d", req.Command, len(req.Args)))

	// Validation happens entirely before any process is spawned. A denied
	// command produces a structured negative result and nothing else.
	if reason := h.validate(req); reason != "" {
		log.Printf("[EXEC] Denied %q for %s: %s", req.Command, s.Peer, reason)
		s.Conn.SetWriteDeadline(time.Now().Add(h.policy.Timeout()))
		if err := codec.Write(protocol.ExecResult{
			Allowed: false,
			Error:   protocol.ErrCodeDenied + ": " + reason,
		}); err != nil {
			return classifyIO("exec: write denial", err)
		}
		return fmt.Errorf("exec: %q: %w", req.Command, dispatch.ErrDenied)
	}

	log.Printf("[EXEC] Running %q (%d args) for %s", req.Command, len(req.Args), s.Peer)

	runCtx, cancel := context.WithTimeout(ctx, h.policy.Timeout())
	defer cancel()

	start := time.Now()
	res := h.spawn(runCtx, req.Command, req.Args, h.policy.MaxOutputBytes)
	durationMs := time.Since(start).Milliseconds()

	result := protocol.ExecResult{
		Allowed:    true,
		ExitCode:   res.exitCode,
		Stdout:     res.stdout,
		Stderr:     res.stderr,
		DurationMs: durationMs,
	}

	var sessionErr error
	switch {
	case res.timedOut:
		result.ExitCode = -1
		result.Error = protocol.ErrCodeTimeout
		sessionErr = fmt.Errorf("exec: %q exceeded %s: %w", req.Command, h.policy.Timeout(), dispatch.ErrTimeout)
	case res.err != nil:
		result.ExitCode = -1
		result.Error = protocol.ErrCodeSpawn + ": " + res.err.Error()
		sessionErr = fmt.Errorf("exec: start %q: %w", req.Command, dispatch.ErrSpawn)
	}

	// A peer that stops reading must not pin the session slot forever.
	s.Conn.SetWriteDeadline(time.Now().Add(h.policy.Timeout()))
	if err := codec.Write(result); err != nil {
		return classifyIO("exec: write result", err)
	}
	return sessionErr
}

// validate applies the allowlist and argument hygiene. It returns a denial
// reason, or "" when the request may run.
func (h *Exec) validate(req protocol.ExecRequest) string {
	if req.Command == "" {
		return "empty command"
	}
	// Only bare command names — a path would sidestep the allowlist by
	// naming an arbitrary binary.
	if strings.ContainsAny(req.Command, "/\\") {
		return "command must be a bare name"
	}
	if !h.policy.CommandAllowed(req.Command) {
		return fmt.Sprintf("command %q not permitted", req.Command)
	}
	for i, a := range req.Args {
		if strings.ContainsRune(a, 0) {
			return fmt.Sprintf("argument %d contains NUL", i)
		}
		if len(a) > maxArgBytes {
			return fmt.Sprintf("argument %d exceeds %d bytes", i, maxArgBytes)
		}
	}
	return ""
}

// runCommand spawns the argument vector directly — no shell is ever
// involved, so metacharacters in arguments are inert data. Output capture
// is bounded on both streams.
func runCommand(ctx context.Context, command string, args []string, maxOutput int) spawnResult {
	cmd := exec.CommandContext(ctx, command, args...)

	stdout := newBoundedBuffer(maxOutput)
	stderr := newBoundedBuffer(maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	res := spawnResult{
		stdout: stdout.String(),
		stderr: stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.timedOut = true
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.exitCode = 0
	case errors.As(err, &exitErr):
		res.exitCode = exitErr.ExitCode()
	default:
		// The process never started (not found, permission, ...).
		res.err = err
		res.exitCode = -1
	}
	return res
}

// boundedBuffer captures at most max bytes; excess is dropped and the
// contents are marked truncated. It never grows past its cap, so a
// chatty command cannot exhaust memory.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.truncated = true
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}
