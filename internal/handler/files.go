package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jutper01/openziti-remote-maintenance/internal/config"
	"github.com/jutper01/openziti-remote-maintenance/internal/dispatch"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
)

// Files serves chunked, checksummed file transfers in both directions.
// Data is streamed chunk-by-chunk between the stream and disk — a file is
// never materialized fully in memory on either side.
type Files struct {
	policy config.Files
}

// NewFiles creates the file transfer handler for the given policy.
func NewFiles(policy config.Files) *Files {
	return &Files{policy: policy}
}

// Handle reads the transfer-open message and runs one upload or download.
func (h *Files) Handle(ctx context.Context, s *dispatch.Session) error {
	codec := protocol.NewCodec(s.Conn)
	idle := h.policy.IdleTimeout()

	s.Conn.SetReadDeadline(time.Now().Add(idle))
	var open protocol.TransferOpen
	if err := codec.Read(&open); err != nil {
		if dispatch.StreamClosed(err) {
			return fmt.Errorf("files: read open: %w", dispatch.ErrTransportClosed)
		}
		return classifyIO("files: read open", err)
	}
	// Bound the open reply too: a peer that stops reading after sending the
	// open must not pin the session slot.
	s.Conn.SetWriteDeadline(time.Now().Add(idle))

	s.SetDetail(fmt.Sprintf("op=%s path=%s", open.Op, open.Path))

	path, err := safeJoin(h.policy.BaseDir, open.Path)
	if err != nil {
		codec.Write(protocol.TransferOpenReply{OK: false, Error: "path_forbidden"})
		return fmt.Errorf("files: path %q: %w", open.Path, dispatch.ErrDenied)
	}

	opts := protocol.TransferOpts{
		ChunkSize: h.policy.ChunkSizeBytes,
		Touch: func() {
			s.Conn.SetReadDeadline(time.Now().Add(idle))
			s.Conn.SetWriteDeadline(time.Now().Add(idle))
		},
	}

	switch open.Op {
	case protocol.OpUpload:
		return h.receive(codec, path, opts, s)
	case protocol.OpDownload:
		return h.send(codec, path, opts, s)
	default:
		codec.Write(protocol.TransferOpenReply{OK: false, Error: fmt.Sprintf("unsupported op %q", open.Op)})
		return fmt.Errorf("files: unsupported op %q", open.Op)
	}
}

// receive accepts an upload into path. The payload lands in a temp file in
// the destination directory and is renamed into place only after the
// whole-file checksum verifies — a failed transfer leaves no partial file.
func (h *Files) receive(codec *protocol.Codec, path string, opts protocol.TransferOpts, s *dispatch.Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		codec.Write(protocol.TransferOpenReply{OK: false, Error: "io_error"})
		return fmt.Errorf("files: create destination dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		codec.Write(protocol.TransferOpenReply{OK: false, Error: "io_error"})
		return fmt.Errorf("files: create temp file: %w", err)
	}
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmp.Name())
		}
	}()

	if err := codec.Write(protocol.TransferOpenReply{OK: true}); err != nil {
		return fmt.Errorf("files: write open reply: %w", err)
	}

	if err := protocol.ReceiveFile(codec, tmp, opts); err != nil {
		// Best-effort verdict for the peer; the temp file is discarded by
		// the deferred cleanup either way. Re-arm the deadlines first — if
		// the receive died on an expired deadline, the write deadline from
		// the same touch has expired with it.
		opts.Touch()
		codec.Write(protocol.TransferResult{OK: false, Error: transferErrCode(err)})
		return classifyTransfer("files: receive", err)
	}
	opts.Touch()

	if err := tmp.Sync(); err != nil {
		codec.Write(protocol.TransferResult{OK: false, Error: "io_error"})
		return fmt.Errorf("files: sync upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		codec.Write(protocol.TransferResult{OK: false, Error: "io_error"})
		return fmt.Errorf("files: close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		codec.Write(protocol.TransferResult{OK: false, Error: "io_error"})
		return fmt.Errorf("files: finalize upload: %w", err)
	}
	committed = true

	log.Printf("[FILES] Upload complete: %s (session %s)", path, s.ID)
	if err := codec.Write(protocol.TransferResult{OK: true}); err != nil {
		return classifyIO("files: write result", err)
	}
	return nil
}

// send streams path to the peer as a download.
func (h *Files) send(codec *protocol.Codec, path string, opts protocol.TransferOpts, s *dispatch.Session) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			codec.Write(protocol.TransferOpenReply{OK: false, Error: "not_found"})
			return fmt.Errorf("files: %s: %w", path, os.ErrNotExist)
		}
		codec.Write(protocol.TransferOpenReply{OK: false, Error: "io_error"})
		return fmt.Errorf("files: open %s: %w", path, err)
	}
	defer f.Close()

	if err := codec.Write(protocol.TransferOpenReply{OK: true}); err != nil {
		return fmt.Errorf("files: write open reply: %w", err)
	}

	if err := protocol.SendFile(codec, f, opts); err != nil {
		return classifyTransfer("files: send", err)
	}

	log.Printf("[FILES] Download complete: %s (session %s)", path, s.ID)
	return nil
}

// safeJoin resolves rel under base and rejects any path escaping it.
func safeJoin(base, rel string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base: %w", err)
	}
	target := filepath.Clean(filepath.Join(absBase, rel))
	if target != absBase && !strings.HasPrefix(target, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return target, nil
}

// classifyTransfer maps transfer-layer errors to session error classes.
func classifyTransfer(op string, err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%s: %w", op, dispatch.ErrTimeout)
	case dispatch.StreamClosed(err):
		return fmt.Errorf("%s: %w", op, dispatch.ErrTransportClosed)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func classifyIO(op string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%s: %w", op, dispatch.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// transferErrCode picks the wire error code for a failed receive.
func transferErrCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return protocol.ErrCodeChecksum
	case isTimeout(err):
		return protocol.ErrCodeTimeout
	default:
		return "transfer_failed"
	}
}
