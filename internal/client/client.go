// Package client drives the dial side of the three agent services. It is
// the programmatic counterpart of the agent's handlers, used by the opsctl
// tool and the end-to-end tests.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
	"github.com/jutper01/openziti-remote-maintenance/internal/transport"
)

// Client dials agent services over any overlay backend.
type Client struct {
	dialer transport.Dialer

	// ChunkSize used when sending uploads. Must not exceed the agent's
	// configured chunk size.
	ChunkSize int

	// Timeout is the per-step I/O deadline for request/response exchanges.
	Timeout time.Duration
}

// New creates a Client with conservative defaults.
func New(dialer transport.Dialer) *Client {
	return &Client{
		dialer:    dialer,
		ChunkSize: 64 * 1024,
		Timeout:   30 * time.Second,
	}
}

// Exec runs one command on the agent and returns its structured result.
// A denied command is not an error here — inspect result.Allowed.
func (c *Client) Exec(command string, args []string) (protocol.ExecResult, error) {
	var result protocol.ExecResult

	conn, err := c.dialer.Dial(protocol.ServiceExec)
	if err != nil {
		return result, fmt.Errorf("client: %w", err)
	}
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	conn.SetDeadline(time.Now().Add(c.Timeout))

	if err := codec.Write(protocol.ExecRequest{Command: command, Args: args}); err != nil {
		return result, fmt.Errorf("client: send exec request: %w", err)
	}
	if err := codec.Read(&result); err != nil {
		return result, fmt.Errorf("client: read exec result: %w", err)
	}
	return result, nil
}

// Upload streams the local file to remotePath on the agent (relative to
// its base directory).
func (c *Client) Upload(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("client: open %s: %w", localPath, err)
	}
	defer f.Close()

	conn, err := c.dialer.Dial(protocol.ServiceFiles)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	opts := c.transferOpts(conn)

	if err := c.openTransfer(codec, conn, protocol.OpUpload, remotePath); err != nil {
		return err
	}

	if err := protocol.SendFile(codec, f, opts); err != nil {
		return fmt.Errorf("client: upload %s: %w", remotePath, err)
	}

	var result protocol.TransferResult
	conn.SetReadDeadline(time.Now().Add(c.Timeout))
	if err := codec.Read(&result); err != nil {
		return fmt.Errorf("client: read upload result: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("client: upload %s rejected: %s", remotePath, result.Error)
	}
	return nil
}

// Download fetches remotePath from the agent into localPath. The file is
// written to a temp path and renamed only after the whole-file checksum
// verifies — a failed download leaves no partial file.
func (c *Client) Download(remotePath, localPath string) error {
	conn, err := c.dialer.Dial(protocol.ServiceFiles)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	opts := c.transferOpts(conn)

	if err := c.openTransfer(codec, conn, protocol.OpDownload, remotePath); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("client: create destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("client: create temp file: %w", err)
	}
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmp.Name())
		}
	}()

	if err := protocol.ReceiveFile(codec, tmp, opts); err != nil {
		return fmt.Errorf("client: download %s: %w", remotePath, err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("client: sync download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("client: close download: %w", err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("client: finalize download: %w", err)
	}
	committed = true
	return nil
}

// ErrTunnelRejected is returned by OpenTunnel when the agent refuses the
// target; the wire error code is wrapped in the message.
var ErrTunnelRejected = errors.New("client: tunnel rejected")

// OpenTunnel opens a raw relay to the given target (nil fields use the
// agent's default). On success the returned connection carries raw bytes;
// the caller owns closing it.
func (c *Client) OpenTunnel(host *string, port *int) (net.Conn, error) {
	conn, err := c.dialer.Dial(protocol.ServiceForward)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	codec := protocol.NewCodec(conn)
	conn.SetDeadline(time.Now().Add(c.Timeout))

	if err := codec.Write(protocol.TunnelOpen{TargetHost: host, TargetPort: port}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send tunnel open: %w", err)
	}

	var reply protocol.TunnelReply
	if err := codec.Read(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: read tunnel reply: %w", err)
	}
	if !reply.OK {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrTunnelRejected, reply.Error)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// openTransfer sends the transfer-open message and checks the reply.
func (c *Client) openTransfer(codec *protocol.Codec, conn net.Conn, op, path string) error {
	conn.SetDeadline(time.Now().Add(c.Timeout))
	if err := codec.Write(protocol.TransferOpen{Op: op, Path: path}); err != nil {
		return fmt.Errorf("client: send transfer open: %w", err)
	}
	var reply protocol.TransferOpenReply
	if err := codec.Read(&reply); err != nil {
		return fmt.Errorf("client: read transfer reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("client: %s %s rejected: %s", op, path, reply.Error)
	}
	return nil
}

func (c *Client) transferOpts(conn net.Conn) protocol.TransferOpts {
	return protocol.TransferOpts{
		ChunkSize: c.ChunkSize,
		Touch: func() {
			conn.SetDeadline(time.Now().Add(c.Timeout))
		},
	}
}
