package tests

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jutper01/openziti-remote-maintenance/internal/audit"
	"github.com/jutper01/openziti-remote-maintenance/internal/client"
	"github.com/jutper01/openziti-remote-maintenance/internal/config"
	"github.com/jutper01/openziti-remote-maintenance/internal/dispatch"
	"github.com/jutper01/openziti-remote-maintenance/internal/handler"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
	"github.com/jutper01/openziti-remote-maintenance/internal/transport"
)

// =============================================================================
// Helpers
// =============================================================================

// agentHarness is a fully wired agent running over loopback TCP, plus the
// client to talk to it and the audit log to inspect afterwards.
type agentHarness struct {
	client   *client.Client
	cfg      config.Config
	auditLog string
	stop     func()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{}
	cfg.Exec.Enabled = true
	cfg.Exec.Allowlist = []string{"echo", "ls", "uname"}
	cfg.Exec.TimeoutSeconds = 10
	cfg.Exec.MaxOutputBytes = 100_000
	cfg.Files.Enabled = true
	cfg.Files.BaseDir = t.TempDir()
	cfg.Files.ChunkSizeBytes = 1024
	cfg.Files.IdleTimeoutSeconds = 10
	cfg.Forward.Enabled = true
	cfg.Forward.AllowedHosts = []string{"127.0.0.1"}
	cfg.Forward.AllowedPorts = []int{8080}
	cfg.Forward.DefaultTargetHost = "127.0.0.1"
	cfg.Forward.DefaultTargetPort = 8080
	cfg.Forward.DialTimeoutSeconds = 5
	cfg.Forward.IdleTimeoutSeconds = 10
	cfg.Limits.MaxSessions = 16
	cfg.Limits.MaxTunnels = 16
	cfg.Limits.DrainGraceSeconds = 2
	return cfg
}

// startAgent wires handlers, dispatcher, transport and audit log exactly as
// the agent binary does, over ephemeral loopback ports.
func startAgent(t *testing.T, cfg config.Config) *agentHarness {
	t.Helper()

	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := audit.NewLogger(auditPath)
	require.NoError(t, err)

	tc := transport.NewTCP("127.0.0.1", map[string]int{
		protocol.ServiceExec:    0,
		protocol.ServiceFiles:   0,
		protocol.ServiceForward: 0,
	})

	d := dispatch.New(tc, sink, cfg.Limits)
	require.NoError(t, d.Bind(protocol.ServiceExec, handler.NewExec(cfg.Exec)))
	require.NoError(t, d.Bind(protocol.ServiceFiles, handler.NewFiles(cfg.Files)))
	require.NoError(t, d.Bind(protocol.ServiceForward, handler.NewForward(cfg.Forward, cfg.Limits.MaxTunnels)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("agent exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent never became ready")
	}

	dialer := &transport.TCPDialer{Addrs: map[string]string{
		protocol.ServiceExec:    tc.Addr(protocol.ServiceExec),
		protocol.ServiceFiles:   tc.Addr(protocol.ServiceFiles),
		protocol.ServiceForward: tc.Addr(protocol.ServiceForward),
	}}

	c := client.New(dialer)
	c.ChunkSize = cfg.Files.ChunkSizeBytes

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(15 * time.Second):
				t.Fatal("agent did not shut down")
			}
			sink.Close()
		})
	}
	t.Cleanup(stop)

	return &agentHarness{client: c, cfg: cfg, auditLog: auditPath, stop: stop}
}

// auditOutcomes reads the JSONL audit log and returns service/outcome pairs
// in write order.
func auditOutcomes(t *testing.T, path string) [][2]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out [][2]string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec audit.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, [2]string{rec.Service, rec.Outcome})
	}
	require.NoError(t, sc.Err())
	return out
}

// waitAudit polls until the audit log holds n records. The dispatcher
// records after the client sees the session close, so there is a window.
func waitAudit(t *testing.T, path string, n int) [][2]string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs := auditOutcomes(t, path)
		if len(recs) >= n {
			return recs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit records", n)
	return nil
}

func startEcho(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	hostStr, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return hostStr, p
}

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

// =============================================================================
// Exec
// =============================================================================

func TestE2E_ExecAllowedCommand(t *testing.T) {
	h := startAgent(t, testConfig(t))

	result, err := h.client.Exec("echo", []string{"maintenance", "check"})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "maintenance check\n", result.Stdout)
}

func TestE2E_ExecDeniedCommandIsStructured(t *testing.T) {
	h := startAgent(t, testConfig(t))

	// A denial is a normal response, not a dropped connection.
	result, err := h.client.Exec("cat", []string{"/etc/passwd"})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.NotEmpty(t, result.Error)

	recs := waitAudit(t, h.auditLog, 1)
	assert.Equal(t, [2]string{protocol.ServiceExec, audit.OutcomeDenied}, recs[0])
}

// =============================================================================
// File transfer
// =============================================================================

func TestE2E_FileUploadDownloadRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	h := startAgent(t, cfg)
	work := t.TempDir()

	// 2500 bytes over a 1 KiB chunk: two full chunks and a 452-byte tail.
	payload := make([]byte, 2500)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	local := filepath.Join(work, "firmware.bin")
	require.NoError(t, os.WriteFile(local, payload, 0o644))

	require.NoError(t, h.client.Upload(local, "staging/firmware.bin"))

	stored, err := os.ReadFile(filepath.Join(cfg.Files.BaseDir, "staging/firmware.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	fetched := filepath.Join(work, "firmware.copy")
	require.NoError(t, h.client.Download("staging/firmware.bin", fetched))
	got, err := os.ReadFile(fetched)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestE2E_FilePathEscapeRejected(t *testing.T) {
	h := startAgent(t, testConfig(t))
	local := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	err := h.client.Upload(local, "../../outside.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path_forbidden")

	recs := waitAudit(t, h.auditLog, 1)
	assert.Equal(t, [2]string{protocol.ServiceFiles, audit.OutcomeDenied}, recs[0])
}

func TestE2E_DownloadMissingFile(t *testing.T) {
	h := startAgent(t, testConfig(t))

	err := h.client.Download("does/not/exist", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

// =============================================================================
// Forward
// =============================================================================

func TestE2E_ForwardRelayToAllowedTarget(t *testing.T) {
	host, port := startEcho(t)
	cfg := testConfig(t)
	cfg.Forward.AllowedPorts = append(cfg.Forward.AllowedPorts, port)
	h := startAgent(t, cfg)

	conn, err := h.client.OpenTunnel(strptr(host), intptr(port))
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	msg := []byte("RFB 003.008\n")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	echoed := make([]byte, len(msg))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, msg, echoed)
}

func TestE2E_ForwardDeniedTargetRejected(t *testing.T) {
	h := startAgent(t, testConfig(t))

	_, err := h.client.OpenTunnel(strptr("10.0.0.5"), intptr(22))
	require.ErrorIs(t, err, client.ErrTunnelRejected)

	recs := waitAudit(t, h.auditLog, 1)
	assert.Equal(t, [2]string{protocol.ServiceForward, audit.OutcomeDenied}, recs[0])
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestE2E_AuditTrailCoversEverySession(t *testing.T) {
	h := startAgent(t, testConfig(t))

	_, err := h.client.Exec("echo", []string{"one"})
	require.NoError(t, err)
	_, err = h.client.Exec("reboot", nil)
	require.NoError(t, err)
	_, err = h.client.OpenTunnel(strptr("192.168.0.1"), intptr(23))
	require.ErrorIs(t, err, client.ErrTunnelRejected)

	// Records land when each handler returns, which can trail the client's
	// view of the session — compare as a set.
	recs := waitAudit(t, h.auditLog, 3)
	assert.ElementsMatch(t, [][2]string{
		{protocol.ServiceExec, audit.OutcomeOK},
		{protocol.ServiceExec, audit.OutcomeDenied},
		{protocol.ServiceForward, audit.OutcomeDenied},
	}, recs)
}

func TestE2E_ShutdownReleasesBindings(t *testing.T) {
	h := startAgent(t, testConfig(t))

	result, err := h.client.Exec("echo", []string{"pre-shutdown"})
	require.NoError(t, err)
	require.True(t, result.Allowed)

	h.stop()

	// All listeners are gone; new sessions fail at dial.
	_, err = h.client.Exec("echo", []string{"post-shutdown"})
	assert.Error(t, err)
}
