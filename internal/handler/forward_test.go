package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jutper01/openziti-remote-maintenance/internal/config"
	"github.com/jutper01/openziti-remote-maintenance/internal/dispatch"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
)

// =============================================================================
// Helpers
// =============================================================================

func forwardPolicy() config.Forward {
	return config.Forward{
		Enabled:            true,
		AllowedHosts:       []string{"127.0.0.1"},
		AllowedPorts:       []int{8080},
		DefaultTargetHost:  "127.0.0.1",
		DefaultTargetPort:  8080,
		DialTimeoutSeconds: 5,
		IdleTimeoutSeconds: 10,
	}
}

// startForwardSession runs the handler on one end of a pipe. The returned
// conn is the operator side; reads past the reply line go straight to it.
func startForwardSession(t *testing.T, h *Forward) (net.Conn, *protocol.Codec, chan error) {
	t.Helper()
	server, operator := net.Pipe()
	t.Cleanup(func() { server.Close(); operator.Close() })

	handlerErr := make(chan error, 1)
	go func() {
		handlerErr <- h.Handle(context.Background(), newSession(t, protocol.ServiceForward, server))
	}()

	operator.SetDeadline(time.Now().Add(15 * time.Second))
	return operator, protocol.NewCodec(operator), handlerErr
}

// countingDial replaces the handler's dialer with one that records targets
// and fails, proving whether a connection was ever attempted.
func countingDial(h *Forward) *[]string {
	targets := new([]string)
	h.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		*targets = append(*targets, addr)
		return nil, errors.New("connection refused")
	}
	return targets
}

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

// echoServer accepts one connection and echoes everything back.
func echoServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	hostStr, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return hostStr, p
}

// =============================================================================
// Policy gate
// =============================================================================

func TestForward_RejectedHostNeverDialed(t *testing.T) {
	h := NewForward(forwardPolicy(), 16)
	targets := countingDial(h)

	_, codec, handlerErr := startForwardSession(t, h)
	require.NoError(t, codec.Write(protocol.TunnelOpen{
		TargetHost: strptr("10.0.0.5"),
		TargetPort: intptr(22),
	}))

	var reply protocol.TunnelReply
	require.NoError(t, codec.Read(&reply))
	assert.False(t, reply.OK)
	assert.Equal(t, protocol.ErrCodeDenied, reply.Error)

	assert.Empty(t, *targets)
	require.ErrorIs(t, <-handlerErr, dispatch.ErrDenied)
}

func TestForward_RejectedPortNeverDialed(t *testing.T) {
	h := NewForward(forwardPolicy(), 16)
	targets := countingDial(h)

	_, codec, handlerErr := startForwardSession(t, h)
	require.NoError(t, codec.Write(protocol.TunnelOpen{
		TargetHost: strptr("127.0.0.1"),
		TargetPort: intptr(22),
	}))

	var reply protocol.TunnelReply
	require.NoError(t, codec.Read(&reply))
	assert.False(t, reply.OK)
	assert.Equal(t, protocol.ErrCodeDenied, reply.Error)

	assert.Empty(t, *targets)
	require.ErrorIs(t, <-handlerErr, dispatch.ErrDenied)
}

func TestForward_EmptyOpenUsesDefaultTarget(t *testing.T) {
	h := NewForward(forwardPolicy(), 16)
	targets := countingDial(h)

	_, codec, handlerErr := startForwardSession(t, h)
	require.NoError(t, codec.Write(protocol.TunnelOpen{}))

	var reply protocol.TunnelReply
	require.NoError(t, codec.Read(&reply))
	assert.False(t, reply.OK)
	assert.Equal(t, protocol.ErrCodeUnreachable, reply.Error)

	// The dial was attempted, against the configured default.
	assert.Equal(t, []string{"127.0.0.1:8080"}, *targets)
	require.ErrorIs(t, <-handlerErr, dispatch.ErrUnreachable)
}

func TestForward_UnresponsivePeerCannotPinSession(t *testing.T) {
	policy := forwardPolicy()
	policy.IdleTimeoutSeconds = 1
	h := NewForward(policy, 16)
	targets := countingDial(h)

	// Send a denied open, then never read the reply. The handler must not
	// hold the session slot waiting on the blocked write.
	_, codec, handlerErr := startForwardSession(t, h)
	require.NoError(t, codec.Write(protocol.TunnelOpen{
		TargetHost: strptr("10.0.0.5"),
		TargetPort: intptr(22),
	}))

	select {
	case err := <-handlerErr:
		assert.ErrorIs(t, err, dispatch.ErrDenied)
	case <-time.After(10 * time.Second):
		t.Fatal("handler did not release the session with an unresponsive peer")
	}
	assert.Empty(t, *targets)
}

// =============================================================================
// Capacity
// =============================================================================

func TestForward_CapacityRejectedBeforeDial(t *testing.T) {
	h := NewForward(forwardPolicy(), 1)
	targets := countingDial(h)

	// Occupy the only slot.
	h.tunnelSem <- struct{}{}
	defer func() { <-h.tunnelSem }()

	_, codec, handlerErr := startForwardSession(t, h)
	require.NoError(t, codec.Write(protocol.TunnelOpen{}))

	var reply protocol.TunnelReply
	require.NoError(t, codec.Read(&reply))
	assert.False(t, reply.OK)
	assert.Equal(t, protocol.ErrCodeCapacity, reply.Error)

	assert.Empty(t, *targets)
	require.ErrorIs(t, <-handlerErr, dispatch.ErrCapacity)
}

// =============================================================================
// Relay
// =============================================================================

func TestForward_RelayRoundTrip(t *testing.T) {
	host, port := echoServer(t)

	policy := forwardPolicy()
	policy.AllowedPorts = append(policy.AllowedPorts, port)
	h := NewForward(policy, 16)

	operator, codec, handlerErr := startForwardSession(t, h)
	require.NoError(t, codec.Write(protocol.TunnelOpen{
		TargetHost: strptr(host),
		TargetPort: intptr(port),
	}))

	var reply protocol.TunnelReply
	require.NoError(t, codec.Read(&reply))
	require.True(t, reply.OK, "reply error: %s", reply.Error)

	// Past the reply line the stream is raw bytes both ways.
	msg := []byte("GET / HTTP/1.0\r\n\r\n")
	_, err := operator.Write(msg)
	require.NoError(t, err)

	echoed := make([]byte, len(msg))
	_, err = io.ReadFull(operator, echoed)
	require.NoError(t, err)
	assert.Equal(t, msg, echoed)

	// Operator hangs up; the handler unwinds cleanly.
	operator.Close()
	require.NoError(t, <-handlerErr)
}

func TestForward_IdleTimeoutClosesTunnel(t *testing.T) {
	host, port := echoServer(t)

	policy := forwardPolicy()
	policy.AllowedPorts = append(policy.AllowedPorts, port)
	policy.IdleTimeoutSeconds = 1
	h := NewForward(policy, 16)

	_, codec, handlerErr := startForwardSession(t, h)
	require.NoError(t, codec.Write(protocol.TunnelOpen{
		TargetHost: strptr(host),
		TargetPort: intptr(port),
	}))

	var reply protocol.TunnelReply
	require.NoError(t, codec.Read(&reply))
	require.True(t, reply.OK)

	// No traffic in either direction: the shared idle clock expires.
	start := time.Now()
	require.ErrorIs(t, <-handlerErr, dispatch.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestForward_ShutdownCancelClosesTunnel(t *testing.T) {
	host, port := echoServer(t)

	policy := forwardPolicy()
	policy.AllowedPorts = append(policy.AllowedPorts, port)
	h := NewForward(policy, 16)

	server, operator := net.Pipe()
	t.Cleanup(func() { server.Close(); operator.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	handlerErr := make(chan error, 1)
	go func() {
		handlerErr <- h.Handle(ctx, newSession(t, protocol.ServiceForward, server))
	}()

	operator.SetDeadline(time.Now().Add(15 * time.Second))
	codec := protocol.NewCodec(operator)
	require.NoError(t, codec.Write(protocol.TunnelOpen{
		TargetHost: strptr(host),
		TargetPort: intptr(port),
	}))
	var reply protocol.TunnelReply
	require.NoError(t, codec.Read(&reply))
	require.True(t, reply.OK)

	cancel()
	require.ErrorIs(t, <-handlerErr, dispatch.ErrTransportClosed)
}
