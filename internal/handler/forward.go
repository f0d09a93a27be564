package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jutper01/openziti-remote-maintenance/internal/config"
	"github.com/jutper01/openziti-remote-maintenance/internal/dispatch"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
)

// relayBufSize is the per-direction copy buffer.
const relayBufSize = 32 * 1024

// Forward relays raw bytes between an authenticated stream and a local TCP
// target. The target is validated against the host and port allowlists
// before any local connection is attempted — a rejected target never
// causes an outbound dial.
type Forward struct {
	policy config.Forward

	// tunnelSem caps concurrent tunnels; a request beyond the cap is
	// rejected immediately with a capacity error, never queued.
	// nil when MaxTunnels is 0 (no limit configured).
	tunnelSem chan struct{}

	// dial opens the local TCP connection and is replaced in tests to
	// count connection attempts.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewForward creates the forward handler for the given policy and tunnel cap.
func NewForward(policy config.Forward, maxTunnels int) *Forward {
	h := &Forward{policy: policy}
	if maxTunnels > 0 {
		h.tunnelSem = make(chan struct{}, maxTunnels)
	}
	h.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: policy.DialTimeout()}
		return d.DialContext(ctx, "tcp", addr)
	}
	return h
}

// Handle reads the tunnel-open message, gates it on policy, dials the
// target and relays until either side closes, errors, or the idle timeout
// elapses with no traffic in either direction.
func (h *Forward) Handle(ctx context.Context, s *dispatch.Session) error {
	codec := protocol.NewCodec(s.Conn)
	idle := h.policy.IdleTimeout()

	s.Conn.SetReadDeadline(time.Now().Add(idle))
	var open protocol.TunnelOpen
	if err := codec.Read(&open); err != nil {
		if dispatch.StreamClosed(err) {
			return fmt.Errorf("forward: read open: %w", dispatch.ErrTransportClosed)
		}
		return classifyIO("forward: read open", err)
	}
	s.Conn.SetReadDeadline(time.Time{})
	// Bound the reply writes below so an unresponsive peer cannot pin the
	// session slot. The relay arms its own per-operation deadlines.
	s.Conn.SetWriteDeadline(time.Now().Add(idle))

	host := h.policy.DefaultTargetHost
	port := h.policy.DefaultTargetPort
	if open.TargetHost != nil {
		host = *open.TargetHost
	}
	if open.TargetPort != nil {
		port = *open.TargetPort
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))
	s.SetDetail("target=" + target)

	// Policy gate strictly precedes the dial.
	if !h.policy.HostAllowed(host) || !h.policy.PortAllowed(port) {
		log.Printf("[FORWARD] Denied tunnel to %s for %s", target, s.Peer)
		codec.Write(protocol.TunnelReply{OK: false, Error: protocol.ErrCodeDenied})
		return fmt.Errorf("forward: target %s: %w", target, dispatch.ErrDenied)
	}

	if h.tunnelSem != nil {
		select {
		case h.tunnelSem <- struct{}{}:
			defer func() { <-h.tunnelSem }()
		default:
			log.Printf("[LIMIT] Tunnel rejected for %s: limit reached (%d/%d)",
				s.Peer, len(h.tunnelSem), cap(h.tunnelSem))
			codec.Write(protocol.TunnelReply{OK: false, Error: protocol.ErrCodeCapacity})
			return fmt.Errorf("forward: %w", dispatch.ErrCapacity)
		}
	}

	conn, err := h.dial(ctx, target)
	if err != nil {
		log.Printf("[FORWARD] Dial %s failed for %s: %v", target, s.Peer, err)
		codec.Write(protocol.TunnelReply{OK: false, Error: protocol.ErrCodeUnreachable})
		return fmt.Errorf("forward: dial %s: %w", target, dispatch.ErrUnreachable)
	}
	defer conn.Close()

	s.Conn.SetWriteDeadline(time.Now().Add(idle))
	if err := codec.Write(protocol.TunnelReply{OK: true}); err != nil {
		return classifyIO("forward: write reply", err)
	}

	log.Printf("[FORWARD] Relaying to %s for %s (session %s)", target, s.Peer, s.ID)

	var bytesIn, bytesOut int64
	relayErr := h.relay(ctx, s.Conn, conn, idle, &bytesIn, &bytesOut)

	s.SetDetail(fmt.Sprintf("target=%s bytes_in=%d bytes_out=%d", target, bytesIn, bytesOut))
	log.Printf("[FORWARD] Tunnel closed: target=%s in=%dB out=%dB (session %s)", target, bytesIn, bytesOut, s.ID)

	if relayErr != nil {
		return fmt.Errorf("forward: relay %s: %w", target, relayErr)
	}
	return nil
}

// relay copies both directions concurrently. Activity in either direction
// resets the shared idle clock; when it expires, or either direction hits
// a hard error, both connections are closed so neither side leaks
// half-open.
func (h *Forward) relay(ctx context.Context, stream, target net.Conn, idle time.Duration, bytesIn, bytesOut *int64) error {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var once sync.Once
	abort := func() {
		once.Do(func() {
			stream.Close()
			target.Close()
		})
	}
	defer abort()

	// Shutdown cancellation closes both sides, which unblocks the copies.
	stop := context.AfterFunc(ctx, abort)
	defer stop()

	g := new(errgroup.Group)
	g.Go(func() error {
		return copyDirection(target, stream, idle, &lastActivity, bytesIn, abort)
	})
	g.Go(func() error {
		return copyDirection(stream, target, idle, &lastActivity, bytesOut, abort)
	})
	err := g.Wait()

	if err != nil && ctx.Err() != nil {
		return dispatch.ErrTransportClosed
	}
	return err
}

// copyDirection pumps src to dst until EOF, a hard error, or idle expiry.
// A read deadline wakes the loop periodically to check the shared idle
// clock, so one quiet direction does not kill a tunnel that is busy the
// other way.
func copyDirection(dst, src net.Conn, idle time.Duration, lastActivity *atomic.Int64, counter *int64, abort func()) error {
	buf := make([]byte, relayBufSize)
	for {
		src.SetReadDeadline(time.Now().Add(idle))
		n, err := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			atomic.AddInt64(counter, int64(n))
			dst.SetWriteDeadline(time.Now().Add(idle))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				abort()
				return fmt.Errorf("write: %w", werr)
			}
		}
		if err == nil {
			continue
		}

		if isTimeout(err) {
			last := time.Unix(0, lastActivity.Load())
			if time.Since(last) < idle {
				continue
			}
			abort()
			return dispatch.ErrTimeout
		}
		if dispatch.StreamClosed(err) {
			// Clean close: propagate EOF by half-closing the write side;
			// the opposite direction keeps draining.
			closeWrite(dst)
			return nil
		}
		abort()
		return fmt.Errorf("read: %w", err)
	}
}

// closeWrite half-closes dst when it supports it, else closes it fully.
func closeWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	c.Close()
}

// isTimeout reports whether err is a network deadline expiry.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
