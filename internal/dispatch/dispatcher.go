package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jutper01/openziti-remote-maintenance/internal/audit"
	"github.com/jutper01/openziti-remote-maintenance/internal/config"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
	"github.com/jutper01/openziti-remote-maintenance/internal/transport"
)

// State is the dispatcher lifecycle. Transitions are strictly forward:
// Idle → Bound → Accepting → Draining → Unbound.
type State int

const (
	StateIdle State = iota
	StateBound
	StateAccepting
	StateDraining
	StateUnbound
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	case StateUnbound:
		return "unbound"
	default:
		return "unknown"
	}
}

// binding pairs a service name with its handler and, once running, its
// overlay listener.
type binding struct {
	name    string
	handler Handler
	ln      net.Listener
}

// Dispatcher owns one accept loop per bound service. Each accepted stream
// becomes a Session handled in its own goroutine; the dispatcher survives
// any handler failure, records every session's outcome, and on shutdown
// drains in-flight sessions before releasing the bindings.
type Dispatcher struct {
	tc     transport.Context
	sink   audit.Sink
	limits config.Limits

	mu       sync.Mutex
	state    State
	bindings map[string]*binding
	active   map[*Session]struct{}

	wg sync.WaitGroup

	// sessSem is a buffered channel used as a semaphore capping concurrent
	// sessions across all services. A buffered channel of capacity N
	// guarantees at most N holders with no separate counter.
	// nil when MaxSessions is 0 (no limit configured).
	sessSem chan struct{}

	// ready is closed once every listener is bound and accepting.
	ready chan struct{}

	// draining is closed when shutdown begins. Accept loops use it to
	// recognize closure errors from backends that do not return
	// net.ErrClosed after Close (the overlay listener reports its own
	// error value).
	draining chan struct{}
}

// New creates a Dispatcher over the given overlay context. The context is
// shared, read-only; the dispatcher never reinitializes it.
func New(tc transport.Context, sink audit.Sink, limits config.Limits) *Dispatcher {
	d := &Dispatcher{
		tc:       tc,
		sink:     sink,
		limits:   limits,
		state:    StateIdle,
		bindings: make(map[string]*binding),
		active:   make(map[*Session]struct{}),
		ready:    make(chan struct{}),
		draining: make(chan struct{}),
	}
	if limits.MaxSessions > 0 {
		d.sessSem = make(chan struct{}, limits.MaxSessions)
	}
	return d
}

// Bind registers handler for the named service. Must be called before Run;
// unknown service names and duplicate binds are rejected.
func (d *Dispatcher) Bind(name string, handler Handler) error {
	if !protocol.KnownService(name) {
		return fmt.Errorf("dispatch: unknown service name %q", name)
	}
	if handler == nil {
		return fmt.Errorf("dispatch: nil handler for service %q", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle && d.state != StateBound {
		return fmt.Errorf("dispatch: cannot bind in state %s", d.state)
	}
	if _, dup := d.bindings[name]; dup {
		return fmt.Errorf("dispatch: service %q already bound", name)
	}
	d.bindings[name] = &binding{name: name, handler: handler}
	d.state = StateBound
	return nil
}

// Run binds every registered service on the overlay and accepts streams
// until ctx is cancelled. It returns an error only for fatal conditions —
// a service that cannot be bound at startup. On cancellation it stops
// accepting, gives in-flight sessions the configured grace to finish,
// force-closes the rest, and releases all bindings before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateBound {
		d.mu.Unlock()
		return fmt.Errorf("dispatch: cannot run in state %s", d.state)
	}
	if len(d.bindings) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("dispatch: no services bound")
	}

	// Bind every service before accepting on any: a partial agent that
	// silently serves two of three services is worse than a failed start.
	for _, b := range d.bindings {
		ln, err := d.tc.Listen(b.name)
		if err != nil {
			for _, other := range d.bindings {
				if other.ln != nil {
					other.ln.Close()
				}
			}
			d.state = StateUnbound
			d.mu.Unlock()
			return fmt.Errorf("dispatch: bind %q: %w", b.name, err)
		}
		b.ln = ln
		log.Printf("[DISPATCH] Bound service %q", b.name)
	}
	d.state = StateAccepting
	bindings := make([]*binding, 0, len(d.bindings))
	for _, b := range d.bindings {
		bindings = append(bindings, b)
	}
	d.mu.Unlock()

	close(d.ready)

	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	var accepts errgroup.Group
	for _, b := range bindings {
		b := b
		accepts.Go(func() error {
			d.acceptLoop(sessCtx, b)
			return nil
		})
	}

	<-ctx.Done()
	log.Printf("[DISPATCH] Shutdown requested — draining sessions")

	d.mu.Lock()
	d.state = StateDraining
	d.mu.Unlock()
	close(d.draining)
	for _, b := range bindings {
		b.ln.Close()
	}
	accepts.Wait()

	d.drain(cancelSessions)

	d.mu.Lock()
	d.state = StateUnbound
	d.mu.Unlock()
	log.Printf("[DISPATCH] All services unbound")
	return nil
}

// acceptLoop accepts streams for one service until its listener closes.
func (d *Dispatcher) acceptLoop(ctx context.Context, b *binding) {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-d.draining:
				// The listener was closed by shutdown; whatever error the
				// backend reports for that, the loop is done.
				return
			default:
			}
			log.Printf("[DISPATCH] Accept error on %q: %v", b.name, err)
			continue
		}

		if d.sessSem != nil {
			select {
			case d.sessSem <- struct{}{}:
			default:
				log.Printf("[LIMIT] Session rejected on %q from %s: limit reached (%d/%d)",
					b.name, transport.PeerIdentity(conn), len(d.sessSem), cap(d.sessSem))
				d.record(&Session{
					ID:       uuid.NewString(),
					Service:  b.name,
					Peer:     transport.PeerIdentity(conn),
					OpenedAt: time.Now().UTC(),
				}, audit.OutcomeCapacity, 0)
				conn.Close()
				continue
			}
		}

		sess := &Session{
			ID:       uuid.NewString(),
			Service:  b.name,
			Peer:     transport.PeerIdentity(conn),
			OpenedAt: time.Now().UTC(),
			Conn:     conn,
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if d.sessSem != nil {
				defer func() { <-d.sessSem }()
			}
			d.runSession(ctx, b.handler, sess)
		}()
	}
}

// runSession executes the handler for one session, converting any panic
// into a recorded outcome — a failing handler must never take down the
// dispatcher.
func (d *Dispatcher) runSession(ctx context.Context, h Handler, sess *Session) {
	d.mu.Lock()
	d.active[sess] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.active, sess)
		d.mu.Unlock()
		sess.Conn.Close()
	}()

	log.Printf("[DISPATCH] Session %s opened: service=%s peer=%s", sess.ID, sess.Service, sess.Peer)

	var err error
	var panicked bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("handler panic: %v", r)
				sess.SetDetail(fmt.Sprintf("panic: %v", r))
			}
		}()
		err = h.Handle(ctx, sess)
	}()

	outcome := classify(err)
	if panicked {
		outcome = audit.OutcomePanic
	}
	elapsed := time.Since(sess.OpenedAt)
	if err != nil && outcome != audit.OutcomePanic {
		log.Printf("[DISPATCH] Session %s ended: outcome=%s err=%v", sess.ID, outcome, err)
	} else {
		log.Printf("[DISPATCH] Session %s ended: outcome=%s duration=%s", sess.ID, outcome, elapsed.Round(time.Millisecond))
	}

	d.record(sess, outcome, elapsed)
}

// record writes the session's audit entry. Audit failures are logged, not
// propagated — they must not affect the session or its peers.
func (d *Dispatcher) record(sess *Session, outcome string, elapsed time.Duration) {
	rec := audit.Record{
		SessionID:  sess.ID,
		Service:    sess.Service,
		Peer:       sess.Peer,
		StartedAt:  sess.OpenedAt,
		DurationMs: elapsed.Milliseconds(),
		Outcome:    outcome,
		Detail:     sess.Detail(),
	}
	if err := d.sink.Record(rec); err != nil {
		log.Printf("[AUDIT] Failed to record session %s: %v", sess.ID, err)
	}
}

// drain waits up to the configured grace for in-flight sessions, then
// cancels their contexts and force-closes their streams.
func (d *Dispatcher) drain(cancelSessions context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := d.limits.DrainGrace()
	select {
	case <-done:
		log.Printf("[DISPATCH] All sessions finished within grace period")
		return
	case <-time.After(grace):
	}

	d.mu.Lock()
	remaining := len(d.active)
	for sess := range d.active {
		sess.Conn.Close()
	}
	d.mu.Unlock()
	cancelSessions()
	log.Printf("[DISPATCH] Grace period (%s) expired — force-closed %d sessions", grace, remaining)

	<-done
}

// classify maps a handler error to an audit outcome.
func classify(err error) string {
	switch {
	case err == nil:
		return audit.OutcomeOK
	case errors.Is(err, ErrDenied):
		return audit.OutcomeDenied
	case errors.Is(err, ErrTimeout):
		return audit.OutcomeTimeout
	case errors.Is(err, ErrCapacity):
		return audit.OutcomeCapacity
	default:
		return audit.OutcomeError
	}
}

// ActiveSessions returns the current number of in-flight sessions.
func (d *Dispatcher) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// State returns the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Ready returns a channel closed once every listener is bound and
// accepting. Use it in tests to avoid polling:
//
//	<-disp.Ready()  // blocks until Run() has bound all services
func (d *Dispatcher) Ready() <-chan struct{} {
	return d.ready
}

// StreamClosed reports whether err looks like the peer or the shutdown
// path closed the stream mid-session. Handlers use it to map raw I/O
// errors onto ErrTransportClosed.
func StreamClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
