package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// TCPContext is the development and test backend: each service maps to a
// plain TCP listen port. It provides no authentication — never expose it
// beyond loopback.
type TCPContext struct {
	host  string
	ports map[string]int

	mu    sync.Mutex
	addrs map[string]string // service -> bound address, filled on Listen
}

var _ Context = (*TCPContext)(nil)

// NewTCP creates a TCP backend binding each service to host:ports[service].
// A port of 0 binds an ephemeral port; Addr reports the actual address.
func NewTCP(host string, ports map[string]int) *TCPContext {
	p := make(map[string]int, len(ports))
	for svc, port := range ports {
		p[svc] = port
	}
	return &TCPContext{
		host:  host,
		ports: p,
		addrs: make(map[string]string),
	}
}

func (t *TCPContext) Listen(service string) (net.Listener, error) {
	port, ok := t.ports[service]
	if !ok {
		return nil, fmt.Errorf("transport: no tcp port configured for service %q", service)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(t.host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("transport: bind service %q: %w", service, err)
	}
	t.mu.Lock()
	t.addrs[service] = ln.Addr().String()
	t.mu.Unlock()
	return ln, nil
}

// Addr returns the bound address for service, or "" before Listen.
func (t *TCPContext) Addr(service string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addrs[service]
}

// Close is a no-op: TCP listeners are owned and closed by the dispatcher.
func (t *TCPContext) Close() error { return nil }

// TCPDialer dials services by their bound TCP addresses. The operator-side
// counterpart of TCPContext.
type TCPDialer struct {
	// Addrs maps service name to host:port.
	Addrs map[string]string
}

var _ Dialer = (*TCPDialer)(nil)

func (d *TCPDialer) Dial(service string) (net.Conn, error) {
	addr, ok := d.Addrs[service]
	if !ok {
		return nil, fmt.Errorf("transport: no tcp address configured for service %q", service)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial service %q at %s: %w", service, addr, err)
	}
	return conn, nil
}
