package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/openziti/sdk-golang/ziti"
)

// zitiLoaded guards the one-context-per-process invariant. Constructing a
// second overlay context from the same identity corrupts the SDK's
// internal state, so a second LoadZiti call is a hard error rather than a
// silent re-init.
var (
	zitiMu     sync.Mutex
	zitiLoaded bool
)

// ZitiContext is the production overlay backend. One instance wraps the
// single SDK context and serves every service binding and dial.
type ZitiContext struct {
	ztx ziti.Context
}

var _ Context = (*ZitiContext)(nil)
var _ Dialer = (*ZitiContext)(nil)

// LoadZiti enrolls the process into the overlay using the identity file.
// Call it exactly once; the result is shared across all bindings.
func LoadZiti(identityPath string) (*ZitiContext, error) {
	zitiMu.Lock()
	defer zitiMu.Unlock()
	if zitiLoaded {
		return nil, fmt.Errorf("transport: ziti context already initialized")
	}

	cfg, err := ziti.NewConfigFromFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load identity %q: %w", identityPath, err)
	}
	ztx, err := ziti.NewContext(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: create overlay context: %w", err)
	}

	zitiLoaded = true
	return &ZitiContext{ztx: ztx}, nil
}

// Listen binds service on the overlay. The returned listener yields
// streams from identities the overlay's policy allows to dial the service.
func (z *ZitiContext) Listen(service string) (net.Listener, error) {
	ln, err := z.ztx.Listen(service)
	if err != nil {
		return nil, fmt.Errorf("transport: bind service %q: %w", service, err)
	}
	return ln, nil
}

// Dial opens a stream to service. Used by the operator-side client.
func (z *ZitiContext) Dial(service string) (net.Conn, error) {
	conn, err := z.ztx.Dial(service)
	if err != nil {
		return nil, fmt.Errorf("transport: dial service %q: %w", service, err)
	}
	return conn, nil
}

// Close tears down the overlay session, releasing any bindings that are
// still held.
func (z *ZitiContext) Close() error {
	z.ztx.Close()
	zitiMu.Lock()
	zitiLoaded = false
	zitiMu.Unlock()
	return nil
}
