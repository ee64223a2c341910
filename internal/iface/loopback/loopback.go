// Package loopback provides the in-process link interface: packets sent
// out come straight back in through the router. It is the primary test
// substrate and serves node-local traffic.
package loopback

import (
	"github.com/rcarmo/go-csp/internal/csp"
)

// Loopback injects every outbound packet back into its own stack.
type Loopback struct {
	stack *csp.Stack
}

// New attaches a loopback interface to the stack.
func New(stack *csp.Stack) *Loopback {
	return &Loopback{stack: stack}
}

func (l *Loopback) Name() string { return "LOOP" }

func (l *Loopback) MTU() int { return 256 }

// Send consumes the packet by re-injecting it. Injection is lossy on
// overrun, matching the unreliable datagram contract.
func (l *Loopback) Send(p *csp.Packet) error {
	l.stack.Inject(p)
	return nil
}
