package csp

import (
	"sync/atomic"
	"time"

	"github.com/rcarmo/go-csp/internal/logging"
)

var routerLog = logging.Sub("router")

// Start launches the router goroutine: interface ingress dispatch plus the
// periodic maintenance tick driving RDP timeouts.
func (s *Stack) Start() {
	go s.route()
}

// Stop terminates the router. Connections are not torn down. Stop closes
// the stack's done channel, so it may be called only once, and a Start
// after Stop does not resume routing.
func (s *Stack) Stop() {
	close(s.done)
}

// Inject hands an inbound packet to the router. Interfaces call this from
// their receive loops; the call never blocks — on overrun the packet is
// dropped, which the reliable layer recovers by retransmission.
func (s *Stack) Inject(p *Packet) {
	select {
	case s.input <- p:
	default:
		atomic.AddUint64(&s.stats.PacketsDropped, 1)
		p.Free()
	}
}

func (s *Stack) route() {
	tick := time.NewTicker(s.opts.TickInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case p := <-s.input:
			s.dispatch(p)
		case <-tick.C:
			s.checkTimeouts()
		}
	}
}

// dispatch routes one inbound packet: forward if it is not ours, otherwise
// hand it to an existing connection, a listener, or drop it.
func (s *Stack) dispatch(p *Packet) {
	atomic.AddUint64(&s.stats.PacketsRouted, 1)

	if p.ID.Destination != s.opts.Address {
		if err := s.sendDirect(p); err != nil {
			atomic.AddUint64(&s.stats.PacketsDropped, 1)
		}
		return
	}

	if err := s.lockRDP(); err != nil {
		p.Free()
		return
	}
	c := s.findConn(p.ID)
	if c == nil {
		c = s.acceptNew(p.ID)
	}
	if c == nil {
		s.unlockRDP()
		atomic.AddUint64(&s.stats.PacketsDropped, 1)
		p.Free()
		return
	}

	if p.ID.Flags&FlagRDP != 0 {
		s.rdpNewPacket(c, p)
		s.unlockRDP()
		return
	}
	// Unreliable connection: deliver directly.
	if !c.deliver(p) {
		atomic.AddUint64(&s.stats.PacketsDropped, 1)
		p.Free()
	}
	s.unlockRDP()
}

// acceptNew allocates a passive connection for a packet addressed to a
// bound port. Caller holds the stack lock.
func (s *Stack) acceptNew(id ID) *Conn {
	sock, ok := s.ports[id.DestPort]
	if !ok {
		sock, ok = s.ports[PortAny]
	}
	if !ok {
		return nil
	}
	c, err := s.allocConn()
	if err != nil {
		routerLog.Warn("inbound connection dropped: %v", err)
		return nil
	}
	c.idIn = id
	c.idOut = id.Reply()
	c.sock = sock
	return c
}

// checkTimeouts runs the RDP maintenance driver over every live reliable
// connection. Idempotent under repeat invocation.
func (s *Stack) checkTimeouts() {
	for _, c := range s.conns {
		if c.inUse && c.idOut.Flags&FlagRDP != 0 {
			s.rdpCheckTimeouts(c)
		}
	}
}

// sendDirect stamps the outgoing interface and transmits. The path is
// independently thread-safe: it may be used with or without the RDP token.
// Ownership of the packet transfers to the interface.
func (s *Stack) sendDirect(p *Packet) error {
	iface := s.routes[p.ID.Destination]
	if iface == nil {
		iface = s.defaultRoute
	}
	if iface == nil {
		p.Free()
		return ErrNoRoute
	}
	return iface.Send(p)
}
