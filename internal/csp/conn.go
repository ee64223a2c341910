package csp

import (
	"time"
)

// acceptedSocket is the sentinel stored in Conn.sock once the connection
// handle has been posted to a listener, so it is posted at most once.
var acceptedSocket = &Socket{}

// Socket is a listening endpoint. New connections are posted to the
// backlog by the router; Accept hands them to the application.
type Socket struct {
	port    uint8
	stack   *Stack
	backlog chan *Conn
}

// Listen binds a socket to a port. PortAny accepts connections for any
// otherwise unbound port.
func (s *Stack) Listen(port uint8) (*Socket, error) {
	if err := s.lockRDP(); err != nil {
		return nil, err
	}
	defer s.unlockRDP()
	if _, busy := s.ports[port]; busy {
		return nil, ErrPortInUse
	}
	sock := &Socket{
		port:    port,
		stack:   s,
		backlog: make(chan *Conn, s.opts.AcceptBacklog),
	}
	s.ports[port] = sock
	return sock, nil
}

// Accept waits for an incoming connection up to the given timeout.
func (sk *Socket) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-sk.backlog:
		return c, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Close unbinds the socket.
func (sk *Socket) Close() error {
	if sk.stack == nil {
		return nil
	}
	if err := sk.stack.lockRDP(); err != nil {
		return err
	}
	defer sk.stack.unlockRDP()
	delete(sk.stack.ports, sk.port)
	return nil
}

// Conn is a CSP connection. For RDP-flagged connections the rdp sub-record
// carries the full reliable-transport state.
type Conn struct {
	stack *Stack
	inUse bool

	// idOut stamps outgoing packets; idIn matches incoming ones.
	idOut ID
	idIn  ID

	// rx is the application-facing receive queue. A nil entry is the
	// reset sentinel waking a blocked reader.
	rx chan *Packet

	// sock is the listener awaiting the accept post, acceptedSocket once
	// posted, or nil for actively opened connections.
	sock *Socket

	rdp rdpState
}

// allocConn finds a free slot in the connection table. Caller holds the
// stack lock.
func (s *Stack) allocConn() (*Conn, error) {
	for _, c := range s.conns {
		if !c.inUse {
			c.inUse = true
			c.rx = make(chan *Packet, s.opts.RxQueueLen)
			c.sock = nil
			s.rdpAllocate(c)
			return c, nil
		}
	}
	return nil, ErrNoConnections
}

// releaseConn returns a connection to the table, flushing any queued
// packets. Caller holds the stack lock.
func (s *Stack) releaseConn(c *Conn) {
	s.rdpFlushAll(c)
	for {
		select {
		case p := <-c.rx:
			if p != nil {
				p.Free()
			}
		default:
			c.inUse = false
			c.sock = nil
			return
		}
	}
}

// findConn matches an incoming packet to a connection. Caller holds the
// stack lock; sharing the lock with teardown is what keeps ingress from
// racing destruction.
func (s *Stack) findConn(id ID) *Conn {
	for _, c := range s.conns {
		if !c.inUse {
			continue
		}
		in := c.idIn
		if in.Source == id.Source && in.Destination == id.Destination &&
			in.SourcePort == id.SourcePort && in.DestPort == id.DestPort {
			return c
		}
	}
	return nil
}

// ephemeralPort picks an unused outgoing source port. Caller holds the
// stack lock.
func (s *Stack) ephemeralPort() uint8 {
	for i := 0; i < 48; i++ {
		port := s.nextEphemeral
		s.nextEphemeral++
		if s.nextEphemeral >= PortAny {
			s.nextEphemeral = 16
		}
		busy := false
		for _, c := range s.conns {
			if c.inUse && c.idOut.SourcePort == port {
				busy = true
				break
			}
		}
		if !busy {
			return port
		}
	}
	return s.nextEphemeral
}

// Connect opens a connection to (dest, dport). When flags carries FlagRDP
// the call blocks until the three-way handshake completes or fails. Each
// of the at most two SYN attempts waits up to timeout, or up to the
// connection-level timeout when timeout is not positive.
func (s *Stack) Connect(prio, dest, dport uint8, flags uint8, timeout time.Duration) (*Conn, error) {
	if dest > MaxAddress {
		return nil, ErrInvalidAddress
	}
	if err := s.lockRDP(); err != nil {
		return nil, err
	}
	c, err := s.allocConn()
	if err != nil {
		s.unlockRDP()
		return nil, err
	}
	sport := s.ephemeralPort()
	c.idOut = ID{
		Priority:    prio,
		Source:      s.opts.Address,
		Destination: dest,
		DestPort:    dport,
		SourcePort:  sport,
		Flags:       flags,
	}
	c.idIn = c.idOut.Reply()
	s.unlockRDP()

	if flags&FlagRDP == 0 {
		return c, nil
	}
	if err := s.rdpConnectActive(c, timeout); err != nil {
		return nil, err
	}
	return c, nil
}

// Send transmits payload on the connection, blocking for TX-window credit
// up to the caller-supplied timeout on RDP connections.
func (c *Conn) Send(payload []byte, timeout time.Duration) error {
	p, err := c.stack.pool.Get(len(payload))
	if err != nil {
		return err
	}
	copy(p.Data, payload)
	return c.SendPacket(p, timeout)
}

// SendPacket transmits a pooled packet, consuming it on success.
func (c *Conn) SendPacket(p *Packet, timeout time.Duration) error {
	p.ID = c.idOut
	if c.idOut.Flags&FlagRDP != 0 {
		if err := c.stack.rdpSend(c, p, timeout); err != nil {
			p.Free()
			return err
		}
		return nil
	}
	return c.stack.sendDirect(p)
}

// Recv returns the next in-order payload packet. The caller owns the
// returned packet and must Free it. A peer reset surfaces as ErrConnReset.
func (c *Conn) Recv(timeout time.Duration) (*Packet, error) {
	select {
	case p := <-c.rx:
		if p == nil {
			return nil, ErrConnReset
		}
		return p, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Close tears the connection down. On an RDP connection the first call
// initiates a graceful close (RST+ACK, CLOSE_WAIT); the linger reaper
// releases resources after the connection timeout.
func (c *Conn) Close() error {
	s := c.stack
	if c.idOut.Flags&FlagRDP != 0 {
		return s.rdpClose(c)
	}
	if err := s.lockRDP(); err != nil {
		return err
	}
	defer s.unlockRDP()
	s.releaseConn(c)
	return nil
}

// postAccept hands the connection to its pending listener exactly once.
// Caller holds the stack lock.
func (c *Conn) postAccept() {
	if c.sock == nil || c.sock == acceptedSocket {
		return
	}
	select {
	case c.sock.backlog <- c:
	default:
		// Backlog full; the post is retried on the next delivery.
		return
	}
	c.sock = acceptedSocket
}

// accepted reports whether userspace holds this connection: either it was
// opened actively or it has been posted to a listener.
func (c *Conn) accepted() bool {
	return c.sock == nil || c.sock == acceptedSocket
}

// deliver queues a payload packet for the application, posting the
// connection handle to its listener on first delivery.
func (c *Conn) deliver(p *Packet) bool {
	select {
	case c.rx <- p:
		c.postAccept()
		return true
	default:
		return false
	}
}
