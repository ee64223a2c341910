package csp

import (
	rdpwire "github.com/rcarmo/go-csp/internal/protocol/rdp"
)

// rdpNewPacket is the ingress dispatcher: it consumes one inbound packet
// and advances the connection state machine. Caller holds the token.
func (s *Stack) rdpNewPacket(c *Conn, p *Packet) {
	hdr, rest, err := rdpwire.Strip(p.Data)
	if err != nil {
		rdpLog.Debug("malformed packet on %s: %v", c.idIn.String(), err)
		p.Free()
		return
	}
	p.Data = rest

	// A closed connection becomes a lazy listener on first contact.
	if c.rdp.state == RDPClosed {
		c.rdp.state = RDPListen
		c.rdp.sndIss = issPassive
		c.rdp.sndNxt = c.rdp.sndIss + 1
		c.rdp.sndUna = c.rdp.sndIss
		c.rdp.openTimestamp = s.now()
	}

	rdpLog.Debug("%s seq %d ack %d flags %s state %s",
		c.idIn.String(), hdr.SeqNr, hdr.AckNr, rdpwire.FlagsString(hdr.Flags), c.rdp.state)

	if hdr.IsRST() {
		s.ingressRST(c, p, hdr)
		return
	}

	switch c.rdp.state {
	case RDPListen:
		s.ingressListen(c, p, hdr)
	case RDPSynSent:
		s.ingressSynSent(c, p, hdr)
	case RDPSynRcvd, RDPOpen:
		s.ingressOpen(c, p, hdr)
	case RDPCloseWait:
		s.ingressCloseWait(c, p, hdr)
	default:
		p.Free()
	}
}

func (s *Stack) ingressRST(c *Conn, p *Packet, hdr rdpwire.Header) {
	if hdr.IsACK() {
		c.rdp.sndUna = hdr.AckNr + 1
		s.pruneTxAcked(c)
	}
	if c.rdp.state == RDPCloseWait {
		p.Free()
		c.rdp.state = RDPClosed
		s.releaseConn(c)
		return
	}
	if hdr.SeqNr == c.rdp.rcvCur+1 {
		s.closeWait(c, true)
	}
	// An out-of-sequence RST is ignored; the connection stays up.
	p.Free()
}

func (s *Stack) ingressListen(c *Conn, p *Packet, hdr rdpwire.Header) {
	defer p.Free()

	if hdr.IsACK() && !hdr.IsSYN() {
		// Stray ack to a listener: refuse and give the slot back.
		if err := s.sendControl(c, rdpwire.FlagRST, c.rdp.sndNxt, 0, nil, nil, false); err != nil {
			rdpLog.Debug("listen rst not sent: %v", err)
		}
		c.rdp.state = RDPClosed
		s.releaseConn(c)
		return
	}
	if !hdr.IsSYN() {
		return
	}

	params, err := rdpwire.ParseSyn(p.Data)
	if err != nil {
		rdpLog.Warn("bad SYN from %s: %v", c.idIn.String(), err)
		if serr := s.sendControl(c, rdpwire.FlagRST, c.rdp.sndNxt, 0, nil, nil, false); serr != nil {
			rdpLog.Debug("listen rst not sent: %v", serr)
		}
		c.rdp.state = RDPClosed
		s.releaseConn(c)
		return
	}

	// Adopt the initiator's parameters verbatim.
	c.rdp.window = params.WindowSize
	c.rdp.connTimeout = int64(params.ConnTimeoutMS)
	c.rdp.packetTimeout = int64(params.PacketTimeoutMS)
	c.rdp.delayedAcks = params.DelayedAcks != 0
	c.rdp.ackTimeout = int64(params.AckTimeoutMS)
	c.rdp.ackDelayCount = params.AckDelayCount

	c.rdp.rcvCur = hdr.SeqNr
	c.rdp.rcvIrs = hdr.SeqNr
	if c.rdp.delayedAcks {
		c.rdp.rcvLsa = hdr.SeqNr
	}
	c.rdp.state = RDPSynRcvd
	c.rdp.openTimestamp = s.now()

	if err := s.sendSynAck(c, true); err != nil {
		rdpLog.Warn("syn-ack not sent: %v", err)
	}
}

// sendSynAck emits SYN+ACK carrying the adopted parameter block.
func (s *Stack) sendSynAck(c *Conn, park bool) error {
	syn := &rdpwire.SynPayload{
		WindowSize:      c.rdp.window,
		ConnTimeoutMS:   uint32(c.rdp.connTimeout),
		PacketTimeoutMS: uint32(c.rdp.packetTimeout),
		AckTimeoutMS:    uint32(c.rdp.ackTimeout),
		AckDelayCount:   c.rdp.ackDelayCount,
	}
	if c.rdp.delayedAcks {
		syn.DelayedAcks = 1
	}
	return s.sendControl(c, rdpwire.FlagSYN|rdpwire.FlagACK, c.rdp.sndIss, c.rdp.rcvCur, syn, nil, park)
}

func (s *Stack) ingressSynSent(c *Conn, p *Packet, hdr rdpwire.Header) {
	defer p.Free()

	switch {
	case hdr.IsSYN() && hdr.IsACK():
		c.rdp.rcvCur = hdr.SeqNr
		c.rdp.rcvIrs = hdr.SeqNr
		c.rdp.sndUna = hdr.AckNr + 1
		s.pruneTxAcked(c)
		c.rdp.state = RDPOpen
		c.rdp.openTimestamp = s.now()
		if c.rdp.delayedAcks {
			// Defer the handshake ack to the delayed-ack pass.
			c.rdp.rcvLsa = hdr.SeqNr - 1
		} else {
			s.sendAck(c)
		}
		c.signalTx()
	case hdr.IsACK():
		// Half-open remnant on the peer: reset it and let the connect
		// path retry.
		if err := s.sendControl(c, rdpwire.FlagRST, c.rdp.sndNxt, 0, nil, nil, false); err != nil {
			rdpLog.Debug("half-open rst not sent: %v", err)
		}
		c.signalTx()
	default:
		c.rdp.state = RDPClosed
		c.signalTx()
	}
}

func (s *Stack) ingressOpen(c *Conn, p *Packet, hdr rdpwire.Header) {
	if hdr.IsSYN() {
		if hdr.SeqNr == c.rdp.rcvIrs && c.rdp.state == RDPSynRcvd {
			// Retransmitted handshake; the ack evidently got lost.
			if err := s.sendSynAck(c, false); err != nil {
				rdpLog.Debug("syn-ack resend failed: %v", err)
			}
			p.Free()
			return
		}
		s.closeWait(c, true)
		p.Free()
		return
	}
	if !hdr.IsACK() {
		s.closeWait(c, true)
		p.Free()
		return
	}

	// Sequence window check. Arithmetic is unwrapped by design.
	seq, cur := int(hdr.SeqNr), int(c.rdp.rcvCur)
	win := int(c.rdp.window)
	if seq <= cur {
		// Duplicate: remind the peer where we are.
		s.sendEack(c)
		p.Free()
		return
	}
	if seq > cur+2*win {
		p.Free()
		return
	}

	// Ack window check.
	ack, nxt, una := int(hdr.AckNr), int(c.rdp.sndNxt), int(c.rdp.sndUna)
	if ack < una-1-2*win || ack >= nxt {
		s.closeWait(c, true)
		p.Free()
		return
	}

	if c.rdp.state == RDPSynRcvd {
		if hdr.AckNr != c.rdp.sndIss {
			s.closeWait(c, true)
			p.Free()
			return
		}
		c.rdp.state = RDPOpen
		c.rdp.openTimestamp = s.now()
	}

	c.rdp.sndUna = hdr.AckNr + 1
	s.pruneTxAcked(c)
	c.signalTx()

	if hdr.IsEAK() {
		s.eackFlush(c, p.Data)
		p.Free()
		return
	}
	if len(p.Data) == 0 {
		p.Free()
		return
	}

	if hdr.SeqNr != c.rdp.rcvCur+1 {
		if !s.rxEnqueue(c, hdr.SeqNr, p) {
			p.Free()
		}
		s.sendEack(c)
		return
	}

	s.deliverInOrder(c, p, hdr.SeqNr)
	s.drainRx(c)
}

func (s *Stack) ingressCloseWait(c *Conn, p *Packet, hdr rdpwire.Header) {
	defer p.Free()
	if hdr.IsACK() {
		ack, nxt, una, win := int(hdr.AckNr), int(c.rdp.sndNxt), int(c.rdp.sndUna), int(c.rdp.window)
		if ack >= una-1-2*win && ack < nxt {
			c.rdp.sndUna = hdr.AckNr + 1
			s.pruneTxAcked(c)
		}
	}
	if err := s.sendControl(c, rdpwire.FlagRST|rdpwire.FlagACK, c.rdp.sndNxt, c.rdp.rcvCur, nil, nil, false); err != nil {
		rdpLog.Debug("close-wait rst not sent: %v", err)
	}
}

// deliverInOrder advances rcv_cur, hands the payload to the application
// queue, and applies the delayed-ack policy.
func (s *Stack) deliverInOrder(c *Conn, p *Packet, seq uint16) {
	c.rdp.rcvCur = seq
	if !c.deliver(p) {
		// Application queue full: local drop; the payload is lost to a
		// slow reader, not to the wire.
		p.Free()
	}
	if !c.rdp.delayedAcks {
		s.sendAck(c)
		return
	}
	if uint32(c.rdp.rcvCur-c.rdp.rcvLsa) > c.rdp.ackDelayCount {
		s.sendAck(c)
	}
}
