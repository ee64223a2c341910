package csp

import (
	"encoding/binary"
	"sync/atomic"

	rdpwire "github.com/rcarmo/go-csp/internal/protocol/rdp"
)

// pruneTxAcked drops every retransmit entry the peer has acknowledged.
// After this, every parked seq is in [snd_una, snd_nxt). Caller holds the
// token.
func (s *Stack) pruneTxAcked(c *Conn) {
	kept := c.rdp.txQueue[:0]
	for _, e := range c.rdp.txQueue {
		if e.seq < c.rdp.sndUna {
			e.packet.Free()
			continue
		}
		kept = append(kept, e)
	}
	c.rdp.txQueue = kept
}

// rxEnqueue adds an out-of-order packet to the reorder buffer unless it is
// already present or the buffer is at capacity. The buffer is a
// de-duplicated bag keyed by sequence number.
func (s *Stack) rxEnqueue(c *Conn, seq uint16, p *Packet) bool {
	for _, e := range c.rdp.rxQueue {
		if e.seq == seq {
			return false
		}
	}
	if len(c.rdp.rxQueue) >= c.rdp.rxCap() {
		atomic.AddUint64(&s.stats.PacketsDropped, 1)
		return false
	}
	c.rdp.rxQueue = append(c.rdp.rxQueue, rxEntry{seq: seq, packet: p})
	return true
}

// drainRx repeatedly scans the reorder buffer for the next in-order
// sequence, restarting from the top after every delivery. Quadratic over a
// small bounded window; predictability beats an index here.
func (s *Stack) drainRx(c *Conn) {
	for {
		found := false
		for i, e := range c.rdp.rxQueue {
			if e.seq != c.rdp.rcvCur+1 {
				continue
			}
			c.rdp.rxQueue = append(c.rdp.rxQueue[:i], c.rdp.rxQueue[i+1:]...)
			s.deliverInOrder(c, e.packet, e.seq)
			found = true
			break
		}
		if !found {
			return
		}
	}
}

// eackFlush consumes an extended ack: selectively acknowledged packets are
// dropped from the tx queue; packets the peer implicitly reported missing
// (a later seq was listed) are expired so the next maintenance pass
// retransmits them immediately. Caller holds the token.
func (s *Stack) eackFlush(c *Conn, payload []byte) {
	seqs, err := rdpwire.ParseEack(payload)
	if err != nil {
		rdpLog.Debug("bad eack from %s: %v", c.idIn.String(), err)
		return
	}
	now := s.now()
	kept := c.rdp.txQueue[:0]
	for _, e := range c.rdp.txQueue {
		acked := false
		expire := false
		for _, sq := range seqs {
			if sq == e.seq {
				acked = true
				break
			}
			if sq > e.seq {
				expire = true
			}
		}
		if acked {
			e.packet.Free()
			continue
		}
		if expire {
			e.timestamp = now - c.rdp.packetTimeout - 1
		}
		kept = append(kept, e)
	}
	c.rdp.txQueue = kept
}

// rewriteAck refreshes the cumulative ack inside a parked packet's trailer
// before retransmission.
func rewriteAck(p *Packet, ack uint16) {
	n := len(p.Data)
	if n < rdpwire.HeaderSize {
		return
	}
	p.Data[n-rdpwire.HeaderSize] |= rdpwire.FlagACK
	binary.BigEndian.PutUint16(p.Data[n-2:], ack)
}

// rdpCheckTimeouts is the periodic maintenance driver: it reaps stale
// connections, ages the retransmit queue, emits delayed acks and wakes
// blocked producers. Idempotent under repeat invocation.
func (s *Stack) rdpCheckTimeouts(c *Conn) {
	now := s.now()

	// Token-free preflight: reap connections nobody will ever drain.
	st := c.rdp.state
	stale := now-c.rdp.openTimestamp > c.rdp.connTimeout
	if stale && (st == RDPCloseWait || !c.accepted()) {
		if s.lockRDP() != nil {
			return
		}
		if c.inUse && now-c.rdp.openTimestamp > c.rdp.connTimeout &&
			(c.rdp.state == RDPCloseWait || !c.accepted()) {
			rdpLog.Debug("reaping %s in state %s", c.idIn.String(), c.rdp.state)
			c.rdp.state = RDPClosed
			s.releaseConn(c)
			s.unlockRDP()
			return
		}
		s.unlockRDP()
	}

	if s.lockRDP() != nil {
		return
	}
	if !c.inUse {
		s.unlockRDP()
		return
	}

	// Retransmit pass, FIFO order.
	var resend []*Packet
	kept := c.rdp.txQueue[:0]
	for _, e := range c.rdp.txQueue {
		if e.seq < c.rdp.sndUna {
			e.packet.Free()
			continue
		}
		if e.timestamp+c.rdp.packetTimeout < now {
			rewriteAck(e.packet, c.rdp.rcvCur)
			s.markAcked(c)
			e.timestamp = now
			clone, err := s.pool.Clone(e.packet)
			if err != nil {
				rdpLog.Warn("retransmit of seq %d skipped: %v", e.seq, err)
			} else {
				resend = append(resend, clone)
				atomic.AddUint64(&s.stats.Retransmits, 1)
			}
		}
		kept = append(kept, e)
	}
	c.rdp.txQueue = kept

	// Delayed-ack pass.
	if c.rdp.rcvLsa < c.rdp.rcvCur && now-c.rdp.ackTimestamp > c.rdp.ackTimeout {
		s.sendAck(c)
	}

	// Producer wake.
	if c.rdp.state == RDPOpen &&
		len(c.rdp.txQueue) < int(c.rdp.window)-1 &&
		uint32(c.rdp.sndNxt-c.rdp.sndUna) < 2*c.rdp.window {
		c.signalTx()
	}
	s.unlockRDP()

	for _, p := range resend {
		if err := s.sendDirect(p); err != nil {
			rdpLog.Debug("retransmit send failed: %v", err)
		}
	}
}
