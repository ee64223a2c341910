package csp

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rcarmo/go-csp/internal/logging"
	rdpwire "github.com/rcarmo/go-csp/internal/protocol/rdp"
)

var rdpLog = logging.Sub("rdp")

// RDP engine errors.
var (
	ErrAlreadyOpen   = errors.New("csp: connection already open")
	ErrConnectFailed = errors.New("csp: rdp connect failed")
	ErrTxQueueFull   = errors.New("csp: rdp tx queue full")
)

// RDPState is the per-connection RDP lifecycle state.
type RDPState int

const (
	RDPClosed RDPState = iota
	RDPListen
	RDPSynSent
	RDPSynRcvd
	RDPOpen
	RDPCloseWait
)

func (s RDPState) String() string {
	switch s {
	case RDPClosed:
		return "CLOSED"
	case RDPListen:
		return "LISTEN"
	case RDPSynSent:
		return "SYN_SENT"
	case RDPSynRcvd:
		return "SYN_RCVD"
	case RDPOpen:
		return "OPEN"
	case RDPCloseWait:
		return "CLOSE_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Initial sequence numbers. Deterministic and non-overlapping so traces
// from the two ends never collide; no attacker model is assumed.
const (
	issActive  uint16 = 1000
	issPassive uint16 = 2000
)

// maxWindow is the absolute floor for the static queue sizing.
const maxWindow = 5

// txEntry parks a full outbound packet copy for retransmission.
type txEntry struct {
	seq       uint16
	timestamp int64
	packet    *Packet
}

// rxEntry holds an out-of-order packet awaiting in-order delivery. The
// packet's RDP trailer is already stripped; seq is kept alongside.
type rxEntry struct {
	seq    uint16
	packet *Packet
}

// rdpState is the per-connection RDP sub-record. Sequence arithmetic is
// not wrap-aware: a connection is bounded to 65535 packets, matching the
// deterministic initial sequence numbers far from the wrap point.
type rdpState struct {
	state RDPState

	sndIss uint16 // initial send sequence
	sndNxt uint16 // next sequence to assign
	sndUna uint16 // smallest unacknowledged

	rcvIrs uint16 // peer's initial sequence
	rcvCur uint16 // highest in-order sequence delivered
	rcvLsa uint16 // last sequence acknowledged to peer

	window        uint32
	connTimeout   int64 // ms
	packetTimeout int64 // ms
	delayedAcks   bool
	ackTimeout    int64 // ms
	ackDelayCount uint32

	ackTimestamp  int64 // last ack emitted, for delayed-ack aging
	openTimestamp int64 // entry into the current lifecycle phase

	txQueue []txEntry
	rxQueue []rxEntry

	// txWait is the binary signalling primitive blocking senders awaiting
	// window credit and the active-connect path.
	txWait chan struct{}
}

func (r *rdpState) txCap() int {
	c := int(r.window)
	if c < maxWindow {
		c = maxWindow
	}
	return c
}

func (r *rdpState) rxCap() int { return 2 * r.txCap() }

// rdpAllocate initializes the RDP sub-record of a freshly allocated
// connection with the stack's current defaults. Caller holds the token.
func (s *Stack) rdpAllocate(c *Conn) {
	c.rdp = rdpState{
		state:  RDPClosed,
		txWait: make(chan struct{}, 1),
	}
	s.applyRDPOptions(c)
}

func (s *Stack) applyRDPOptions(c *Conn) {
	o := s.opts.RDP
	c.rdp.window = o.Window
	c.rdp.connTimeout = int64(o.ConnTimeoutMS)
	c.rdp.packetTimeout = int64(o.PacketTimeoutMS)
	c.rdp.delayedAcks = o.DelayedAcks
	c.rdp.ackTimeout = int64(o.AckTimeoutMS)
	c.rdp.ackDelayCount = o.AckDelayCount
}

// rdpFlushAll frees every packet parked on the connection's queues.
// Caller holds the token.
func (s *Stack) rdpFlushAll(c *Conn) {
	for _, e := range c.rdp.txQueue {
		e.packet.Free()
	}
	c.rdp.txQueue = c.rdp.txQueue[:0]
	for _, e := range c.rdp.rxQueue {
		e.packet.Free()
	}
	c.rdp.rxQueue = c.rdp.rxQueue[:0]
}

// signalTx posts the binary tx_wait semaphore.
func (c *Conn) signalTx() {
	select {
	case c.rdp.txWait <- struct{}{}:
	default:
	}
}

// waitTx drains any stale signal and blocks until the next one or the
// timeout. Called without the token held.
func (c *Conn) waitTx(d time.Duration) bool {
	select {
	case <-c.rdp.txWait:
	default:
	}
	select {
	case <-c.rdp.txWait:
		return true
	case <-time.After(d):
		return false
	}
}

// markAcked records that everything up to rcv_cur has been acknowledged
// to the peer. Called whenever a packet carrying ACK is emitted.
func (s *Stack) markAcked(c *Conn) {
	c.rdp.rcvLsa = c.rdp.rcvCur
	c.rdp.ackTimestamp = s.now()
}

// sendControl emits a control packet (SYN, ACK, EACK, RST combinations).
// When park is set a copy is left on the tx queue for retransmission.
// Caller holds the token; the send-direct path is safe under it.
func (s *Stack) sendControl(c *Conn, flags uint8, seq, ack uint16, syn *rdpwire.SynPayload, eacks []uint16, park bool) error {
	p, err := s.pool.Get(0)
	if err != nil {
		return err
	}
	if syn != nil {
		p.Data = syn.AppendSyn(p.Data)
	}
	if len(eacks) > 0 {
		p.Data = rdpwire.AppendEack(p.Data, eacks)
	}
	hdr := rdpwire.Header{Flags: flags, SeqNr: seq, AckNr: ack}
	p.Data = hdr.Append(p.Data)
	p.ID = c.idOut

	if flags&rdpwire.FlagACK != 0 {
		s.markAcked(c)
		atomic.AddUint64(&s.stats.AcksSent, 1)
	}
	if flags&rdpwire.FlagRST != 0 {
		atomic.AddUint64(&s.stats.Resets, 1)
	}

	if park {
		clone, err := s.pool.Clone(p)
		if err != nil {
			p.Free()
			return err
		}
		if len(c.rdp.txQueue) >= c.rdp.txCap() {
			clone.Free()
			p.Free()
			return ErrTxQueueFull
		}
		c.rdp.txQueue = append(c.rdp.txQueue, txEntry{seq: seq, timestamp: s.now(), packet: clone})
	}
	return s.sendDirect(p)
}

// sendEack emits an extended ack listing every out-of-order sequence
// currently buffered.
func (s *Stack) sendEack(c *Conn) {
	seqs := make([]uint16, 0, len(c.rdp.rxQueue))
	for _, e := range c.rdp.rxQueue {
		seqs = append(seqs, e.seq)
	}
	flags := rdpwire.FlagACK
	if len(seqs) > 0 {
		flags |= rdpwire.FlagEAK
	}
	atomic.AddUint64(&s.stats.EacksSent, 1)
	if err := s.sendControl(c, flags, c.rdp.sndNxt, c.rdp.rcvCur, nil, seqs, false); err != nil {
		rdpLog.Debug("eack not sent: %v", err)
	}
}

func (s *Stack) sendAck(c *Conn) {
	if err := s.sendControl(c, rdpwire.FlagACK, c.rdp.sndNxt, c.rdp.rcvCur, nil, nil, false); err != nil {
		rdpLog.Debug("ack not sent: %v", err)
	}
}

// rdpConnectActive performs the initiator side of the handshake. On a
// half-open detection it retries once before giving up.
func (s *Stack) rdpConnectActive(c *Conn, timeout time.Duration) error {
	if err := s.lockRDP(); err != nil {
		return err
	}
	if c.rdp.state == RDPOpen {
		s.unlockRDP()
		return ErrAlreadyOpen
	}

	for attempt := 0; attempt < 2; attempt++ {
		s.applyRDPOptions(c)
		c.rdp.sndIss = issActive
		c.rdp.sndNxt = c.rdp.sndIss + 1
		c.rdp.sndUna = c.rdp.sndIss
		c.rdp.state = RDPSynSent
		c.rdp.openTimestamp = s.now()

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
		if err := s.sendControl(c, rdpwire.FlagSYN, c.rdp.sndIss, 0, syn, nil, true); err != nil {
			s.releaseConn(c)
			s.unlockRDP()
			return err
		}
		s.unlockRDP()

		wait := timeout
		if wait <= 0 {
			wait = time.Duration(c.rdp.connTimeout) * time.Millisecond
		}
		c.waitTx(wait)

		if err := s.lockRDP(); err != nil {
			return err
		}
		switch c.rdp.state {
		case RDPOpen:
			s.unlockRDP()
			return nil
		case RDPSynSent:
			// Half-open or lost handshake; flush and retry once.
			s.rdpFlushAll(c)
		default:
			s.releaseConn(c)
			s.unlockRDP()
			return ErrConnectFailed
		}
	}

	rdpLog.Info("connect to %s failed after retry", c.idOut.String())
	c.rdp.state = RDPCloseWait
	c.rdp.openTimestamp = s.now()
	s.unlockRDP()
	return ErrConnectFailed
}

// rdpSend stamps the RDP trailer on an outbound payload, parks a copy for
// retransmission, and hands the original to the router. Blocks for window
// credit up to the caller-supplied timeout.
func (s *Stack) rdpSend(c *Conn, p *Packet, timeout time.Duration) error {
	if err := s.lockRDP(); err != nil {
		return err
	}
	for c.rdp.state == RDPOpen && uint32(c.rdp.sndNxt-c.rdp.sndUna)+1 > c.rdp.window {
		s.unlockRDP()
		if !c.waitTx(timeout) {
			return ErrTimeout
		}
		if err := s.lockRDP(); err != nil {
			return err
		}
	}
	if c.rdp.state != RDPOpen {
		s.unlockRDP()
		return ErrNotOpen
	}

	hdr := rdpwire.Header{
		Flags: rdpwire.FlagACK,
		SeqNr: c.rdp.sndNxt,
		AckNr: c.rdp.rcvCur,
	}
	p.Data = hdr.Append(p.Data)

	// The retransmit copy must exist before the original leaves; a packet
	// with no parked copy would be unrecoverable.
	clone, err := s.pool.Clone(p)
	if err != nil {
		rdpLog.Warn("no buffer for retransmit copy: %v", err)
		s.unlockRDP()
		return err
	}
	if len(c.rdp.txQueue) >= c.rdp.txCap() {
		clone.Free()
		s.unlockRDP()
		return ErrTxQueueFull
	}
	c.rdp.txQueue = append(c.rdp.txQueue, txEntry{seq: c.rdp.sndNxt, timestamp: s.now(), packet: clone})
	c.rdp.sndNxt++
	s.markAcked(c)
	atomic.AddUint64(&s.stats.AcksSent, 1)
	s.unlockRDP()

	return s.sendDirect(p)
}

// rdpClose initiates or completes teardown per the symmetric RST scheme.
func (s *Stack) rdpClose(c *Conn) error {
	if err := s.lockRDP(); err != nil {
		return err
	}
	defer s.unlockRDP()
	if c.rdp.state != RDPCloseWait {
		if err := s.sendControl(c, rdpwire.FlagRST|rdpwire.FlagACK, c.rdp.sndNxt, c.rdp.rcvCur, nil, nil, false); err != nil {
			rdpLog.Debug("close rst not sent: %v", err)
		}
		c.rdp.state = RDPCloseWait
		c.rdp.openTimestamp = s.now()
		c.signalTx()
		return nil
	}
	c.rdp.state = RDPClosed
	s.releaseConn(c)
	return nil
}

// closeWait moves the connection to CLOSE_WAIT after a protocol violation
// or peer-initiated teardown, waking any blocked reader and sender.
// Caller holds the token.
func (s *Stack) closeWait(c *Conn, sendRst bool) {
	if sendRst {
		if err := s.sendControl(c, rdpwire.FlagRST|rdpwire.FlagACK, c.rdp.sndNxt, c.rdp.rcvCur, nil, nil, false); err != nil {
			rdpLog.Debug("rst not sent: %v", err)
		}
	}
	c.rdp.state = RDPCloseWait
	c.rdp.openTimestamp = s.now()
	if c.accepted() {
		// Null-payload sentinel wakes a blocked reader, which is then
		// expected to close.
		select {
		case c.rx <- nil:
		default:
		}
	}
	c.signalTx()
}
