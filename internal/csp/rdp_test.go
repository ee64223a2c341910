package csp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rdpwire "github.com/rcarmo/go-csp/internal/protocol/rdp"
)

// testClock is a manual monotonic clock so the timeout driver is
// exercised without sleeping.
type testClock struct {
	mu sync.Mutex
	ms int64
}

func (c *testClock) NowMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *testClock) advance(ms int64) {
	c.mu.Lock()
	c.ms += ms
	c.mu.Unlock()
}

// pipe is a programmable one-way link between two stacks. The filter may
// drop (return true) or stash packets; nil passes everything.
type pipe struct {
	to *Stack

	mu     sync.Mutex
	filter func(*Packet) bool
}

func (l *pipe) Name() string { return "PIPE" }
func (l *pipe) MTU() int     { return 256 }

func (l *pipe) Send(p *Packet) error {
	l.mu.Lock()
	f := l.filter
	l.mu.Unlock()
	if f != nil && f(p) {
		return nil
	}
	l.to.Inject(p)
	return nil
}

func (l *pipe) setFilter(f func(*Packet) bool) {
	l.mu.Lock()
	l.filter = f
	l.mu.Unlock()
}

// seqOf peeks at the RDP trailer of an in-flight packet.
func seqOf(p *Packet) (uint16, rdpwire.Header) {
	hdr, _, err := rdpwire.Strip(p.Data)
	if err != nil {
		return 0, rdpwire.Header{}
	}
	return hdr.SeqNr, hdr
}

const (
	addrA = 1
	addrB = 2
)

// testOpts keeps the protocol parameters small enough to exercise the
// window and ack-delay machinery: window 5, ack delay count 2.
func testOpts(address uint8, clk Clock) Options {
	o := DefaultOptions(address)
	o.Clock = clk
	// Maintenance is driven explicitly by the tests.
	o.TickInterval = time.Hour
	o.RDP = RDPOptions{
		Window:          5,
		ConnTimeoutMS:   10000,
		PacketTimeoutMS: 1000,
		DelayedAcks:     true,
		AckTimeoutMS:    500,
		AckDelayCount:   2,
	}
	return o
}

// newPair wires two stacks together with programmable pipes and a shared
// manual clock. B listens on port 10.
func newPair(t *testing.T) (a, b *Stack, ab, ba *pipe, clk *testClock, sock *Socket) {
	t.Helper()
	clk = &testClock{}

	var err error
	a, err = New(testOpts(addrA, clk))
	require.NoError(t, err)
	b, err = New(testOpts(addrB, clk))
	require.NoError(t, err)

	ab = &pipe{to: b}
	ba = &pipe{to: a}
	a.AddRoute(addrB, ab)
	b.AddRoute(addrA, ba)

	sock, err = b.Listen(10)
	require.NoError(t, err)

	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b, ab, ba, clk, sock
}

// firstConn returns the first live connection of a stack. It is safe to
// call from Eventually predicates: a lock failure yields nil.
func firstConn(t *testing.T, s *Stack) *Conn {
	t.Helper()
	if s.lockRDP() != nil {
		return nil
	}
	defer s.unlockRDP()
	for _, c := range s.conns {
		if c.inUse {
			return c
		}
	}
	return nil
}

// snapshot copies a connection's RDP sub-record under the token.
func snapshot(t *testing.T, s *Stack, c *Conn) rdpState {
	t.Helper()
	if s.lockRDP() != nil {
		return rdpState{}
	}
	defer s.unlockRDP()
	return c.rdp
}

func rdpStateOf(t *testing.T, s *Stack, c *Conn) RDPState {
	return snapshot(t, s, c).state
}

// released reports whether the connection slot has been given back.
func released(s *Stack, c *Conn) bool {
	if s.lockRDP() != nil {
		return false
	}
	defer s.unlockRDP()
	return !c.inUse
}

// open completes the handshake and returns the two connection ends. The
// deferred handshake ack is flushed through the maintenance driver.
func open(t *testing.T, a, b *Stack, clk *testClock) (ca, cb *Conn) {
	t.Helper()
	done := make(chan error, 1)
	var conn *Conn
	go func() {
		var err error
		conn, err = a.Connect(PrioNormal, addrB, 10, FlagRDP, 2*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		c := firstConn(t, a)
		return c != nil && rdpStateOf(t, a, c) == RDPOpen
	}, 2*time.Second, time.Millisecond)

	// The initiator defers the final handshake ack; age it out.
	clk.advance(501)
	a.checkTimeouts()

	require.NoError(t, <-done)
	cb = firstConn(t, b)
	require.NotNil(t, cb)
	require.Eventually(t, func() bool {
		return rdpStateOf(t, b, cb) == RDPOpen
	}, 2*time.Second, time.Millisecond)
	return conn, cb
}

func TestHandshake(t *testing.T) {
	a, b, _, _, clk, _ := newPair(t)
	ca, cb := open(t, a, b, clk)

	sa := snapshot(t, a, ca)
	assert.Equal(t, RDPOpen, sa.state)
	assert.Equal(t, uint16(1000), sa.sndIss)
	assert.Equal(t, uint16(1001), sa.sndUna)
	assert.Equal(t, uint16(1001), sa.sndNxt)
	assert.Equal(t, uint16(2000), sa.rcvIrs)
	assert.Equal(t, uint16(2000), sa.rcvCur)

	sb := snapshot(t, b, cb)
	assert.Equal(t, RDPOpen, sb.state)
	assert.Equal(t, uint16(2000), sb.sndIss)
	assert.Equal(t, uint16(2001), sb.sndUna)
	assert.Equal(t, uint16(2001), sb.sndNxt)
	assert.Equal(t, uint16(1000), sb.rcvIrs)

	// Passive side adopts the initiator's parameters verbatim.
	assert.Equal(t, uint32(5), sb.window)
	assert.Equal(t, int64(1000), sb.packetTimeout)
	assert.Equal(t, uint32(2), sb.ackDelayCount)
	assert.True(t, sb.delayedAcks)

	// Both retransmit queues drained by the handshake acks.
	assert.Empty(t, sa.txQueue)
	assert.Empty(t, sb.txQueue)
}

func TestOrderedDelivery(t *testing.T) {
	a, b, _, _, clk, sock := newPair(t)
	ca, cb := open(t, a, b, clk)

	payloads := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for _, pl := range payloads {
		require.NoError(t, ca.Send(pl, time.Second))
	}

	accepted, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	require.Same(t, cb, accepted)

	for _, want := range payloads {
		p, err := accepted.Recv(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, p.Data)
		p.Free()
	}

	// Crossing the delay threshold at the third payload produced a single
	// cumulative ack, clearing the whole retransmit queue.
	require.Eventually(t, func() bool {
		sa := snapshot(t, a, ca)
		return sa.sndUna == 1004 && len(sa.txQueue) == 0
	}, 2*time.Second, time.Millisecond)

	sa := snapshot(t, a, ca)
	assert.Equal(t, uint16(1004), sa.sndNxt)
	sb := snapshot(t, b, cb)
	assert.Equal(t, uint16(1003), sb.rcvCur)
	assert.Equal(t, uint16(1003), sb.rcvLsa)
	assert.Empty(t, sb.rxQueue)
	assert.Zero(t, a.Stats().Retransmits)
}

func TestReorderedDelivery(t *testing.T) {
	a, b, ab, _, clk, sock := newPair(t)
	ca, cb := open(t, a, b, clk)

	// Swap the first two data packets: hold seq 1001, let 1002 through.
	var held *Packet
	var heldMu sync.Mutex
	ab.setFilter(func(p *Packet) bool {
		sq, hdr := seqOf(p)
		if sq == 1001 && len(p.Data) > rdpwire.HeaderSize && !hdr.IsSYN() {
			heldMu.Lock()
			defer heldMu.Unlock()
			if held == nil {
				held = p
				return true
			}
		}
		return false
	})

	require.NoError(t, ca.Send([]byte("one"), time.Second))
	require.NoError(t, ca.Send([]byte("two"), time.Second))

	// The out-of-order arrival buffers and triggers exactly one EACK.
	require.Eventually(t, func() bool {
		return len(snapshot(t, b, cb).rxQueue) == 1
	}, 2*time.Second, time.Millisecond)

	heldMu.Lock()
	delayed := held
	heldMu.Unlock()
	require.NotNil(t, delayed)
	ab.setFilter(nil)
	b.Inject(delayed)

	require.NoError(t, ca.Send([]byte("three"), time.Second))

	accepted, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	for _, want := range []string{"one", "two", "three"} {
		p, err := accepted.Recv(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, string(p.Data))
		p.Free()
	}

	require.Eventually(t, func() bool {
		return snapshot(t, a, ca).sndUna == 1004
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, uint64(1), b.Stats().EacksSent)
	assert.Zero(t, a.Stats().Retransmits)
	assert.Empty(t, snapshot(t, b, cb).rxQueue)
}

func TestDropRecovery(t *testing.T) {
	a, b, ab, _, clk, sock := newPair(t)
	ca, cb := open(t, a, b, clk)

	// Drop seq 1002 exactly once.
	dropped := false
	ab.setFilter(func(p *Packet) bool {
		sq, _ := seqOf(p)
		if sq == 1002 && !dropped {
			dropped = true
			p.Free()
			return true
		}
		return false
	})

	for _, pl := range []string{"a", "b", "c", "d"} {
		require.NoError(t, ca.Send([]byte(pl), time.Second))
	}

	// Receiver delivers "a", buffers c and d.
	accepted, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	p, err := accepted.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", string(p.Data))
	p.Free()

	require.Eventually(t, func() bool {
		return len(snapshot(t, b, cb).rxQueue) == 2
	}, 2*time.Second, time.Millisecond)

	// Wait for the extended acks to land: the selectively acknowledged
	// packets leave the queue, only the missing one stays, expired.
	require.Eventually(t, func() bool {
		return len(snapshot(t, a, ca).txQueue) == 1
	}, 2*time.Second, time.Millisecond)

	// The EACKs expired the missing packet; the next maintenance pass
	// retransmits it.
	a.checkTimeouts()

	for _, want := range []string{"b", "c", "d"} {
		p, err := accepted.Recv(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, string(p.Data))
		p.Free()
	}

	require.Eventually(t, func() bool {
		sb := snapshot(t, b, cb)
		return sb.rcvCur == 1004 && len(sb.rxQueue) == 0
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, uint64(1), a.Stats().Retransmits)

	// Quiescence: the cumulative ack after delivery clears the queue.
	require.Eventually(t, func() bool {
		sa := snapshot(t, a, ca)
		return sa.sndUna == sa.sndNxt && len(sa.txQueue) == 0
	}, 2*time.Second, time.Millisecond)
}

func TestTimeoutRetransmit(t *testing.T) {
	a, b, ab, _, clk, sock := newPair(t)
	ca, cb := open(t, a, b, clk)

	// Black-hole a single data packet without any later traffic, so only
	// the packet timeout can recover it.
	dropped := false
	ab.setFilter(func(p *Packet) bool {
		sq, _ := seqOf(p)
		if sq == 1001 && !dropped {
			dropped = true
			p.Free()
			return true
		}
		return false
	})
	require.NoError(t, ca.Send([]byte("lost"), time.Second))

	// Before the timeout nothing is resent.
	clk.advance(500)
	a.checkTimeouts()
	assert.Zero(t, a.Stats().Retransmits)

	clk.advance(501)
	a.checkTimeouts()

	accepted, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	p, err := accepted.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "lost", string(p.Data))
	p.Free()
	assert.Equal(t, uint64(1), a.Stats().Retransmits)
	_ = cb
}

func TestWindowBackpressure(t *testing.T) {
	a, b, _, ba, clk, _ := newPair(t)
	ca, _ := open(t, a, b, clk)

	// Lose every ack so no credit ever returns.
	ba.setFilter(func(p *Packet) bool {
		p.Free()
		return true
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, ca.Send([]byte{byte(i)}, 100*time.Millisecond))
	}

	before := snapshot(t, a, ca)
	require.Equal(t, uint16(1006), before.sndNxt)

	err := ca.Send([]byte("six"), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	after := snapshot(t, a, ca)
	assert.Equal(t, before.sndNxt, after.sndNxt)
	assert.LessOrEqual(t, uint32(after.sndNxt-after.sndUna), after.window)
}

func TestDuplicateDataIdempotent(t *testing.T) {
	a, b, ab, _, clk, sock := newPair(t)
	ca, cb := open(t, a, b, clk)

	// Duplicate the first data packet on the wire.
	duplicated := false
	ab.setFilter(func(p *Packet) bool {
		sq, _ := seqOf(p)
		if sq == 1001 && !duplicated {
			duplicated = true
			if dup, err := a.Pool().Clone(p); err == nil {
				b.Inject(dup)
			}
		}
		return false
	})

	require.NoError(t, ca.Send([]byte("once"), time.Second))

	accepted, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	p, err := accepted.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "once", string(p.Data))
	p.Free()

	// The duplicate provoked an EACK but advanced nothing.
	require.Eventually(t, func() bool {
		return b.Stats().EacksSent >= 1
	}, 2*time.Second, time.Millisecond)

	sb := snapshot(t, b, cb)
	assert.Equal(t, uint16(1001), sb.rcvCur)
	assert.Empty(t, sb.rxQueue)

	_, err = accepted.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGracefulClose(t *testing.T) {
	a, b, _, _, clk, sock := newPair(t)
	ca, cb := open(t, a, b, clk)

	require.NoError(t, ca.Send([]byte("hi"), time.Second))
	accepted, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	p, err := accepted.Recv(2 * time.Second)
	require.NoError(t, err)
	p.Free()

	// First close emits RST+ACK and leaves the connection lingering.
	require.NoError(t, ca.Close())

	// The peer answers the reset and lingers in CLOSE_WAIT; the blocked
	// reader is woken with the reset sentinel.
	require.Eventually(t, func() bool {
		return rdpStateOf(t, b, cb) == RDPCloseWait
	}, 2*time.Second, time.Millisecond)
	_, err = accepted.Recv(time.Second)
	assert.ErrorIs(t, err, ErrConnReset)

	// The reply reset lands on the closing side and releases it.
	require.Eventually(t, func() bool {
		return released(a, ca)
	}, 2*time.Second, time.Millisecond)

	// The lingering side is reaped after the connection timeout.
	clk.advance(10001)
	b.checkTimeouts()
	assert.True(t, released(b, cb))
}

func TestHalfOpenReset(t *testing.T) {
	clk := &testClock{}
	a, err := New(testOpts(addrA, clk))
	require.NoError(t, err)
	out := make(chan *Packet, 16)
	a.AddRoute(addrB, &captureIface{ch: out})
	a.Start()
	t.Cleanup(a.Stop)

	done := make(chan error, 1)
	go func() {
		_, err := a.Connect(PrioNormal, addrB, 10, FlagRDP, 500*time.Millisecond)
		done <- err
	}()

	// First SYN goes out.
	syn := <-out
	_, hdr := seqOf(syn)
	require.True(t, hdr.IsSYN())
	require.Equal(t, uint16(1000), hdr.SeqNr)
	syn.Free()

	ca := firstConn(t, a)
	require.NotNil(t, ca)

	// A bare ack means the peer holds a half-open remnant: the initiator
	// resets it and retries the handshake.
	bare, err := a.Pool().Get(0)
	require.NoError(t, err)
	bare.Data = (&rdpwire.Header{Flags: rdpwire.FlagACK, SeqNr: 2001, AckNr: 1000}).Append(bare.Data)
	bare.ID = ca.idIn
	a.Inject(bare)

	rst := <-out
	_, hdr = seqOf(rst)
	assert.True(t, hdr.IsRST())
	rst.Free()

	syn2 := <-out
	_, hdr = seqOf(syn2)
	require.True(t, hdr.IsSYN())
	syn2.Free()

	// Answer the second attempt properly; the connect succeeds.
	synack, err := a.Pool().Get(0)
	require.NoError(t, err)
	params := rdpwire.SynPayload{
		WindowSize: 5, ConnTimeoutMS: 10000, PacketTimeoutMS: 1000,
		DelayedAcks: 1, AckTimeoutMS: 500, AckDelayCount: 2,
	}
	synack.Data = params.AppendSyn(synack.Data)
	synack.Data = (&rdpwire.Header{
		Flags: rdpwire.FlagSYN | rdpwire.FlagACK, SeqNr: 2000, AckNr: 1000,
	}).Append(synack.Data)
	synack.ID = ca.idIn
	a.Inject(synack)

	require.NoError(t, <-done)
	assert.Equal(t, RDPOpen, rdpStateOf(t, a, ca))
}

type captureIface struct {
	ch chan *Packet
}

func (c *captureIface) Name() string { return "CAP" }
func (c *captureIface) MTU() int     { return 256 }
func (c *captureIface) Send(p *Packet) error {
	select {
	case c.ch <- p:
	default:
		p.Free()
	}
	return nil
}

func TestConnectTimeout(t *testing.T) {
	clk := &testClock{}
	a, err := New(testOpts(addrA, clk))
	require.NoError(t, err)
	out := make(chan *Packet, 16)
	a.AddRoute(addrB, &captureIface{ch: out})
	a.Start()
	t.Cleanup(a.Stop)

	start := time.Now()
	_, err = a.Connect(PrioNormal, addrB, 10, FlagRDP, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrConnectFailed)
	// One retry, then CLOSE_WAIT.
	assert.Less(t, time.Since(start), time.Second)

	// Both attempts emitted a SYN.
	syn1 := <-out
	syn2 := <-out
	_, h1 := seqOf(syn1)
	_, h2 := seqOf(syn2)
	assert.True(t, h1.IsSYN())
	assert.True(t, h2.IsSYN())
	syn1.Free()
	syn2.Free()

	c := firstConn(t, a)
	require.NotNil(t, c)
	assert.Equal(t, RDPCloseWait, rdpStateOf(t, a, c))

	// The failed connection is reaped after the linger timeout.
	clk.advance(10001)
	a.checkTimeouts()
	assert.True(t, released(a, c))
}

func TestDelayedAckAging(t *testing.T) {
	a, b, _, _, clk, sock := newPair(t)
	ca, cb := open(t, a, b, clk)

	// A single payload stays below the delay threshold; only the timer
	// can flush the ack.
	require.NoError(t, ca.Send([]byte("solo"), time.Second))
	accepted, err := sock.Accept(2 * time.Second)
	require.NoError(t, err)
	p, err := accepted.Recv(2 * time.Second)
	require.NoError(t, err)
	p.Free()

	sb := snapshot(t, b, cb)
	require.Equal(t, uint16(1001), sb.rcvCur)
	require.Less(t, sb.rcvLsa, sb.rcvCur)

	sa := snapshot(t, a, ca)
	require.Len(t, sa.txQueue, 1)

	clk.advance(501)
	b.checkTimeouts()

	require.Eventually(t, func() bool {
		sa := snapshot(t, a, ca)
		return sa.sndUna == 1002 && len(sa.txQueue) == 0
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint16(1001), snapshot(t, b, cb).rcvLsa)
}

// TestTxQueuePruned asserts the no-retransmit-past-ack invariant after
// every send of a bulk transfer.
func TestTxQueuePruned(t *testing.T) {
	a, b, _, _, clk, sock := newPair(t)
	ca, _ := open(t, a, b, clk)

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := sock.Accept(2 * time.Second)
		if err == nil {
			accepted <- c
		}
	}()

	for i := 0; i < 12; i++ {
		require.NoError(t, ca.Send([]byte{byte(i)}, 2*time.Second))
		sa := snapshot(t, a, ca)
		for _, e := range sa.txQueue {
			assert.GreaterOrEqual(t, e.seq, sa.sndUna)
		}
		assert.LessOrEqual(t, uint32(sa.sndNxt-sa.sndUna), sa.window)
		// Drain on the receiving side to keep acks flowing.
		select {
		case c := <-accepted:
			go func() {
				for {
					p, err := c.Recv(2 * time.Second)
					if err != nil {
						return
					}
					p.Free()
				}
			}()
		default:
		}
	}
}

func TestSetOpt(t *testing.T) {
	clk := &testClock{}
	s, err := New(testOpts(addrA, clk))
	require.NoError(t, err)

	err = s.SetOpt(RDPOptions{})
	require.Error(t, err)

	custom := RDPOptions{
		Window:          3,
		ConnTimeoutMS:   2000,
		PacketTimeoutMS: 300,
		DelayedAcks:     false,
		AckTimeoutMS:    150,
		AckDelayCount:   1,
	}
	require.NoError(t, s.SetOpt(custom))

	require.NoError(t, s.lockRDP())
	c, err := s.allocConn()
	require.NoError(t, err)
	s.unlockRDP()

	st := snapshot(t, s, c)
	assert.Equal(t, uint32(3), st.window)
	assert.Equal(t, int64(300), st.packetTimeout)
	assert.False(t, st.delayedAcks)
}

func TestLockTimeoutFails(t *testing.T) {
	clk := &testClock{}
	s, err := New(testOpts(addrA, clk))
	require.NoError(t, err)

	// Hold the token and watch an operation fail instead of deadlocking.
	require.NoError(t, s.lockRDP())
	defer s.unlockRDP()

	err = s.SetOpt(DefaultRDPOptions())
	assert.ErrorIs(t, err, ErrLockTimeout)
}
