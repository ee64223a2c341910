// Package csp implements a small cubesat network stack: packet buffers,
// connection table, router, and the RDP reliable transport carried over
// unreliable datagram links.
package csp

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rcarmo/go-csp/internal/logging"
)

// Stack errors.
var (
	ErrLockTimeout    = errors.New("csp: rdp lock not acquired in time")
	ErrNoConnections  = errors.New("csp: connection table exhausted")
	ErrPortInUse      = errors.New("csp: port already bound")
	ErrInvalidAddress = errors.New("csp: invalid address")
	ErrTimeout        = errors.New("csp: timeout")
	ErrConnReset      = errors.New("csp: connection reset by peer")
	ErrNotOpen        = errors.New("csp: connection not open")
	ErrNoRoute        = errors.New("csp: no route to destination")
)

// stackLog tags stack-wide events on the shared console.
var stackLog = logging.Sub("csp")

// lockTimeout bounds acquisition of the stack-wide RDP serialization token.
// Failure to acquire is treated as a deadlock indicator, not a panic.
const lockTimeout = 1 * time.Second

// Clock provides monotonic milliseconds for the timeout driver. Tests
// substitute a manual clock so timeout behavior is exercised without
// sleeping.
type Clock interface {
	NowMS() int64
}

type monotonicClock struct {
	start time.Time
}

func (c monotonicClock) NowMS() int64 { return time.Since(c.start).Milliseconds() }

// NewMonotonicClock returns a Clock counting milliseconds from now.
func NewMonotonicClock() Clock { return monotonicClock{start: time.Now()} }

// RDPOptions is the parameter block copied into every new active
// connection. Passive connections adopt the initiator's values from the
// SYN payload instead.
type RDPOptions struct {
	Window          uint32
	ConnTimeoutMS   uint32
	PacketTimeoutMS uint32
	DelayedAcks     bool
	AckTimeoutMS    uint32
	AckDelayCount   uint32
}

// DefaultRDPOptions returns the design defaults.
func DefaultRDPOptions() RDPOptions {
	return RDPOptions{
		Window:          10,
		ConnTimeoutMS:   10000,
		PacketTimeoutMS: 1000,
		DelayedAcks:     true,
		AckTimeoutMS:    500,
		AckDelayCount:   5,
	}
}

// Stats holds stack-wide counters. All fields are updated atomically and
// safe to read without the stack lock.
type Stats struct {
	PacketsRouted  uint64
	PacketsDropped uint64
	Retransmits    uint64
	EacksSent      uint64
	AcksSent       uint64
	Resets         uint64
}

func (s *Stats) snapshot() Stats {
	return Stats{
		PacketsRouted:  atomic.LoadUint64(&s.PacketsRouted),
		PacketsDropped: atomic.LoadUint64(&s.PacketsDropped),
		Retransmits:    atomic.LoadUint64(&s.Retransmits),
		EacksSent:      atomic.LoadUint64(&s.EacksSent),
		AcksSent:       atomic.LoadUint64(&s.AcksSent),
		Resets:         atomic.LoadUint64(&s.Resets),
	}
}

// Interface is a link layer attachment. Send consumes the packet: on
// return (error or not) the packet belongs to the interface.
type Interface interface {
	Name() string
	MTU() int
	Send(p *Packet) error
}

// Options configures a Stack.
type Options struct {
	Address        uint8
	MaxConnections int
	BufferCount    int
	BufferSize     int
	RxQueueLen     int
	AcceptBacklog  int
	TickInterval   time.Duration
	RDP            RDPOptions
	Clock          Clock
}

// DefaultOptions returns a usable configuration for a single node.
func DefaultOptions(address uint8) Options {
	return Options{
		Address:        address,
		MaxConnections: 8,
		BufferCount:    64,
		BufferSize:     256,
		RxQueueLen:     16,
		AcceptBacklog:  4,
		TickInterval:   100 * time.Millisecond,
		RDP:            DefaultRDPOptions(),
	}
}

// Stack is a single CSP node: buffer pool, connection table, bound ports,
// routing table and the RDP engine state. All RDP mutations are serialized
// under a single token held in the lock channel.
type Stack struct {
	opts Options

	// The stack-wide serialization token: held while a value occupies the
	// channel. Acquisition is a send with timeout.
	lock chan struct{}

	pool  *BufferPool
	clock Clock

	conns []*Conn
	ports map[uint8]*Socket

	routes       map[uint8]Interface
	defaultRoute Interface

	input chan *Packet
	done  chan struct{}

	nextEphemeral uint8

	stats Stats
}

// New creates a stack. Start must be called before packets flow.
func New(opts Options) (*Stack, error) {
	if opts.Address > MaxAddress {
		return nil, ErrInvalidAddress
	}
	if opts.Clock == nil {
		opts.Clock = NewMonotonicClock()
	}
	s := &Stack{
		opts:          opts,
		lock:          make(chan struct{}, 1),
		pool:          NewBufferPool(opts.BufferCount, opts.BufferSize),
		clock:         opts.Clock,
		conns:         make([]*Conn, opts.MaxConnections),
		ports:         make(map[uint8]*Socket),
		routes:        make(map[uint8]Interface),
		input:         make(chan *Packet, opts.BufferCount),
		done:          make(chan struct{}),
		nextEphemeral: 16,
	}
	for i := range s.conns {
		s.conns[i] = &Conn{stack: s}
	}
	return s, nil
}

// Address returns the node address.
func (s *Stack) Address() uint8 { return s.opts.Address }

// Pool returns the stack's buffer pool.
func (s *Stack) Pool() *BufferPool { return s.pool }

// Stats returns a snapshot of the stack counters.
func (s *Stack) Stats() Stats { return s.stats.snapshot() }

// SetOpt replaces the default RDP parameters used by future active
// connects. Values are applied verbatim; zero fields are rejected.
func (s *Stack) SetOpt(o RDPOptions) error {
	if o.Window == 0 || o.ConnTimeoutMS == 0 || o.PacketTimeoutMS == 0 ||
		o.AckTimeoutMS == 0 || o.AckDelayCount == 0 {
		return errors.New("csp: rdp options must be non-zero")
	}
	if err := s.lockRDP(); err != nil {
		return err
	}
	s.opts.RDP = o
	s.unlockRDP()
	return nil
}

// AddRoute directs packets for the given destination address out the
// interface. A route for the stack's own address loops packets back.
func (s *Stack) AddRoute(address uint8, iface Interface) {
	s.routes[address] = iface
}

// SetDefaultRoute sets the interface used when no explicit route matches.
func (s *Stack) SetDefaultRoute(iface Interface) {
	s.defaultRoute = iface
}

// lockRDP acquires the stack-wide RDP serialization token. The timeout is
// a deadlock indicator: the calling operation fails and the connection is
// not altered.
func (s *Stack) lockRDP() error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-time.After(lockTimeout):
		stackLog.Warn("rdp lock not acquired within %v, possible deadlock", lockTimeout)
		return ErrLockTimeout
	}
}

func (s *Stack) unlockRDP() {
	<-s.lock
}

func (s *Stack) now() int64 { return s.clock.NowMS() }
