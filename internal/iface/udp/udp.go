// Package udp implements the CSP-over-UDP link interface: one CSP packet
// per datagram, 32-bit packed identifier first, payload after.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rcarmo/go-csp/internal/csp"
	"github.com/rcarmo/go-csp/internal/logging"
)

// Errors
var (
	ErrClosed = errors.New("udp: interface closed")
)

const readDeadline = 100 * time.Millisecond

// Config holds UDP interface configuration.
type Config struct {
	// ListenAddr is the local address to bind to.
	ListenAddr string

	// PeerAddr is the remote endpoint datagrams are sent to.
	PeerAddr string

	// MTU is the value reported by MTU(), 256 when not positive. Send does
	// not check payload length against it.
	MTU int
}

// Interface is a point-to-point CSP link over UDP datagrams.
type Interface struct {
	stack *csp.Stack
	conn  *net.UDPConn
	mtu   int
	log   *logging.Logger

	peerMu sync.RWMutex
	peer   *net.UDPAddr

	closeChan  chan struct{}
	closedOnce sync.Once
}

// New binds the local socket and starts the receive loop.
func New(stack *csp.Stack, cfg Config) (*Interface, error) {
	if cfg.MTU <= 0 {
		cfg.MTU = 256
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen addr: %w", err)
	}
	peer, err := net.ResolveUDPAddr("udp", cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: peer addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: bind: %w", err)
	}
	i := &Interface{
		stack:     stack,
		conn:      conn,
		peer:      peer,
		mtu:       cfg.MTU,
		log:       logging.Sub("udp").Tag(conn.LocalAddr()),
		closeChan: make(chan struct{}),
	}
	go i.receiveLoop()
	return i, nil
}

func (i *Interface) Name() string { return "UDP" }

// LocalAddr returns the bound socket address.
func (i *Interface) LocalAddr() net.Addr { return i.conn.LocalAddr() }

// SetPeer redirects outbound datagrams, used when the remote port is only
// known after both ends are up.
func (i *Interface) SetPeer(addr string) error {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: peer addr: %w", err)
	}
	i.peerMu.Lock()
	i.peer = peer
	i.peerMu.Unlock()
	return nil
}

func (i *Interface) MTU() int { return i.mtu }

// Send frames the packet and ships one datagram. The packet is consumed.
func (i *Interface) Send(p *csp.Packet) error {
	defer p.Free()
	select {
	case <-i.closeChan:
		return ErrClosed
	default:
	}
	frame := csp.AppendID(make([]byte, 0, csp.IDSize+len(p.Data)), p.ID)
	frame = append(frame, p.Data...)
	i.peerMu.RLock()
	peer := i.peer
	i.peerMu.RUnlock()
	if _, err := i.conn.WriteToUDP(frame, peer); err != nil {
		return fmt.Errorf("udp: send: %w", err)
	}
	return nil
}

// Close shuts the socket and stops the receive loop.
func (i *Interface) Close() error {
	i.closedOnce.Do(func() { close(i.closeChan) })
	return i.conn.Close()
}

func (i *Interface) receiveLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-i.closeChan:
			return
		default:
		}
		if err := i.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		n, _, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if n < csp.IDSize {
			continue
		}
		i.inject(buf[:n])
	}
}

func (i *Interface) inject(frame []byte) {
	id, payload, err := csp.ParseID(frame)
	if err != nil {
		return
	}
	p, err := i.stack.Pool().Get(len(payload))
	if err != nil {
		i.log.Debug("inbound dropped: %v", err)
		return
	}
	p.ID = id
	copy(p.Data, payload)
	i.stack.Inject(p)
}
