package csp

import (
	"errors"
	"sync"
)

// Buffer pool errors.
var (
	ErrNoBuffers  = errors.New("csp: buffer pool exhausted")
	ErrBufferSize = errors.New("csp: requested size exceeds buffer capacity")
)

// Packet is a CSP datagram. Data holds the payload; for RDP packets the
// 5-byte RDP trailer is appended at the end of Data before transmission.
// Data always references the packet's fixed backing buffer, so appending
// up to the pool's per-buffer capacity never reallocates.
type Packet struct {
	ID   ID
	Data []byte

	buf   []byte
	pool  *BufferPool
	freed bool
	mu    sync.Mutex
}

// Length returns the current payload length including any appended trailer.
func (p *Packet) Length() int { return len(p.Data) }

// Free returns the packet to its pool. Freeing is idempotent per buffer.
func (p *Packet) Free() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.free(p)
}

// BufferPool hands out fixed-size packet buffers. Every buffer reserves
// enough capacity for a maximum payload plus the RDP trailer and SYN
// parameter block, so protocol layers can append in place.
type BufferPool struct {
	size   int // per-buffer capacity
	freeCh chan *Packet
}

// Trailer headroom reserved on top of the configured payload size.
const bufferOverhead = 32

// NewBufferPool creates a pool of count buffers of the given payload size.
func NewBufferPool(count, size int) *BufferPool {
	p := &BufferPool{
		size:   size + bufferOverhead,
		freeCh: make(chan *Packet, count),
	}
	for i := 0; i < count; i++ {
		p.freeCh <- &Packet{
			buf:  make([]byte, p.size),
			pool: p,
		}
	}
	return p
}

// Get obtains a buffer with Data sized to the requested length. Fails
// immediately when the pool is exhausted; callers recover by dropping.
func (bp *BufferPool) Get(size int) (*Packet, error) {
	if size > bp.size {
		return nil, ErrBufferSize
	}
	select {
	case p := <-bp.freeCh:
		p.freed = false
		p.ID = ID{}
		p.Data = p.buf[:size]
		return p, nil
	default:
		return nil, ErrNoBuffers
	}
}

// Clone duplicates a packet, sized from the actual packet length. Identifier
// fields and payload are copied individually; the copy is independent of the
// original's backing storage.
func (bp *BufferPool) Clone(p *Packet) (*Packet, error) {
	c, err := bp.Get(len(p.Data))
	if err != nil {
		return nil, err
	}
	c.ID = ID{
		Priority:    p.ID.Priority,
		Source:      p.ID.Source,
		Destination: p.ID.Destination,
		DestPort:    p.ID.DestPort,
		SourcePort:  p.ID.SourcePort,
		Flags:       p.ID.Flags,
	}
	copy(c.Data, p.Data)
	return c, nil
}

// Remaining reports how many buffers are currently free.
func (bp *BufferPool) Remaining() int { return len(bp.freeCh) }

func (bp *BufferPool) free(p *Packet) {
	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return
	}
	p.freed = true
	p.mu.Unlock()

	p.Data = nil
	select {
	case bp.freeCh <- p:
	default:
		// Pool full means the packet was not ours or was duplicated; drop it.
	}
}
