// Package wshub implements the websocket hub bridge: a CSP link carried
// over websocket binary messages, used to splice ground-segment tooling
// into the stack. Framing matches the UDP interface: packed identifier
// first, payload after.
package wshub

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/go-csp/internal/csp"
	"github.com/rcarmo/go-csp/internal/logging"
)

// Errors
var (
	ErrClosed = errors.New("wshub: interface closed")
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// Interface is a CSP link over a single websocket connection.
type Interface struct {
	stack *csp.Stack
	conn  *websocket.Conn
	mtu   int

	// gorilla permits one concurrent writer; writes are serialized here.
	writeMu sync.Mutex

	log *logging.Logger

	closeChan  chan struct{}
	closedOnce sync.Once
}

// Dial connects to a hub endpoint (ws:// or wss:// URL) and starts the
// receive pump.
func Dial(stack *csp.Stack, url string) (*Interface, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wshub: dial %s: %w", url, err)
	}
	return attach(stack, conn), nil
}

// Upgrade turns an incoming HTTP request into a hub link, for nodes
// serving as the hub end of the bridge.
func Upgrade(stack *csp.Stack, w http.ResponseWriter, r *http.Request) (*Interface, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wshub: upgrade: %w", err)
	}
	return attach(stack, conn), nil
}

func attach(stack *csp.Stack, conn *websocket.Conn) *Interface {
	i := &Interface{
		stack:     stack,
		conn:      conn,
		mtu:       256,
		log:       logging.Sub("wshub").Tag(conn.RemoteAddr()),
		closeChan: make(chan struct{}),
	}
	go i.receivePump()
	return i
}

func (i *Interface) Name() string { return "WSHUB" }

func (i *Interface) MTU() int { return i.mtu }

// Send frames the packet into one binary message. The packet is consumed.
func (i *Interface) Send(p *csp.Packet) error {
	defer p.Free()
	select {
	case <-i.closeChan:
		return ErrClosed
	default:
	}
	frame := csp.AppendID(make([]byte, 0, csp.IDSize+len(p.Data)), p.ID)
	frame = append(frame, p.Data...)

	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if err := i.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := i.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("wshub: write: %w", err)
	}
	return nil
}

// Close shuts the websocket and stops the pump.
func (i *Interface) Close() error {
	i.closedOnce.Do(func() { close(i.closeChan) })
	return i.conn.Close()
}

func (i *Interface) receivePump() {
	defer func() {
		if err := i.Close(); err != nil {
			i.log.Debug("close: %v", err)
		}
	}()
	for {
		msgType, frame, err := i.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(frame) < csp.IDSize {
			continue
		}
		id, payload, err := csp.ParseID(frame)
		if err != nil {
			continue
		}
		p, err := i.stack.Pool().Get(len(payload))
		if err != nil {
			i.log.Debug("inbound dropped: %v", err)
			continue
		}
		p.ID = id
		copy(p.Data, payload)
		i.stack.Inject(p)
	}
}
