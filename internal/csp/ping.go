package csp

import (
	"errors"
	"time"

	"github.com/rcarmo/go-csp/internal/logging"
)

var pingLog = logging.Sub("ping")

const pingServiceTimeout = 1 * time.Second

// StartPingResponder binds the well-known ping port and echoes every
// payload back to its sender. It exercises the full reliable path and is
// the stack's built-in liveness service.
func (s *Stack) StartPingResponder() (*Socket, error) {
	sock, err := s.Listen(PortPing)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case <-s.done:
				return
			default:
			}
			conn, err := sock.Accept(pingServiceTimeout)
			if err != nil {
				continue
			}
			go s.servePing(conn)
		}
	}()
	return sock, nil
}

func (s *Stack) servePing(conn *Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			pingLog.Debug("close: %v", err)
		}
	}()
	for {
		p, err := conn.Recv(pingServiceTimeout)
		if err != nil {
			if !errors.Is(err, ErrTimeout) {
				return
			}
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		payload := make([]byte, len(p.Data))
		copy(payload, p.Data)
		p.Free()
		if err := conn.Send(payload, pingServiceTimeout); err != nil {
			pingLog.Debug("echo: %v", err)
			return
		}
	}
}

// Ping opens a reliable connection to the peer's echo service, sends size
// bytes and waits for them to come back, returning the round-trip time.
func (s *Stack) Ping(dest uint8, size int, timeout time.Duration) (time.Duration, error) {
	conn, err := s.Connect(PrioNormal, dest, PortPing, FlagRDP, timeout)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			pingLog.Debug("close: %v", cerr)
		}
	}()

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	start := time.Now()
	if err := conn.Send(payload, timeout); err != nil {
		return 0, err
	}
	p, err := conn.Recv(timeout)
	if err != nil {
		return 0, err
	}
	defer p.Free()
	if len(p.Data) != size {
		return 0, errors.New("csp: ping reply size mismatch")
	}
	return time.Since(start), nil
}
