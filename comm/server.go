// Package comm implements the communication server: an asynchronous UDP
// endpoint that receives lifecycle messages from running jobs and forwards
// them, decoded, to the orchestrator over a channel. It never mutates Job
// state itself; per the single-writer-per-Job discipline, only the
// orchestrator's own goroutine applies an Event to a job.Job.
package comm

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/martius-lab/cluster-utils-go/wire"
)

// Event is a decoded datagram ready for the orchestrator to apply.
type Event struct {
	Type    wire.MessageType
	Payload any
}

// ConnectionInfo is the (ip, port) the server is listening on, threaded
// into every Job's execution command.
type ConnectionInfo struct {
	IP   string
	Port int
}

// Server owns the UDP socket and runs its receive loop on its own
// goroutine. Decoded messages are pushed onto Events; an unrecognized
// message type is logged and dropped rather than delivered.
type Server struct {
	conn   *net.UDPConn
	info   ConnectionInfo
	log    Logger
	Events chan Event

	quit chan struct{}
	done chan struct{}
}

// Logger is a minimal logging interface, the narrow seam threaded through
// this module's subsystems instead of a concrete logrus.Logger dependency
// everywhere.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NewLogrusAdapter wraps a *logrus.Logger as a Logger.
func NewLogrusAdapter(l *logrus.Logger) Logger { return logrusAdapter{l} }

type logrusAdapter struct{ l *logrus.Logger }

func (a logrusAdapter) Infof(format string, args ...any)  { a.l.Infof(format, args...) }
func (a logrusAdapter) Warnf(format string, args ...any)  { a.l.Warnf(format, args...) }
func (a logrusAdapter) Errorf(format string, args ...any) { a.l.Errorf(format, args...) }

// NewServer binds a UDP socket on (hostIP, 0) -- the kernel chooses the
// port -- and starts its receive loop. The bound port is available
// immediately via ConnectionInfo().
func NewServer(hostIP string, log Logger) (*Server, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(hostIP), Port: 0}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind communication server on %s", hostIP)
	}

	port := conn.LocalAddr().(*net.UDPAddr).Port
	log.Infof("communication server listening on %s:%d", hostIP, port)

	s := &Server{
		conn:   conn,
		info:   ConnectionInfo{IP: hostIP, Port: port},
		log:    log,
		Events: make(chan Event, 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

// ConnectionInfo returns the bound (ip, port).
func (s *Server) ConnectionInfo() ConnectionInfo { return s.info }

func (s *Server) recvLoop() {
	defer close(s.done)
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.quit:
				return
			default:
				s.log.Warnf("communication server read error: %v", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		msgType, payload, err := wire.Decode(data)
		if err != nil {
			s.log.Errorf("received a message I did not understand: %v", err)
			continue
		}

		select {
		case s.Events <- Event{Type: msgType, Payload: payload}:
		case <-s.quit:
			return
		}
	}
}

// Close shuts the socket down and waits for the receive loop to exit. Safe
// to call more than once; a second call (e.g. from a duplicate
// SIGINT-triggered shutdown path) is a harmless no-op.
func (s *Server) Close() error {
	select {
	case <-s.quit:
		return nil
	default:
		close(s.quit)
	}
	err := s.conn.Close()
	<-s.done
	return err
}
