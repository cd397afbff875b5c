// Package session represents a single intruder connection: its identity,
// its byte stream, and where it is in the command loop.
//
// A Session is owned by exactly one handler goroutine.  Actions operate
// on the session rather than on a raw net.Conn, so the same code serves
// plain TCP, SSH channels and test pipes.
package session

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tentacle/internal/metrics"
	"tentacle/util"
)

// Front ends a session can arrive on.
const (
	FrontendTCP = "tcp"
	FrontendSSH = "ssh"
)

// Session encapsulates the runtime context for a single connection.
type Session struct {
	ID         string
	Conn       io.ReadWriteCloser
	RemoteAddr string
	Frontend   string
	StartedAt  time.Time
	Logger     *util.Logger

	metrics  *metrics.Collector
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// New creates a Session with a fresh random id.  The logger is a child
// of logger that tags every line with the session id and peer.
func New(conn io.ReadWriteCloser, remoteAddr, frontend string, logger *util.Logger, m *metrics.Collector) *Session {
	id := uuid.New().String()
	return &Session{
		ID:         id,
		Conn:       conn,
		RemoteAddr: remoteAddr,
		Frontend:   frontend,
		StartedAt:  time.Now(),
		Logger:     logger.With("session", id, "peer", remoteAddr),
		metrics:    m,
	}
}

// Read reads from the connection and counts the bytes.
func (s *Session) Read(p []byte) (int, error) {
	n, err := s.Conn.Read(p)
	if n > 0 {
		s.bytesIn.Add(int64(n))
		s.metrics.BytesReceived(int64(n))
	}
	return n, err
}

// Write writes to the connection and counts the bytes.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.Conn.Write(p)
	if n > 0 {
		s.bytesOut.Add(int64(n))
		s.metrics.BytesSent(int64(n))
	}
	return n, err
}

// WriteString writes str in a single Write call.
func (s *Session) WriteString(str string) error {
	_, err := s.Write([]byte(str))
	return err
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.Conn.Close() }

// SetReadDeadline applies t when the connection supports deadlines and
// reports whether it did.
func (s *Session) SetReadDeadline(t time.Time) bool {
	d, ok := s.Conn.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return false
	}
	return d.SetReadDeadline(t) == nil
}

// BytesIn returns the bytes read from the intruder so far.
func (s *Session) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut returns the bytes written to the intruder so far.
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// Duration returns how long the session has been open.
func (s *Session) Duration() time.Duration { return time.Since(s.StartedAt) }
