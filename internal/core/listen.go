package core

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/netutil"

	ncerr "tentacle/internal/errors"
	"tentacle/internal/metrics"
	"tentacle/internal/session"
	"tentacle/util"
)

// Accept-error backoff bounds.
const (
	acceptDelayMin = 5 * time.Millisecond
	acceptDelayMax = time.Second
)

// ListenMode accepts raw TCP connections and runs the command loop on
// each one in its own goroutine.  The accept loop never waits on a
// session.
type ListenMode struct {
	Address     string // host:port
	MaxSessions int    // 0 = unlimited
	Handler     *Handler
	Metrics     *metrics.Collector
	Logger      *util.Logger
}

// Run binds the listener and serves until ctx is cancelled.  A bind
// failure is returned as *errors.NetworkError.
func (m *ListenMode) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.Address)
	if err != nil {
		return ncerr.Wrap("listen", m.Address, err)
	}
	return m.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then closes it.
func (m *ListenMode) Serve(ctx context.Context, ln net.Listener) error {
	if m.MaxSessions > 0 {
		ln = netutil.LimitListener(ln, m.MaxSessions)
	}
	defer ln.Close()

	m.Logger.Info("listening on %s (tcp)", ln.Addr())

	// Shut the listener down when the context expires.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	return acceptLoop(ctx, ln, m.Metrics, m.Logger, func(conn net.Conn) {
		m.Logger.Verbose("connection from %s", conn.RemoteAddr())
		m.Handler.Go(func() {
			m.Handler.Serve(ctx, conn, conn.RemoteAddr().String(), session.FrontendTCP)
		})
	})
}

// acceptLoop calls serve for every accepted connection.  Accept errors
// are logged and retried after a growing pause; the loop ends with nil
// when ctx is cancelled.
func acceptLoop(ctx context.Context, ln net.Listener, m *metrics.Collector, logger *util.Logger, serve func(net.Conn)) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.AcceptError()
			m.RecordError(err.Error())

			if delay == 0 {
				delay = acceptDelayMin
			} else if delay *= 2; delay > acceptDelayMax {
				delay = acceptDelayMax
			}
			logger.Warn("accept on %s: %v; retrying in %v", ln.Addr(), err, delay)

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		delay = 0
		serve(conn)
	}
}
