package core

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tentacle/util"
)

// Server runs every configured Mode together.  If one mode fails the
// others are stopped; on shutdown the server waits up to GracePeriod
// for sessions to unwind.
type Server struct {
	Modes       []Mode
	Handler     *Handler
	GracePeriod time.Duration
	Logger      *util.Logger

	// closers run after the modes and sessions have stopped.
	closers []func() error
}

// Run blocks until ctx is cancelled or a mode fails, and returns the
// first mode error.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range s.Modes {
		m := m
		g.Go(func() error { return m.Run(gctx) })
	}
	err := g.Wait()

	if !s.Handler.Wait(s.GracePeriod) {
		s.Logger.Warn("sessions still running after %v grace period", s.GracePeriod)
	}
	for _, c := range s.closers {
		if cerr := c(); cerr != nil {
			s.Logger.Verbose("shutdown: %v", cerr)
		}
	}
	return err
}
