package core

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"tentacle/internal/action"
	"tentacle/internal/brain"
	"tentacle/internal/metrics"
	"tentacle/internal/registry"
	"tentacle/internal/session"
	"tentacle/util"
)

// Handler runs the command loop for each connection.  One Handler
// serves every session; Serve may be called from many goroutines.
type Handler struct {
	Brain       Processor
	Executor    *action.Executor
	Banner      string
	Prompt      string
	IdleTimeout time.Duration // 0 = wait forever
	Registry    *registry.Registry
	Metrics     *metrics.Collector
	Logger      *util.Logger

	wg sync.WaitGroup
}

// Serve owns conn until the session terminates, then closes it.
// Cancelling ctx closes the connection so blocked reads, writes and
// tarpit sleeps end promptly.
func (h *Handler) Serve(ctx context.Context, conn io.ReadWriteCloser, remoteAddr, frontend string) {
	sess := h.open(conn, remoteAddr, frontend)
	defer h.close(sess)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	state := session.Greeting
	var command string
	for state != session.Terminated {
		sess.Logger.Debug("state %s", state)
		switch state {
		case session.Greeting:
			state = h.greet(sess)
		case session.AwaitingCommand:
			state, command = h.await(sess)
		case session.Dispatching:
			state = h.dispatch(ctx, sess, command)
		case session.Tarpitting, session.Inking:
			h.Executor.Hold(ctx, sess, state) //nolint:errcheck // logged by the executor
			state = session.Terminated
		default:
			state = session.Terminated
		}
	}
}

// RunOnce dispatches a single command, as for an SSH exec request.  A
// reply is written without a trailing prompt.  It reports whether the
// Brain answered with a known action.
func (h *Handler) RunOnce(ctx context.Context, conn io.ReadWriteCloser, remoteAddr, frontend, command string) bool {
	sess := h.open(conn, remoteAddr, frontend)
	defer h.close(sess)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	command = strings.TrimSpace(command)
	sess.Logger.Info("exec %q", command)

	h.Metrics.CommandReceived()
	h.Registry.Touch(sess.ID, command)

	v, err := h.Brain.Process(ctx, brain.CommandRequest{SessionID: sess.ID, Command: command})
	if err != nil {
		h.brainFailed(sess, command, err)
		return false
	}

	exec := *h.Executor
	exec.Prompt = ""
	state, err := exec.Execute(sess, v)
	if err != nil {
		return false
	}
	if state == session.Tarpitting || state == session.Inking {
		exec.Hold(ctx, sess, state) //nolint:errcheck
		return true
	}
	_, unknown := v.(brain.UnknownAction)
	return !unknown
}

// Go runs fn in a goroutine that [Handler.Wait] waits for.  Listeners
// start every connection through Go so shutdown can drain them.
func (h *Handler) Go(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has finished or
// timeout elapses, and reports whether they all finished.
func (h *Handler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// ── lifecycle ────────────────────────────────────────────────────────

func (h *Handler) open(conn io.ReadWriteCloser, remoteAddr, frontend string) *session.Session {
	sess := session.New(conn, remoteAddr, frontend, h.Logger, h.Metrics)
	h.Registry.Add(sess.ID, remoteAddr, frontend)
	h.Metrics.SessionOpened()
	sess.Logger.Info("session opened via %s", frontend)
	return sess
}

func (h *Handler) close(sess *session.Session) {
	sess.Close() //nolint:errcheck
	h.Registry.Remove(sess.ID)
	h.Metrics.SessionClosed()
	sess.Logger.Info("session closed after %v (%d bytes in, %d out)",
		sess.Duration().Truncate(time.Millisecond), sess.BytesIn(), sess.BytesOut())
}

// ── states ───────────────────────────────────────────────────────────

func (h *Handler) greet(sess *session.Session) session.State {
	if err := sess.WriteString(h.Banner + h.Prompt); err != nil {
		sess.Logger.Verbose("banner write failed: %v", err)
		return session.Terminated
	}
	return session.AwaitingCommand
}

// await performs exactly one read.  Whatever arrives is one command.
func (h *Handler) await(sess *session.Session) (session.State, string) {
	if h.IdleTimeout > 0 {
		sess.SetReadDeadline(time.Now().Add(h.IdleTimeout))
	}

	bp := util.GetBuf()
	defer util.PutBuf(bp)
	buf := (*bp)[:util.ReadBufSize]

	n, err := sess.Read(buf)
	if n == 0 || err != nil {
		switch {
		case n == 0 && (err == nil || err == io.EOF):
			sess.Logger.Verbose("peer closed the connection")
		case util.IsTimeout(err):
			sess.Logger.Info("idle for %v, closing", h.IdleTimeout)
		case util.IsHarmless(err):
			sess.Logger.Verbose("connection closed: %v", err)
		default:
			sess.Logger.Warn("read failed: %v", err)
		}
		return session.Terminated, ""
	}

	return session.Dispatching, strings.TrimSpace(util.DecodeLossy(buf[:n]))
}

func (h *Handler) dispatch(ctx context.Context, sess *session.Session, command string) session.State {
	sess.Logger.Info("command %q", command)
	h.Metrics.CommandReceived()
	h.Registry.Touch(sess.ID, command)

	v, err := h.Brain.Process(ctx, brain.CommandRequest{SessionID: sess.ID, Command: command})
	if err != nil {
		if ctx.Err() != nil {
			return session.Terminated
		}
		h.brainFailed(sess, command, err)
		return session.AwaitingCommand
	}

	sess.Logger.Verbose("verdict %s", v.Kind())
	next, err := h.Executor.Execute(sess, v)
	if err != nil {
		sess.Logger.Verbose("%v", err)
	}
	return next
}

// brainFailed logs a failed round trip.  Nothing is written to the
// intruder; from their side the command simply produced no output.
func (h *Handler) brainFailed(sess *session.Session, command string, err error) {
	h.Metrics.BrainError()
	h.Metrics.RecordError(err.Error())
	sess.Logger.Warn("brain failed for %q: %v", command, err)
}
