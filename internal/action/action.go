// Package action carries out the Brain's verdicts on a session.  Each
// verdict kind lives in its own file.  Reply and unknown hand the
// session back to the command loop; tarpit and ink move it into a
// holding state that [Executor.Hold] runs for the rest of its life.
package action

import (
	"context"
	"fmt"
	"time"

	"tentacle/internal/brain"
	ncerr "tentacle/internal/errors"
	"tentacle/internal/metrics"
	"tentacle/internal/registry"
	"tentacle/internal/session"
	"tentacle/util"
)

// Executor runs verdicts.  One Executor is shared by every session; it
// holds no per-session state.
type Executor struct {
	Prompt         string
	ErrorLine      string
	TarpitInterval time.Duration
	Registry       *registry.Registry
	Metrics        *metrics.Collector
}

// Execute performs the immediate part of v on sess and returns the
// state the session moves to.  A non-nil error always comes with
// [session.Terminated].
func (e *Executor) Execute(sess *session.Session, v brain.Verdict) (session.State, error) {
	e.Metrics.RecordVerdict(v.Kind())

	switch v := v.(type) {
	case brain.Reply:
		return e.reply(sess, v.Payload)
	case brain.Tarpit:
		return e.startTarpit(sess, v.Payload)
	case brain.Ink:
		return session.Inking, nil
	case brain.UnknownAction:
		return e.unknown(sess, v.Tag)
	default:
		// Only reachable if a new Verdict type is added without a case.
		return e.unknown(sess, fmt.Sprintf("%T", v))
	}
}

// Hold runs a holding state until the peer goes away or ctx is
// cancelled.  It returns nil on cancellation and the write error
// otherwise.
func (e *Executor) Hold(ctx context.Context, sess *session.Session, state session.State) error {
	switch state {
	case session.Tarpitting:
		return e.tarpit(ctx, sess)
	case session.Inking:
		return e.ink(ctx, sess)
	default:
		return fmt.Errorf("hold: %s is not a holding state", state)
	}
}

// writeErr wraps a failed write on the intruder's connection.
func writeErr(sess *session.Session, err error) error {
	return ncerr.Wrap("write", sess.RemoteAddr, err)
}

// sleep waits d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, t *time.Timer, d time.Duration) bool {
	t.Reset(d)
	select {
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return false
	case <-t.C:
		return true
	}
}

// ended logs the end of a held session at a level that matches why it
// ended.
func ended(sess *session.Session, what string, err error) {
	switch {
	case err == nil:
		sess.Logger.Verbose("%s stopped by shutdown", what)
	case util.IsHarmless(err):
		sess.Logger.Info("%s ended: peer went away after %d bytes", what, sess.BytesOut())
	default:
		sess.Logger.Warn("%s ended: %v", what, err)
	}
}
