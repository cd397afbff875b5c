package action

import (
	"context"
	"time"

	"tentacle/internal/registry"
	"tentacle/internal/session"
)

// TarpitByte is the byte dripped to a tarpitted session.
const TarpitByte = 0x00

func (e *Executor) startTarpit(sess *session.Session, payload string) (session.State, error) {
	if err := sess.WriteString(payload + "\n"); err != nil {
		return session.Terminated, writeErr(sess, err)
	}
	return session.Tarpitting, nil
}

// tarpit writes one byte per interval until the peer goes away or ctx
// is cancelled.
func (e *Executor) tarpit(ctx context.Context, sess *session.Session) error {
	e.Registry.SetStatus(sess.ID, registry.StatusTarpit)
	e.Metrics.TarpitStarted()
	defer e.Metrics.TarpitEnded()

	sess.Logger.Info("tarpit engaged, one byte every %v", e.TarpitInterval)

	err := e.drip(ctx, sess)
	ended(sess, "tarpit", err)
	return err
}

func (e *Executor) drip(ctx context.Context, sess *session.Session) error {
	b := []byte{TarpitByte}
	t := time.NewTimer(time.Hour)
	t.Stop()

	for {
		if _, err := sess.Write(b); err != nil {
			return writeErr(sess, err)
		}
		if !sleep(ctx, t, e.TarpitInterval) {
			return nil
		}
	}
}
