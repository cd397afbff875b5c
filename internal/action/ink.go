package action

import (
	"context"
	"encoding/binary"
	"math/rand/v2"

	"tentacle/internal/registry"
	"tentacle/internal/session"
	"tentacle/util"
)

// InkBufSize is the size of each flood write.
const InkBufSize = util.DefaultBufSize

// ink floods the session with random bytes, without pause, until the
// peer goes away or ctx is cancelled.
func (e *Executor) ink(ctx context.Context, sess *session.Session) error {
	e.Registry.SetStatus(sess.ID, registry.StatusInk)
	e.Metrics.InkStarted()
	defer e.Metrics.InkEnded()

	sess.Logger.Info("ink engaged")

	err := flood(ctx, sess)
	ended(sess, "ink", err)
	return err
}

func flood(ctx context.Context, sess *session.Session) error {
	bp := util.GetBuf()
	defer util.PutBuf(bp)
	buf := (*bp)[:InkBufSize]
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	for ctx.Err() == nil {
		fill(rng, buf)
		if _, err := sess.Write(buf); err != nil {
			return writeErr(sess, err)
		}
	}
	return nil
}

// fill overwrites buf with pseudo-random bytes.  len(buf) must be a
// multiple of 8.
func fill(rng *rand.Rand, buf []byte) {
	for i := 0; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], rng.Uint64())
	}
}
