package action

import "tentacle/internal/session"

// reply writes payload, a newline and the prompt as one write so a
// reader never sees the prompt before the answer.
func (e *Executor) reply(sess *session.Session, payload string) (session.State, error) {
	if err := sess.WriteString(payload + "\n" + e.Prompt); err != nil {
		return session.Terminated, writeErr(sess, err)
	}
	return session.AwaitingCommand, nil
}

// unknown answers a verdict this build cannot act on with a generic
// shell error and keeps the session alive.
func (e *Executor) unknown(sess *session.Session, tag string) (session.State, error) {
	sess.Logger.Warn("brain returned unknown action %q", tag)
	if err := sess.WriteString(e.ErrorLine + "\n" + e.Prompt); err != nil {
		return session.Terminated, writeErr(sess, err)
	}
	return session.AwaitingCommand, nil
}
