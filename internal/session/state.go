package session

// State is a session's position in the command loop.
type State int

const (
	Greeting State = iota
	AwaitingCommand
	Dispatching
	Tarpitting
	Inking
	Terminated
)

func (s State) String() string {
	switch s {
	case Greeting:
		return "greeting"
	case AwaitingCommand:
		return "awaiting-command"
	case Dispatching:
		return "dispatching"
	case Tarpitting:
		return "tarpitting"
	case Inking:
		return "inking"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
