// Package brain talks to the decision service that tells each session
// how to answer an intruder's command.
package brain

import (
	"encoding/json"
	"fmt"
)

// Wire tags recognised in the "action" field.  Matching is exact and
// case-sensitive.
const (
	TagReply  = "REPLY"
	TagTarpit = "TARPIT"
	TagInk    = "INK"
)

// CommandRequest is one intruder command, tagged with its session.
type CommandRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// Verdict is the Brain's decision for one command.  The set of
// implementations is closed: [Reply], [Tarpit], [Ink] and
// [UnknownAction].
type Verdict interface {
	// Kind returns the metrics label for the verdict.
	Kind() string
	verdict()
}

// Reply shows Payload, then the prompt.
type Reply struct{ Payload string }

// Tarpit shows Payload, then drips bytes forever.
type Tarpit struct{ Payload string }

// Ink floods the connection with random bytes.
type Ink struct{}

// UnknownAction carries a tag this build does not understand.
type UnknownAction struct{ Tag string }

func (Reply) Kind() string         { return "reply" }
func (Tarpit) Kind() string        { return "tarpit" }
func (Ink) Kind() string           { return "ink" }
func (UnknownAction) Kind() string { return "unknown" }

func (Reply) verdict()         {}
func (Tarpit) verdict()        {}
func (Ink) verdict()           {}
func (UnknownAction) verdict() {}

// wireResponse is the JSON body returned by /process_command.  Response
// is the single-field shape served by early Brains that only knew how
// to reply.
type wireResponse struct {
	Action   *string `json:"action"`
	Payload  *string `json:"payload"`
	Response *string `json:"response"`
}

// ParseVerdict decodes a /process_command body.
func ParseVerdict(body []byte) (Verdict, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	return w.verdict()
}

func (w *wireResponse) verdict() (Verdict, error) {
	if w.Action == nil {
		if w.Response != nil {
			return Reply{Payload: *w.Response}, nil
		}
		return nil, fmt.Errorf("response has no action")
	}

	var payload string
	if w.Payload != nil {
		payload = *w.Payload
	}

	switch *w.Action {
	case TagReply:
		return Reply{Payload: payload}, nil
	case TagTarpit:
		return Tarpit{Payload: payload}, nil
	case TagInk:
		return Ink{}, nil
	default:
		return UnknownAction{Tag: *w.Action}, nil
	}
}
