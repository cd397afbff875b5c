// Package core is the orchestration layer.  It turns accepted
// connections into sessions, runs the per-session command loop, and
// composes the listeners into one Server.
//
// Architecture layers (bottom → top):
//
//	transport  →  brain  →  session / action  →  core  →  cmd (CLI)
//
// [Build] is the single dispatch point from a Config to a runnable
// Server.
package core

import (
	"context"

	"tentacle/internal/brain"
)

// Mode is one long-running listener (plain TCP, SSH, operator HTTP).
// Each mode owns its full lifecycle and returns nil when ctx is
// cancelled.
type Mode interface {
	Run(ctx context.Context) error
}

// Processor sends one command to the Brain.  *brain.Client is the
// production implementation.
type Processor interface {
	Process(ctx context.Context, req brain.CommandRequest) (brain.Verdict, error)
}
