// Package metrics provides lightweight, lock-free counters and gauges
// for tracking what the honeypot is doing to its visitors.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Verdict kinds accepted by [Collector.RecordVerdict].
const (
	VerdictReply   = "reply"
	VerdictTarpit  = "tarpit"
	VerdictInk     = "ink"
	VerdictUnknown = "unknown"
)

// Collector tracks process-wide runtime metrics.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	commands       atomic.Int64
	brainErrors    atomic.Int64
	acceptErrors   atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	errorsTotal    atomic.Int64

	replies  atomic.Int64
	tarpits  atomic.Int64
	inks     atomic.Int64
	unknowns atomic.Int64

	tarpitActive atomic.Int64
	inkActive    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastCommand  time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Command / Brain metrics ──────────────────────────────────────────

// CommandReceived records one command forwarded to the Brain.
func (c *Collector) CommandReceived() {
	if c == nil {
		return
	}
	c.commands.Add(1)
	c.mu.Lock()
	c.lastCommand = time.Now()
	c.mu.Unlock()
}

// Commands returns the number of commands forwarded so far.
func (c *Collector) Commands() int64 {
	if c == nil {
		return 0
	}
	return c.commands.Load()
}

// BrainError records a failed Brain round trip.
func (c *Collector) BrainError() {
	if c == nil {
		return
	}
	c.brainErrors.Add(1)
}

// BrainErrors returns the number of failed Brain round trips.
func (c *Collector) BrainErrors() int64 {
	if c == nil {
		return 0
	}
	return c.brainErrors.Load()
}

// RecordVerdict counts one executed verdict of the given kind.
// Unrecognised kinds count as unknown.
func (c *Collector) RecordVerdict(kind string) {
	if c == nil {
		return
	}
	switch kind {
	case VerdictReply:
		c.replies.Add(1)
	case VerdictTarpit:
		c.tarpits.Add(1)
	case VerdictInk:
		c.inks.Add(1)
	default:
		c.unknowns.Add(1)
	}
}

// Verdicts returns how many verdicts of kind have been executed.
func (c *Collector) Verdicts(kind string) int64 {
	if c == nil {
		return 0
	}
	switch kind {
	case VerdictReply:
		return c.replies.Load()
	case VerdictTarpit:
		return c.tarpits.Load()
	case VerdictInk:
		return c.inks.Load()
	default:
		return c.unknowns.Load()
	}
}

// ── Terminal behaviour gauges ────────────────────────────────────────

// TarpitStarted marks one more session being drip-fed.
func (c *Collector) TarpitStarted() {
	if c == nil {
		return
	}
	c.tarpitActive.Add(1)
}

// TarpitEnded marks a tarpitted session as gone.
func (c *Collector) TarpitEnded() {
	if c == nil {
		return
	}
	c.tarpitActive.Add(-1)
}

// ActiveTarpits returns the number of sessions currently tarpitted.
func (c *Collector) ActiveTarpits() int64 {
	if c == nil {
		return 0
	}
	return c.tarpitActive.Load()
}

// InkStarted marks one more session being flooded.
func (c *Collector) InkStarted() {
	if c == nil {
		return
	}
	c.inkActive.Add(1)
}

// InkEnded marks a flooded session as gone.
func (c *Collector) InkEnded() {
	if c == nil {
		return
	}
	c.inkActive.Add(-1)
}

// ActiveInks returns the number of sessions currently flooded.
func (c *Collector) ActiveInks() int64 {
	if c == nil {
		return 0
	}
	return c.inkActive.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from attackers.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to attackers.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// AcceptError records a failed accept on a listener.
func (c *Collector) AcceptError() {
	if c == nil {
		return
	}
	c.acceptErrors.Add(1)
}

// AcceptErrors returns the number of failed accepts.
func (c *Collector) AcceptErrors() int64 {
	if c == nil {
		return 0
	}
	return c.acceptErrors.Load()
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// VerdictCounts breaks executed verdicts down by kind.
type VerdictCounts struct {
	Reply   int64 `json:"reply"`
	Tarpit  int64 `json:"tarpit"`
	Ink     int64 `json:"ink"`
	Unknown int64 `json:"unknown"`
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string        `json:"uptime"`
	SessionsActive   int64         `json:"sessions_active"`
	SessionsTotal    int64         `json:"sessions_total"`
	TarpitsActive    int64         `json:"tarpits_active"`
	InksActive       int64         `json:"inks_active"`
	Commands         int64         `json:"commands"`
	Verdicts         VerdictCounts `json:"verdicts"`
	BrainErrors      int64         `json:"brain_errors"`
	AcceptErrors     int64         `json:"accept_errors"`
	BytesIn          int64         `json:"bytes_in"`
	BytesOut         int64         `json:"bytes_out"`
	ErrorsTotal      int64         `json:"errors_total"`
	LastCommand      string        `json:"last_command,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	LastErrorMessage string        `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive: c.sessionsActive.Load(),
		SessionsTotal:  c.sessionsTotal.Load(),
		TarpitsActive:  c.tarpitActive.Load(),
		InksActive:     c.inkActive.Load(),
		Commands:       c.commands.Load(),
		Verdicts: VerdictCounts{
			Reply:   c.replies.Load(),
			Tarpit:  c.tarpits.Load(),
			Ink:     c.inks.Load(),
			Unknown: c.unknowns.Load(),
		},
		BrainErrors:  c.brainErrors.Load(),
		AcceptErrors: c.acceptErrors.Load(),
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		ErrorsTotal:  c.errorsTotal.Load(),
	}
	if !c.lastCommand.IsZero() {
		s.LastCommand = c.lastCommand.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
