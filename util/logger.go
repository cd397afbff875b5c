// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// zap has no level between info and debug, so verbose takes zap's debug
// slot and debug sits one below it.
const (
	verboseLevel = zapcore.DebugLevel
	debugLevel   = zapcore.DebugLevel - 1
)

// Logger writes levelled messages to stderr with optional timestamps
// and level prefixes.  It is a thin printf-style facade over a zap core
// so that child loggers can carry structured fields (session id, peer
// address) into every line they emit.
type Logger struct {
	level      LogLevel
	output     io.Writer
	timestamps bool // if true, prepend timestamps
	json       bool // if true, emit one JSON object per line
	color      bool // ANSI level tags; only when output is a terminal
	fields     []zap.Field
	zl         *zap.Logger
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
		color:      isTerminal(os.Stderr),
	}
	l.rebuild()
	return l
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.timestamps = on
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.color = isTerminal(w)
	l.rebuild()
}

// SetJSON switches between the human console format and JSON lines.
func (l *Logger) SetJSON(on bool) {
	l.json = on
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a child logger that attaches the given key/value pairs
// to every message.  Keys must be strings; a dangling key is ignored.
func (l *Logger) With(kv ...interface{}) *Logger {
	child := *l
	child.fields = append(append([]zap.Field(nil), l.fields...), toFields(kv)...)
	child.rebuild()
	return &child
}

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(zapcore.InfoLevel, format, args...)
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(zapcore.WarnLevel, format, args...)
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	l.write(verboseLevel, format, args...)
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(debugLevel, format, args...)
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(zapcore.ErrorLevel, format, args...)
}

// Sync flushes any buffered output.
func (l *Logger) Sync() error { return l.zl.Sync() }

func (l *Logger) write(lvl zapcore.Level, format string, args ...interface{}) {
	if !l.zl.Core().Enabled(lvl) {
		return
	}
	if ce := l.zl.Check(lvl, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write()
	}
}

func (l *Logger) rebuild() {
	ws := zapcore.Lock(zapcore.AddSync(l.output))
	core := zapcore.NewCore(l.encoder(), ws, zap.NewAtomicLevelAt(threshold(l.level)))
	l.zl = zap.New(core).With(l.fields...)
}

func (l *Logger) encoder() zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      plainLevel,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	if l.json {
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.EncodeLevel = jsonLevel
		return zapcore.NewJSONEncoder(ec)
	}
	if l.timestamps {
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}
	if l.color {
		ec.EncodeLevel = colorLevel
	}
	return zapcore.NewConsoleEncoder(ec)
}

// ── level encoding ───────────────────────────────────────────────────

func threshold(level LogLevel) zapcore.Level {
	switch {
	case level <= LogQuiet:
		return zapcore.ErrorLevel
	case level == LogNormal:
		return zapcore.InfoLevel
	case level == LogVerbose:
		return verboseLevel
	default:
		return debugLevel
	}
}

func levelTag(lvl zapcore.Level) string {
	switch {
	case lvl >= zapcore.ErrorLevel:
		return "ERR"
	case lvl == zapcore.WarnLevel:
		return "WRN"
	case lvl == zapcore.InfoLevel:
		return "INF"
	case lvl == verboseLevel:
		return "VRB"
	default:
		return "DBG"
	}
}

var tagColors = map[string]string{ //nolint:gochecknoglobals
	"ERR": "\x1b[31m",
	"WRN": "\x1b[33m",
	"INF": "\x1b[32m",
	"VRB": "\x1b[36m",
	"DBG": "\x1b[90m",
}

func plainLevel(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + levelTag(lvl) + "]")
}

func colorLevel(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	tag := levelTag(lvl)
	enc.AppendString(tagColors[tag] + "[" + tag + "]\x1b[0m")
}

func jsonLevel(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch levelTag(lvl) {
	case "ERR":
		enc.AppendString("error")
	case "WRN":
		enc.AppendString("warn")
	case "INF":
		enc.AppendString("info")
	case "VRB":
		enc.AppendString("verbose")
	default:
		enc.AppendString("debug")
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func toFields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
