package util

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"unicode/utf8"
)

// DefaultBufSize is the standard buffer size for session I/O (4 KiB).
// It doubles as the ink flood chunk size.
const DefaultBufSize = 4096

// ReadBufSize bounds a single command read.
const ReadBufSize = 1024

// DecodeLossy turns raw bytes into text, replacing each ill-formed
// UTF-8 sequence with one U+FFFD.  A sequence is the longest prefix of a
// valid encoding, so "\xff\xfe" yields two replacements and a truncated
// "\xe2\x82" yields one.
func DecodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, n := utf8.DecodeRune(b)
		if r == utf8.RuneError && n <= 1 {
			sb.WriteRune(utf8.RuneError)
			b = b[invalidLen(b):]
			continue
		}
		sb.Write(b[:n])
		b = b[n:]
	}
	return sb.String()
}

// invalidLen returns how many bytes of the ill-formed sequence at the
// start of b belong together: the lead byte plus any continuation bytes
// that were still acceptable before the encoding broke off.
func invalidLen(b []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var want int
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		want = 2
	case c == 0xE0:
		want, lo = 3, 0xA0
	case c == 0xED:
		want, hi = 3, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		want = 3
	case c == 0xF0:
		want, lo = 4, 0x90
	case c == 0xF4:
		want, hi = 4, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		want = 4
	default:
		return 1
	}
	i := 1
	for ; i < want && i < len(b); i++ {
		if b[i] < lo || b[i] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return i
}

// IsHarmless returns true for errors that just mean the peer went away:
// EOF, a closed connection, a reset or a broken pipe.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// CRLFWriter rewrites bare "\n" to "\r\n" on the way out, for peers that
// sit behind a raw-mode terminal (SSH pty sessions).
type CRLFWriter struct {
	W io.Writer
}

// Write reports len(p) on success so callers see the bytes they handed
// in, not the expanded count.
func (c *CRLFWriter) Write(p []byte) (int, error) {
	if bytes.IndexByte(p, '\n') < 0 {
		return c.W.Write(p)
	}
	out := make([]byte, 0, len(p)+bytes.Count(p, []byte{'\n'}))
	for i, b := range p {
		if b == '\n' && (i == 0 || p[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	if _, err := c.W.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}
