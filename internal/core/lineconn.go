package core

import (
	"io"

	"golang.org/x/crypto/ssh"

	"tentacle/util"
)

// lineConn gives an SSH channel the stream shape the command loop
// expects from a raw TCP socket: one Read returns one line.  With a pty
// the client sends keystrokes, so lineConn echoes them, honours
// backspace and translates output newlines to CRLF.  Nothing else of a
// terminal is emulated.
type lineConn struct {
	ch   ssh.Channel
	out  io.Writer
	echo bool

	raw    []byte
	line   []byte
	lastCR bool
	rbuf   [256]byte
}

func newLineConn(ch ssh.Channel, pty bool) *lineConn {
	c := &lineConn{ch: ch, out: ch, echo: pty}
	if pty {
		c.out = &util.CRLFWriter{W: ch}
	}
	return c
}

func (c *lineConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c *lineConn) Close() error { return c.ch.Close() }

// Read blocks until a full line is typed and returns it with a single
// trailing "\n".  Lines longer than p are truncated.
func (c *lineConn) Read(p []byte) (int, error) {
	for {
		for len(c.raw) > 0 {
			b := c.raw[0]
			c.raw = c.raw[1:]

			if b == '\n' && c.lastCR {
				c.lastCR = false
				continue
			}
			c.lastCR = b == '\r'

			switch {
			case b == '\r' || b == '\n':
				c.echoString("\r\n")
				return c.flush(p), nil
			case b == 0x7f || b == 0x08:
				if len(c.line) > 0 {
					c.line = c.line[:len(c.line)-1]
					c.echoString("\b \b")
				}
			case b == 0x03: // ^C
				c.line = c.line[:0]
				c.echoString("^C\r\n")
			case b == 0x04: // ^D
				if len(c.line) == 0 {
					return 0, io.EOF
				}
			case b < 0x20:
			default:
				c.line = append(c.line, b)
				if c.echo {
					c.ch.Write([]byte{b}) //nolint:errcheck
				}
			}
		}

		n, err := c.ch.Read(c.rbuf[:])
		c.raw = c.rbuf[:n]
		if n == 0 && err != nil {
			if len(c.line) > 0 {
				return c.flush(p), nil
			}
			return 0, err
		}
	}
}

func (c *lineConn) flush(p []byte) int {
	n := copy(p, c.line)
	if n < len(p) {
		p[n] = '\n'
		n++
	}
	c.line = c.line[:0]
	return n
}

func (c *lineConn) echoString(s string) {
	if c.echo {
		io.WriteString(c.ch, s) //nolint:errcheck
	}
}
