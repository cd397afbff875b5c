package util

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestDecodeLossy(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("whoami\n"), "whoami\n"},
		{"utf8", []byte("ls café"), "ls café"},
		{"invalid byte", []byte{'l', 's', 0xff, 'x'}, "ls\uFFFDx"},
		{"invalid run", []byte{'a', 0xc3, 0x28, 0xff, 'b'}, "a\uFFFD(\uFFFDb"},
		{"each bad byte", []byte("a\xff\xfeb"), "a\uFFFD\uFFFDb"},
		{"truncated sequence", []byte("a\xe2\x82"), "a\uFFFD"},
		{"truncated then ascii", []byte("\xe2\x82x"), "\uFFFDx"},
		{"surrogate", []byte("\xed\xa0\x80"), "\uFFFD\uFFFD\uFFFD"},
		{"overlong lead", []byte("\xc0\xaf"), "\uFFFD\uFFFD"},
		{"encoded U+FFFD kept", []byte("\xef\xbf\xbd"), "\uFFFD"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeLossy(tt.in); got != tt.want {
				t.Errorf("DecodeLossy(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsHarmless(t *testing.T) {
	if !IsHarmless(nil) {
		t.Error("nil should be harmless")
	}
	if !IsHarmless(io.EOF) {
		t.Error("io.EOF should be harmless")
	}
	if !IsHarmless(net.ErrClosed) {
		t.Error("net.ErrClosed should be harmless")
	}
	if !IsHarmless(&net.OpError{Op: "write", Err: syscall.EPIPE}) {
		t.Error("EPIPE should be harmless")
	}
	if IsHarmless(io.ErrUnexpectedEOF) {
		t.Error("ErrUnexpectedEOF should NOT be harmless")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(os.ErrDeadlineExceeded) {
		t.Error("deadline exceeded should be a timeout")
	}
	if IsTimeout(errors.New("boom")) {
		t.Error("plain error is not a timeout")
	}
}

func TestCRLFWriter(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"root\n", "root\r\n"},
		{"a\nb\n", "a\r\nb\r\n"},
		{"already\r\n", "already\r\n"},
		{"\n", "\r\n"},
		{"no newline", "no newline"},
		{"\x00", "\x00"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		w := &CRLFWriter{W: &buf}
		n, err := w.Write([]byte(tt.in))
		if err != nil {
			t.Fatalf("Write(%q): %v", tt.in, err)
		}
		if n != len(tt.in) {
			t.Errorf("Write(%q) n = %d, want %d", tt.in, n, len(tt.in))
		}
		if buf.String() != tt.want {
			t.Errorf("Write(%q) wrote %q, want %q", tt.in, buf.String(), tt.want)
		}
	}
}
