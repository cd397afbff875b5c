package core

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"tentacle/config"
	"tentacle/internal/registry"
)

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

// startSSH serves h over SSH on a loopback port.
func startSSH(t *testing.T, h *Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mode := &SSHMode{
		HostKey: testSigner(t),
		Version: config.DefaultSSHVersion,
		Handler: h,
		Metrics: h.Metrics,
		Logger:  h.Logger,
	}
	done := make(chan error, 1)
	go func() { done <- mode.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		<-done
		require.True(t, h.Wait(2*time.Second), "ssh sessions did not finish")
	})
	return ln.Addr().String()
}

func sshClient(t *testing.T, addr string) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password("123456")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func readExactly(t *testing.T, r io.Reader, want string) {
	t.Helper()
	got := make([]byte, len(want))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, got)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err, "partial read %q", got)
		require.Equal(t, want, string(got))
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestSSHMode_ServerVersion(t *testing.T) {
	addr := startSSH(t, newTestHandler(echoBrain(), time.Second))
	client := sshClient(t, addr)
	assert.Equal(t, config.DefaultSSHVersion, string(client.ServerVersion()))
}

func TestSSHMode_ShellWithoutPTY(t *testing.T) {
	fb := echoBrain()
	h := newTestHandler(fb, time.Second)
	addr := startSSH(t, h)
	client := sshClient(t, addr)

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	readExactly(t, stdout, testBanner+testPrompt)

	_, err = stdin.Write([]byte("whoami\n"))
	require.NoError(t, err)
	readExactly(t, stdout, "root\n"+testPrompt)

	entries := h.Registry.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "ssh", entries[0].Frontend)
	assert.Equal(t, registry.StatusActive, entries[0].Status)

	require.NoError(t, stdin.Close())
	assert.NoError(t, sess.Wait(), "shell ends with exit status 0")
}

func TestSSHMode_ShellWithPTY(t *testing.T) {
	addr := startSSH(t, newTestHandler(echoBrain(), time.Second))
	client := sshClient(t, addr)

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}))
	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	crlf := func(s string) string { return string(bytes.ReplaceAll([]byte(s), []byte("\n"), []byte("\r\n"))) }
	readExactly(t, stdout, crlf(testBanner+testPrompt))

	// Keystrokes are echoed; Enter arrives as CR.
	_, err = stdin.Write([]byte("whoami\r"))
	require.NoError(t, err)
	readExactly(t, stdout, "whoami\r\n"+crlf("root\n"+testPrompt))
}

func TestSSHMode_Exec(t *testing.T) {
	fb := echoBrain()
	addr := startSSH(t, newTestHandler(fb, time.Second))
	client := sshClient(t, addr)

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	out, err := sess.Output("whoami")
	require.NoError(t, err)
	assert.Equal(t, "root\n", string(out))

	reqs := fb.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "whoami", reqs[0].Command)
}

func TestSSHMode_ExecUnknownActionFails(t *testing.T) {
	addr := startSSH(t, newTestHandler(echoBrain(), time.Second))
	client := sshClient(t, addr)

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	out, err := sess.Output("future")
	var exitErr *ssh.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitStatus())
	assert.Equal(t, errorLine+"\n", string(out))
}

func TestSSHMode_RejectsOtherChannels(t *testing.T) {
	addr := startSSH(t, newTestHandler(echoBrain(), time.Second))
	client := sshClient(t, addr)

	_, err := client.Dial("tcp", "127.0.0.1:22")
	assert.Error(t, err, "direct-tcpip must be refused")
}

// ── host key ─────────────────────────────────────────────────────────

func TestLoadOrGenHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")

	first, created, err := loadOrGenHostKey(path)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := loadOrGenHostKey(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestLoadOrGenHostKey_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, _, err := loadOrGenHostKey(path)
	assert.Error(t, err)
}
