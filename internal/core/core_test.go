package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tentacle/internal/action"
	"tentacle/internal/brain"
	ncerr "tentacle/internal/errors"
	"tentacle/internal/metrics"
	"tentacle/internal/registry"
	"tentacle/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testBanner = "Welcome to Ubuntu 22.04 LTS (GNU/Linux 5.15.0-91-generic x86_64)\n\n"
	testPrompt = "root@ubuntu:~# "
	errorLine  = "-bash: fork: retry: Resource temporarily unavailable"
)

// ── fakes ────────────────────────────────────────────────────────────

// fakeBrain records requests and answers with fn.
type fakeBrain struct {
	mu    sync.Mutex
	calls []brain.CommandRequest
	fn    func(n int, req brain.CommandRequest) (brain.Verdict, error)
}

func (f *fakeBrain) Process(_ context.Context, req brain.CommandRequest) (brain.Verdict, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, req)
}

func (f *fakeBrain) requests() []brain.CommandRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]brain.CommandRequest(nil), f.calls...)
}

// echoBrain replies with the command itself, or with a fixed verdict
// for a few magic commands.
func echoBrain() *fakeBrain {
	return &fakeBrain{fn: func(_ int, req brain.CommandRequest) (brain.Verdict, error) {
		switch req.Command {
		case "whoami":
			return brain.Reply{Payload: "root"}, nil
		case "wget evil":
			return brain.Tarpit{Payload: "connecting..."}, nil
		case "cat /dev/urandom":
			return brain.Ink{}, nil
		case "future":
			return brain.UnknownAction{Tag: "FOO"}, nil
		}
		return brain.Reply{Payload: req.Command}, nil
	}}
}

func newTestHandler(p Processor, interval time.Duration) *Handler {
	m := metrics.New()
	reg := registry.New()
	return &Handler{
		Brain: p,
		Executor: &action.Executor{
			Prompt:         testPrompt,
			ErrorLine:      errorLine,
			TarpitInterval: interval,
			Registry:       reg,
			Metrics:        m,
		},
		Banner:   testBanner,
		Prompt:   testPrompt,
		Registry: reg,
		Metrics:  m,
		Logger:   util.NewLogger(0),
	}
}

// startTCP serves h on a loopback port and returns its address.  The
// listener and every session are torn down when the test ends.
func startTCP(t *testing.T, h *Handler, maxSessions int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mode := &ListenMode{MaxSessions: maxSessions, Handler: h, Metrics: h.Metrics, Logger: h.Logger}
	done := make(chan error, 1)
	go func() { done <- mode.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		<-done
		require.True(t, h.Wait(2*time.Second), "sessions did not finish")
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expect reads until exactly want has arrived.
func expect(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	got := make([]byte, len(want))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := readFull(conn, got)
	require.NoError(t, err, "partial read %q", got)
	require.Equal(t, want, string(got))
}

// expectSilence asserts nothing arrives within d.
func expectSilence(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d)) //nolint:errcheck
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.True(t, util.IsTimeout(err), "expected silence, got %q (%v)", buf[:n], err)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func send(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line))
	require.NoError(t, err)
}

// ── session handler ──────────────────────────────────────────────────

func TestServe_BannerBeforeAnyInput(t *testing.T) {
	addr := startTCP(t, newTestHandler(echoBrain(), time.Second), 0)
	conn := dial(t, addr)

	expect(t, conn, testBanner+testPrompt)
}

func TestServe_Whoami(t *testing.T) {
	fb := echoBrain()
	addr := startTCP(t, newTestHandler(fb, time.Second), 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)

	send(t, conn, "whoami\n")
	expect(t, conn, "root\n"+testPrompt)

	reqs := fb.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "whoami", reqs[0].Command)
	_, err := uuid.Parse(reqs[0].SessionID)
	assert.NoError(t, err)
}

func TestServe_CommandDecoding(t *testing.T) {
	fb := echoBrain()
	addr := startTCP(t, newTestHandler(fb, time.Second), 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)

	send(t, conn, "  ls -la\t\r\n")
	expect(t, conn, "ls -la\n"+testPrompt)

	send(t, conn, "echo \xff\xfe\n")
	expect(t, conn, "echo \uFFFD\n"+testPrompt)
}

func TestServe_SessionIDPerConnection(t *testing.T) {
	fb := echoBrain()
	addr := startTCP(t, newTestHandler(fb, time.Second), 0)

	a := dial(t, addr)
	expect(t, a, testBanner+testPrompt)
	send(t, a, "one\n")
	expect(t, a, "one\n"+testPrompt)
	send(t, a, "two\n")
	expect(t, a, "two\n"+testPrompt)

	b := dial(t, addr)
	expect(t, b, testBanner+testPrompt)
	send(t, b, "three\n")
	expect(t, b, "three\n"+testPrompt)

	reqs := fb.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, reqs[0].SessionID, reqs[1].SessionID)
	assert.NotEqual(t, reqs[0].SessionID, reqs[2].SessionID)
}

func TestServe_BrainFailureIsSilent(t *testing.T) {
	fb := &fakeBrain{fn: func(n int, req brain.CommandRequest) (brain.Verdict, error) {
		if n == 1 {
			return nil, ncerr.WrapTransport("post", "http://brain/process_command", errors.New("connection refused"))
		}
		return brain.Reply{Payload: "uid=0(root)"}, nil
	}}
	h := newTestHandler(fb, time.Second)
	addr := startTCP(t, h, 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)

	send(t, conn, "ls\n")
	expectSilence(t, conn, 150*time.Millisecond)

	send(t, conn, "id\n")
	expect(t, conn, "uid=0(root)\n"+testPrompt)

	assert.EqualValues(t, 1, h.Metrics.BrainErrors())
	assert.EqualValues(t, 2, h.Metrics.Commands())
}

func TestServe_UnknownActionKeepsSession(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Second)
	addr := startTCP(t, h, 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)

	send(t, conn, "future\n")
	expect(t, conn, errorLine+"\n"+testPrompt)

	entries := h.Registry.List()
	require.Len(t, entries, 1)
	assert.Equal(t, registry.StatusActive, entries[0].Status)

	send(t, conn, "whoami\n")
	expect(t, conn, "root\n"+testPrompt)
}

func TestServe_Tarpit(t *testing.T) {
	const interval = 60 * time.Millisecond
	h := newTestHandler(echoBrain(), interval)
	addr := startTCP(t, h, 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)

	send(t, conn, "wget evil\n")
	expect(t, conn, "connecting...\n")

	var last time.Time
	for i := 0; i < 3; i++ {
		buf := make([]byte, 8)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.Equal(t, []byte{action.TarpitByte}, buf[:n], "exactly one byte per interval")
		now := time.Now()
		if i > 0 {
			assert.GreaterOrEqual(t, now.Sub(last), interval/2)
		}
		last = now
	}

	tarpitted := h.Registry.List(registry.StatusTarpit)
	require.Len(t, tarpitted, 1)
	assert.EqualValues(t, 1, h.Metrics.ActiveTarpits())

	// Commands are no longer read.
	send(t, conn, "whoami\n")
	buf := make([]byte, 8)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{action.TarpitByte}, buf[:n])
}

func TestServe_Ink(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Second)
	addr := startTCP(t, h, 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)

	send(t, conn, "cat /dev/urandom\n")

	buf := make([]byte, 16*action.InkBufSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := readFull(conn, buf)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(buf[:action.InkBufSize], buf[action.InkBufSize:2*action.InkBufSize]))

	conn.Close()
	require.Eventually(t, func() bool { return h.Registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, h.Metrics.ActiveInks())
}

func TestServe_ConcurrentSessionsIndependent(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Hour)
	addr := startTCP(t, h, 0)

	stuck := dial(t, addr)
	expect(t, stuck, testBanner+testPrompt)
	send(t, stuck, "wget evil\n")
	expect(t, stuck, "connecting...\n\x00")

	free := dial(t, addr)
	expect(t, free, testBanner+testPrompt)
	for _, cmd := range []string{"pwd", "uname -a", "whoami"} {
		send(t, free, cmd+"\n")
		want := cmd
		if cmd == "whoami" {
			want = "root"
		}
		expect(t, free, want+"\n"+testPrompt)
	}
	assert.Equal(t, 2, h.Registry.Len())
}

func TestServe_PeerCloseEndsSession(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Second)
	addr := startTCP(t, h, 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)
	require.Eventually(t, func() bool { return h.Metrics.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Metrics.ActiveSessions() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.Metrics.TotalSessions())
	assert.Equal(t, 0, h.Registry.Len())
}

func TestServe_IdleTimeout(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Second)
	h.IdleTimeout = 80 * time.Millisecond
	addr := startTCP(t, h, 0)
	conn := dial(t, addr)
	expect(t, conn, testBanner+testPrompt)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err, "server should hang up an idle session")
	assert.False(t, util.IsTimeout(err))
}

func TestServe_ShutdownEndsHeldSessions(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Hour)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mode := &ListenMode{Handler: h, Metrics: h.Metrics, Logger: h.Logger}
	done := make(chan error, 1)
	go func() { done <- mode.Serve(ctx, ln) }()

	conn := dial(t, ln.Addr().String())
	expect(t, conn, testBanner+testPrompt)
	send(t, conn, "wget evil\n")
	expect(t, conn, "connecting...\n\x00")

	cancel()
	require.NoError(t, <-done)
	assert.True(t, h.Wait(2*time.Second))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.False(t, util.IsTimeout(err))
}

// ── acceptor ─────────────────────────────────────────────────────────

func TestListenMode_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := newTestHandler(echoBrain(), time.Second)
	mode := &ListenMode{Address: ln.Addr().String(), Handler: h, Logger: h.Logger}
	err = mode.Run(context.Background())

	var ne *ncerr.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "listen", ne.Op)
}

func TestListenMode_MaxSessions(t *testing.T) {
	addr := startTCP(t, newTestHandler(echoBrain(), time.Second), 1)

	first := dial(t, addr)
	expect(t, first, testBanner+testPrompt)

	second := dial(t, addr)
	expectSilence(t, second, 150*time.Millisecond)

	first.Close()
	expect(t, second, testBanner+testPrompt)
}

// flakyListener fails every Accept until closed.
type flakyListener struct {
	closed chan struct{}
	once   sync.Once
}

func (l *flakyListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("too many open files")
	}
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestAcceptLoop_BacksOff(t *testing.T) {
	m := metrics.New()
	ln := &flakyListener{closed: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := acceptLoop(ctx, ln, m, util.NewLogger(0), func(net.Conn) { t.Error("unexpected conn") })
	require.NoError(t, err)

	// 5+10+20+40+80 ms fits about six attempts in 200ms; a spinning
	// loop would make thousands.
	got := m.AcceptErrors()
	assert.GreaterOrEqual(t, got, int64(3))
	assert.LessOrEqual(t, got, int64(10))
}

// ── server ───────────────────────────────────────────────────────────

type modeFunc func(ctx context.Context) error

func (f modeFunc) Run(ctx context.Context) error { return f(ctx) }

func TestServer_ModeFailureStopsOthers(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Second)
	stopped := make(chan struct{})
	closed := false

	srv := &Server{
		Handler:     h,
		GracePeriod: time.Second,
		Logger:      h.Logger,
		Modes: []Mode{
			modeFunc(func(ctx context.Context) error {
				<-ctx.Done()
				close(stopped)
				return nil
			}),
			modeFunc(func(context.Context) error { return errors.New("bind: address in use") }),
		},
		closers: []func() error{func() error { closed = true; return nil }},
	}

	err := srv.Run(context.Background())
	require.EqualError(t, err, "bind: address in use")
	<-stopped
	assert.True(t, closed)
}

func TestServer_CancelReturnsNil(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Second)
	srv := &Server{
		Handler: h,
		Logger:  h.Logger,
		Modes: []Mode{modeFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.Run(ctx))
}

func TestRunOnce(t *testing.T) {
	h := newTestHandler(echoBrain(), time.Second)
	a, b := net.Pipe()
	defer b.Close()

	out := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := b.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				out <- sb.String()
				return
			}
		}
	}()

	ok := h.RunOnce(context.Background(), a, "pipe", "ssh", " whoami ")
	assert.True(t, ok)
	assert.Equal(t, "root\n", <-out, "exec replies carry no prompt")
	assert.Equal(t, 0, h.Registry.Len())
}
