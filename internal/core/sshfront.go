package core

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/net/netutil"

	ncerr "tentacle/internal/errors"
	"tentacle/internal/metrics"
	"tentacle/internal/session"
	"tentacle/util"
)

// handshakeTimeout bounds the SSH handshake so half-open scanners do
// not hold a goroutine forever.
const handshakeTimeout = 30 * time.Second

// SSHMode serves the command loop over SSH.  Every credential is
// accepted and logged; each "session" channel becomes one tentacle
// session.
type SSHMode struct {
	Address     string
	HostKeyPath string
	HostKey     ssh.Signer // overrides HostKeyPath when set
	Version     string
	MaxSessions int
	Handler     *Handler
	Metrics     *metrics.Collector
	Logger      *util.Logger
}

// Run loads the host key, binds the listener and serves until ctx is
// cancelled.
func (m *SSHMode) Run(ctx context.Context) error {
	if m.HostKey == nil {
		signer, created, err := loadOrGenHostKey(m.HostKeyPath)
		if err != nil {
			return ncerr.WrapSSH("hostkey", m.Address, 0, err)
		}
		if created {
			m.Logger.Info("generated SSH host key %s", m.HostKeyPath)
		}
		m.HostKey = signer
	}

	ln, err := net.Listen("tcp", m.Address)
	if err != nil {
		return ncerr.Wrap("listen", m.Address, err)
	}
	return m.Serve(ctx, ln)
}

// Serve accepts SSH connections on ln until ctx is cancelled.
// HostKey must be set.
func (m *SSHMode) Serve(ctx context.Context, ln net.Listener) error {
	if m.MaxSessions > 0 {
		ln = netutil.LimitListener(ln, m.MaxSessions)
	}
	defer ln.Close()

	cfg := m.serverConfig()
	m.Logger.Info("listening on %s (ssh, %s)", ln.Addr(), ssh.FingerprintSHA256(m.HostKey.PublicKey()))

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	return acceptLoop(ctx, ln, m.Metrics, m.Logger, func(conn net.Conn) {
		m.Handler.Go(func() { m.handleConn(ctx, conn, cfg) })
	})
}

func (m *SSHMode) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: m.Version,
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			m.Logger.Info("ssh login from %s user=%q password=%q", conn.RemoteAddr(), conn.User(), password)
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			m.Logger.Info("ssh login from %s user=%q key=%s", conn.RemoteAddr(), conn.User(), ssh.FingerprintSHA256(key))
			return &ssh.Permissions{}, nil
		},
		KeyboardInteractiveCallback: func(conn ssh.ConnMetadata, _ ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			m.Logger.Info("ssh login from %s user=%q (keyboard-interactive)", conn.RemoteAddr(), conn.User())
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(m.HostKey)
	return cfg
}

func (m *SSHMode) handleConn(ctx context.Context, conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetDeadline(time.Now().Add(handshakeTimeout)) //nolint:errcheck
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		m.Logger.Verbose("ssh handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{}) //nolint:errcheck
	go ssh.DiscardRequests(reqs)

	remote := sshConn.RemoteAddr().String()
	m.Logger.Verbose("ssh connection from %s (%s)", remote, sshConn.ClientVersion())

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type") //nolint:errcheck
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			m.Logger.Verbose("ssh channel from %s: %v", remote, err)
			return
		}
		m.Handler.Go(func() { m.handleChannel(ctx, ch, chReqs, remote) })
	}
}

// execRequest is the payload of an "exec" channel request (RFC 4254 6.5).
type execRequest struct {
	Command string
}

// exitStatus is the payload of an "exit-status" request (RFC 4254 6.10).
type exitStatus struct {
	Status uint32
}

func (m *SSHMode) handleChannel(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request, remote string) {
	defer ch.Close()

	pty := false
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			pty = true
			req.Reply(true, nil) //nolint:errcheck
		case "env":
			req.Reply(true, nil) //nolint:errcheck
		case "shell":
			req.Reply(true, nil) //nolint:errcheck
			go rejectRequests(reqs)
			m.Handler.Serve(ctx, &exitConn{lineConn: newLineConn(ch, pty)}, remote, session.FrontendSSH)
			return
		case "exec":
			var er execRequest
			if err := ssh.Unmarshal(req.Payload, &er); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			req.Reply(true, nil) //nolint:errcheck
			go rejectRequests(reqs)

			// The channel outlives the session so the exit status can
			// follow the command's output.
			var code uint32
			if !m.Handler.RunOnce(ctx, heldConn{newLineConn(ch, pty)}, remote, session.FrontendSSH, er.Command) {
				code = 1
			}
			sendExitStatus(ch, code)
			return
		default:
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

// exitConn reports a clean exit to the client before closing the
// channel, so a shell session ends like a logout.
type exitConn struct {
	*lineConn
	once sync.Once
}

func (c *exitConn) Close() error {
	var err error
	c.once.Do(func() {
		sendExitStatus(c.ch, 0)
		err = c.lineConn.Close()
	})
	return err
}

// heldConn leaves closing to the channel handler.
type heldConn struct {
	*lineConn
}

func (heldConn) Close() error { return nil }

func sendExitStatus(ch ssh.Channel, code uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: code})) //nolint:errcheck
}

// rejectRequests answers every further channel request with false
// until the channel closes.
func rejectRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(false, nil) //nolint:errcheck
		}
	}
}
