package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "tentacle/internal/errors"
	"tentacle/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	Prompt        Prompter // reads passwords and passphrases; nil means the terminal
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr returns the gateway's host:port.
func (c *SSHConfig) Addr() string { return util.FormatAddr(c.Host, c.Port) }

// SSHTunnel implements [Tunnel] by opening an SSH connection and
// forwarding traffic with ssh.Client.Dial.  If the gateway drops, the
// next Dial reconnects, so a bastion restart costs the honeypot a few
// silent commands instead of a process restart.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	// credentials are resolved once, before any session dials; a
	// reconnect never prompts.
	prepOnce sync.Once
	prepErr  error
	auth     []ssh.AuthMethod
	hostKey  ssh.HostKeyCallback

	reconnectMu sync.Mutex

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
	closed bool
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Prepare resolves credentials and the host key policy.  Call it at
// start-up so any prompt reaches the operator instead of stalling the
// first session that needs the Brain.  It is safe to call repeatedly.
func (t *SSHTunnel) Prepare() error {
	t.prepOnce.Do(func() {
		auth, err := BuildAuthMethods(t.config)
		if err != nil {
			t.prepErr = ncerr.WrapSSH("auth", t.config.Host, t.config.Port, err)
			return
		}
		hk, err := hostKeyCallback(t.config)
		if err != nil {
			t.prepErr = ncerr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
			return
		}
		t.auth, t.hostKey = auth, hk
	})
	return t.prepErr
}

// Connect dials the SSH gateway and completes the handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	if err := t.Prepare(); err != nil {
		return err
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            t.auth,
		HostKeyCallback: t.hostKey,
		Timeout:         t.config.ConnTimeout,
	}

	addr := t.config.Addr()
	t.logger.Debug("SSH: dialing %s as %s", addr, t.config.User)

	// Use a context-aware TCP dial so callers can cancel.
	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return ncerr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		client.Close()
		return ncerr.ErrTunnelClosed
	}
	t.client = client
	t.alive = true
	t.mu.Unlock()

	go t.monitor(client)

	return nil
}

// Dial forwards a connection through the tunnel, reconnecting first
// when the gateway connection has died.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive, closed := t.client, t.alive, t.closed
	t.mu.RUnlock()

	if closed {
		return nil, ncerr.ErrTunnelClosed
	}
	if !alive || client == nil {
		var err error
		if client, err = t.reconnect(ctx); err != nil {
			return nil, err
		}
	}

	t.logger.Debug("tunnel: dialing %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", address, err)
	}
	return conn, nil
}

// reconnect serialises concurrent Dials that all found the tunnel down
// so only the first one pays for the handshake.
func (t *SSHTunnel) reconnect(ctx context.Context) (*ssh.Client, error) {
	t.reconnectMu.Lock()
	defer t.reconnectMu.Unlock()

	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()
	if alive && client != nil {
		return client, nil
	}

	t.logger.Verbose("SSH tunnel to %s is down, reconnecting", t.config.Addr())
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrNotConnected, err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client, nil
}

// Close shuts down the SSH connection.  A closed tunnel never
// reconnects.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	t.closed = true
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until the SSH connection closes and flips the alive
// flag, unless a newer client has already replaced it.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("SSH tunnel closed: %v", err)
	} else {
		t.logger.Debug("SSH tunnel closed")
	}
}
