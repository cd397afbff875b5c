package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	ncerr "tentacle/internal/errors"
)

// Prompter reads a secret from the operator.  It is only called while
// the process starts, never from inside a session.
type Prompter func(prompt string) ([]byte, error)

// ErrNoTerminal is returned when a secret is needed but stdin is not a
// terminal, as under a service manager.
var ErrNoTerminal = errors.New("no terminal to prompt on")

// TerminalPrompter prompts on out and reads a line from in with echo
// disabled.  It refuses to run when in is not a terminal.
func TerminalPrompter(in *os.File, out io.Writer) Prompter {
	return func(prompt string) ([]byte, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return nil, ErrNoTerminal
		}
		fmt.Fprint(out, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		return secret, err
	}
}

// BuildAuthMethods resolves the gateway credentials in cfg: the key
// file, then the agent, then a password.  With none configured it falls
// back to the agent and the usual key files, skipping any that need a
// passphrase.
func BuildAuthMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	ask := cfg.Prompt
	if ask == nil {
		ask = TerminalPrompter(os.Stdin, os.Stderr)
	}

	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, ask)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}

	if cfg.PromptPass {
		pass, err := ask(fmt.Sprintf("%s@%s password: ", cfg.User, cfg.Addr()))
		if err != nil {
			return nil, fmt.Errorf("reading gateway password: %w", err)
		}
		methods = append(methods, ssh.Password(string(pass)))
	}

	if len(methods) == 0 {
		methods = defaultAuthMethods()
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf(
			"no SSH authentication methods available for the brain gateway – " +
				"use --brain-ssh-key, --brain-ssh-password, or --brain-ssh-agent")
	}
	return methods, nil
}

// ── individual auth builders ─────────────────────────────────────────

// loadSigner parses a private key, asking for its passphrase when the
// key is encrypted and ask is non-nil.
func loadSigner(path string, ask Prompter) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		if err != nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		return signer, nil
	}
	if ask == nil {
		return nil, err
	}

	pass, err := ask(fmt.Sprintf("Enter passphrase for %s: ", path))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

// agentAuth asks the running agent for signers on every handshake, so
// keys added after start-up are picked up on reconnect.
func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	if _, err := os.Stat(sock); err != nil {
		return nil, fmt.Errorf("agent socket %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
		}
		defer conn.Close()
		return agent.NewClient(conn).Signers()
	}), nil
}

// defaultAuthMethods tries the agent and the common unencrypted key
// files of the user running the honeypot.
func defaultAuthMethods() []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		if s, err := loadSigner(filepath.Join(home, ".ssh", name), nil); err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		out = append(out, ssh.PublicKeys(signers...))
	}
	return out
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // operator opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) && len(ke.Want) > 0 {
			return fmt.Errorf("%w for %s: %w", ncerr.ErrHostKeyMismatch, hostname, err)
		}
		return err
	}, nil
}
