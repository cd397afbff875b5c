// Package config defines the runtime configuration for tentacle and
// provides helpers for parsing and validating it.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	ncerr "tentacle/internal/errors"
	"tentacle/util"
)

// Config holds every tuneable for one tentacle process.
type Config struct {
	// ── Attacker-facing listener ─────────────────────────────────────
	Listen         string        `yaml:"listen"`
	MaxSessions    int           `yaml:"max_sessions"` // 0 = unlimited
	Banner         string        `yaml:"banner"`
	Prompt         string        `yaml:"prompt"`
	ErrorLine      string        `yaml:"error_line"`
	TarpitInterval time.Duration `yaml:"tarpit_interval"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"` // 0 = wait forever
	GracePeriod    time.Duration `yaml:"grace_period"`

	Brain BrainConfig `yaml:"brain"`
	SSH   SSHConfig   `yaml:"ssh"`
	Ops   OpsConfig   `yaml:"ops"`
	Log   LogConfig   `yaml:"log"`
}

// BrainConfig describes how to reach the decision service.
type BrainConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	BreakerFailures int           `yaml:"breaker_failures"` // 0 = no breaker
	BreakerReset    time.Duration `yaml:"breaker_reset"`

	// Optional SSH gateway in front of the Brain.
	Tunnel         string `yaml:"tunnel"` // [user@]host[:port]
	SSHKeyPath     string `yaml:"ssh_key"`
	SSHAgent       bool   `yaml:"ssh_agent"`
	SSHPassword    bool   `yaml:"ssh_password"`
	StrictHostKey  bool   `yaml:"strict_hostkey"`
	KnownHostsPath string `yaml:"known_hosts"`

	// Filled in by ParseTunnelSpec during Normalize.
	TunnelUser string `yaml:"-"`
	TunnelHost string `yaml:"-"`
	TunnelPort int    `yaml:"-"`
}

// SSHConfig enables the SSH front end.
type SSHConfig struct {
	Listen  string `yaml:"listen"` // empty = disabled
	HostKey string `yaml:"host_key"`
	Version string `yaml:"version"`
}

// OpsConfig enables the operator HTTP surface.
type OpsConfig struct {
	Listen string `yaml:"listen"` // empty = disabled
}

// LogConfig controls diagnostics.
type LogConfig struct {
	Verbose int    `yaml:"verbose"`
	Format  string `yaml:"format"` // "console" or "json"
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Listen:         DefaultListen,
		Banner:         DefaultBanner,
		Prompt:         DefaultPrompt,
		ErrorLine:      DefaultErrorLine,
		TarpitInterval: DefaultTarpitInterval,
		GracePeriod:    DefaultGracePeriod,
		Brain: BrainConfig{
			URL:             DefaultBrainURL,
			Timeout:         DefaultBrainTimeout,
			BreakerFailures: DefaultBreakerFailures,
			BreakerReset:    DefaultBreakerReset,
		},
		SSH: SSHConfig{
			HostKey: DefaultHostKeyPath,
			Version: DefaultSSHVersion,
		},
		Log: LogConfig{
			Verbose: 1,
			Format:  "console",
		},
	}
}

// TunnelEnabled reports whether Brain traffic goes through SSH.
func (b *BrainConfig) TunnelEnabled() bool { return b.Tunnel != "" }

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Normalize resolves derived fields (the tunnel spec) and then
// validates the whole configuration.
func (c *Config) Normalize() error {
	if c.Brain.Tunnel != "" {
		user, host, port, err := ParseTunnelSpec(c.Brain.Tunnel)
		if err != nil {
			return &ncerr.ConfigError{
				Field:   "brain-tunnel",
				Value:   c.Brain.Tunnel,
				Message: err.Error(),
				Hint:    "use [user@]host[:port], e.g. ops@bastion:22",
			}
		}
		c.Brain.TunnelUser, c.Brain.TunnelHost, c.Brain.TunnelPort = user, host, port
	}
	return c.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := validateAddr("listen", c.Listen, true); err != nil {
		return err
	}
	if err := validateAddr("ssh-listen", c.SSH.Listen, false); err != nil {
		return err
	}
	if err := validateAddr("ops-listen", c.Ops.Listen, false); err != nil {
		return err
	}
	if c.SSH.Listen != "" && c.SSH.Listen == c.Listen {
		return &ncerr.ConfigError{
			Field:   "ssh-listen",
			Value:   c.SSH.Listen,
			Message: "must differ from --listen",
		}
	}
	if c.SSH.Listen != "" && c.SSH.HostKey == "" {
		return &ncerr.ConfigError{
			Field:   "ssh-host-key",
			Message: "required with --ssh-listen",
			Hint:    "a new key is generated at this path if it does not exist",
		}
	}

	if c.MaxSessions < 0 {
		return &ncerr.ConfigError{Field: "max-sessions", Value: c.MaxSessions, Message: "must be >= 0", Hint: "0 means unlimited"}
	}
	if c.TarpitInterval <= 0 {
		return &ncerr.ConfigError{Field: "tarpit-interval", Value: c.TarpitInterval, Message: "must be positive"}
	}
	if c.IdleTimeout < 0 {
		return &ncerr.ConfigError{Field: "idle-timeout", Value: c.IdleTimeout, Message: "must be >= 0", Hint: "0 disables the idle timeout"}
	}
	if c.GracePeriod < 0 {
		return &ncerr.ConfigError{Field: "grace-period", Value: c.GracePeriod, Message: "must be >= 0"}
	}
	if c.Prompt == "" {
		return &ncerr.ConfigError{Field: "prompt", Message: "must not be empty"}
	}

	if err := c.Brain.validate(); err != nil {
		return err
	}

	if c.Log.Format != "" && c.Log.Format != "console" && c.Log.Format != "json" {
		return &ncerr.ConfigError{Field: "log-format", Value: c.Log.Format, Message: "unknown format", Hint: "use console or json"}
	}
	return nil
}

func (b *BrainConfig) validate() error {
	if b.URL == "" {
		return &ncerr.ConfigError{Field: "brain", Message: "required", Hint: "e.g. --brain http://localhost:8000"}
	}
	u, err := url.Parse(b.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ncerr.ConfigError{
			Field:   "brain",
			Value:   b.URL,
			Message: "must be an absolute http(s) URL",
			Hint:    "e.g. --brain http://localhost:8000",
		}
	}
	if b.Timeout < 0 {
		return &ncerr.ConfigError{Field: "brain-timeout", Value: b.Timeout, Message: "must be >= 0", Hint: "0 disables the deadline"}
	}
	if b.Retries < 0 {
		return &ncerr.ConfigError{Field: "brain-retries", Value: b.Retries, Message: "must be >= 0"}
	}
	if b.BreakerFailures < 0 {
		return &ncerr.ConfigError{Field: "brain-breaker-failures", Value: b.BreakerFailures, Message: "must be >= 0", Hint: "0 disables the circuit breaker"}
	}
	if b.BreakerFailures > 0 && b.BreakerReset <= 0 {
		return &ncerr.ConfigError{Field: "brain-breaker-reset", Value: b.BreakerReset, Message: "must be positive when the breaker is enabled"}
	}
	if b.TunnelEnabled() && b.TunnelHost == "" {
		return &ncerr.ConfigError{Field: "brain-tunnel", Value: b.Tunnel, Message: "tunnel host is required"}
	}
	if b.SSHPassword && b.SSHKeyPath != "" {
		return &ncerr.ConfigError{Field: "brain-ssh-password", Message: "--brain-ssh-password and --brain-ssh-key are mutually exclusive"}
	}
	return nil
}

func validateAddr(field, addr string, required bool) error {
	if addr == "" {
		if required {
			return &ncerr.ConfigError{Field: field, Message: "required", Hint: "use host:port, e.g. 0.0.0.0:2222"}
		}
		return nil
	}
	if _, _, err := util.SplitAddr(addr); err != nil {
		return &ncerr.ConfigError{
			Field:   field,
			Value:   addr,
			Message: "invalid address",
			Hint:    "use host:port, e.g. 0.0.0.0:2222",
		}
	}
	return nil
}
