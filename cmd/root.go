// Package cmd wires up the CLI flags and starts the tentacle server.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"tentacle/config"
	"tentacle/internal/core"
	"tentacle/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tentacle/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// options are the flags that steer the CLI itself rather than the
// server.
type options struct {
	configPath  string
	quiet       bool
	dryRun      bool
	showVersion bool
	showHelp    bool
}

// Execute parses args and runs tentacle until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cfg, opts, fs, err := parse(args)
	if err != nil {
		return err
	}

	if opts.showHelp {
		printUsage(fs)
		return nil
	}
	if opts.showVersion {
		fmt.Printf("tentacle %s\n", version)
		return nil
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Normalize(); err != nil {
		return err
	}
	if opts.dryRun {
		return dumpConfig(os.Stdout, cfg)
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Log.Verbose)
	logger.SetJSON(cfg.Log.Format == "json")
	defer logger.Sync() //nolint:errcheck

	srv, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("tentacle %s, brain at %s", version, cfg.Brain.URL)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("shut down")
	return nil
}

// parse layers defaults, the config file, the environment and flags,
// in increasing order of precedence.
func parse(args []string) (*config.Config, *options, *flag.FlagSet, error) {
	cfg := config.Default()
	opts := &options{}

	// The file must be loaded before flags are registered, because
	// each flag's default is the value the lower layers produced.
	if path := scanConfigPath(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, nil, nil, err
		}
	}
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("tentacle", flag.ContinueOnError)
	fs.SortFlags = false

	// ── listener ─────────────────────────────────────────────────
	fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Attacker-facing TCP address")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Concurrent session cap (0 = unlimited)")
	fs.StringVar(&cfg.Banner, "banner", cfg.Banner, "Text sent on connect, before the first prompt")
	fs.StringVar(&cfg.Prompt, "prompt", cfg.Prompt, "Shell prompt")
	fs.StringVar(&cfg.ErrorLine, "error-line", cfg.ErrorLine, "Line shown for unknown brain actions")
	fs.DurationVar(&cfg.TarpitInterval, "tarpit-interval", cfg.TarpitInterval, "Gap between tarpit bytes")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close sessions idle this long (0 = never)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Shutdown wait for sessions")

	// ── brain ────────────────────────────────────────────────────
	fs.StringVarP(&cfg.Brain.URL, "brain", "b", cfg.Brain.URL, "Brain base URL")
	fs.DurationVar(&cfg.Brain.Timeout, "brain-timeout", cfg.Brain.Timeout, "Brain round-trip deadline (0 = none)")
	fs.IntVar(&cfg.Brain.Retries, "brain-retries", cfg.Brain.Retries, "Extra attempts for a failed brain call")
	fs.IntVar(&cfg.Brain.BreakerFailures, "brain-breaker-failures", cfg.Brain.BreakerFailures, "Failures that open the brain circuit (0 = no breaker)")
	fs.DurationVar(&cfg.Brain.BreakerReset, "brain-breaker-reset", cfg.Brain.BreakerReset, "How long an open circuit stays open")

	// ── brain SSH gateway ────────────────────────────────────────
	fs.StringVarP(&cfg.Brain.Tunnel, "brain-tunnel", "T", cfg.Brain.Tunnel, "Reach the brain via SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.Brain.SSHKeyPath, "brain-ssh-key", cfg.Brain.SSHKeyPath, "SSH private key for the gateway")
	fs.BoolVar(&cfg.Brain.SSHPassword, "brain-ssh-password", cfg.Brain.SSHPassword, "Prompt for the gateway password")
	fs.BoolVar(&cfg.Brain.SSHAgent, "brain-ssh-agent", cfg.Brain.SSHAgent, "Use SSH agent for the gateway")
	fs.BoolVar(&cfg.Brain.StrictHostKey, "brain-strict-hostkey", cfg.Brain.StrictHostKey, "Verify the gateway host key")
	fs.StringVar(&cfg.Brain.KnownHostsPath, "brain-known-hosts", cfg.Brain.KnownHostsPath, "Custom known_hosts path")

	// ── SSH front end ────────────────────────────────────────────
	fs.StringVar(&cfg.SSH.Listen, "ssh-listen", cfg.SSH.Listen, "Also serve sessions over SSH on this address")
	fs.StringVar(&cfg.SSH.HostKey, "ssh-host-key", cfg.SSH.HostKey, "SSH host key (generated if missing)")
	fs.StringVar(&cfg.SSH.Version, "ssh-version", cfg.SSH.Version, "SSH server version string")

	// ── operator ─────────────────────────────────────────────────
	fs.StringVar(&cfg.Ops.Listen, "ops-listen", cfg.Ops.Listen, "Operator HTTP address (/healthz, /metrics, /sessions)")

	// ── output ───────────────────────────────────────────────────
	var verbose int
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "Only log errors")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: console or json")

	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate and print the effective config, then exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, nil, fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	switch {
	case opts.quiet:
		cfg.Log.Verbose = int(util.LogQuiet)
	case verbose > 0:
		cfg.Log.Verbose = int(util.LogNormal) + verbose
	}
	return cfg, opts, fs, nil
}

// scanConfigPath finds --config before the full flag set exists.
func scanConfigPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			return ""
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func dumpConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tentacle – shell honeypot front end v%s

Emulates a remote shell, forwards every command to the Brain and plays
back its verdict: a reply, a tarpit or an ink flood.

Usage:
  tentacle [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  TENTACLE_LISTEN, TENTACLE_BRAIN_URL, TENTACLE_VERBOSE, ...  override the
  config file; flags override the environment.

Examples:
  tentacle                                        Listen on 0.0.0.0:2222
  tentacle -b http://10.0.0.5:8000 -vv            Remote brain, verbose
  tentacle --ssh-listen :22 --ops-listen 127.0.0.1:9102
  tentacle -T ops@bastion -b http://127.0.0.1:8000
  tentacle --config /etc/tentacle.yaml --dry-run
`)
}
