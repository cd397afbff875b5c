package core

import (
	"os/user"
	"time"

	"tentacle/config"
	"tentacle/internal/action"
	"tentacle/internal/brain"
	"tentacle/internal/metrics"
	"tentacle/internal/ops"
	"tentacle/internal/registry"
	"tentacle/internal/transport"
	"tentacle/tunnel"
	"tentacle/util"
)

// Build constructs the Server described by cfg.  cfg must already be
// normalized.
func Build(cfg *config.Config, logger *util.Logger) (*Server, error) {
	m := metrics.New()
	reg := registry.New()

	dialer, err := buildDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	client := brain.NewClient(brain.Options{
		BaseURL:         cfg.Brain.URL,
		Timeout:         cfg.Brain.Timeout,
		Retries:         cfg.Brain.Retries,
		BreakerFailures: cfg.Brain.BreakerFailures,
		BreakerReset:    cfg.Brain.BreakerReset,
	}, dialer, logger)

	h := &Handler{
		Brain: client,
		Executor: &action.Executor{
			Prompt:         cfg.Prompt,
			ErrorLine:      cfg.ErrorLine,
			TarpitInterval: cfg.TarpitInterval,
			Registry:       reg,
			Metrics:        m,
		},
		Banner:      cfg.Banner,
		Prompt:      cfg.Prompt,
		IdleTimeout: cfg.IdleTimeout,
		Registry:    reg,
		Metrics:     m,
		Logger:      logger,
	}

	srv := &Server{
		Handler:     h,
		GracePeriod: cfg.GracePeriod,
		Logger:      logger,
		closers:     []func() error{client.Close},
	}

	srv.Modes = append(srv.Modes, &ListenMode{
		Address:     cfg.Listen,
		MaxSessions: cfg.MaxSessions,
		Handler:     h,
		Metrics:     m,
		Logger:      logger,
	})

	if cfg.SSH.Listen != "" {
		srv.Modes = append(srv.Modes, &SSHMode{
			Address:     cfg.SSH.Listen,
			HostKeyPath: cfg.SSH.HostKey,
			Version:     cfg.SSH.Version,
			MaxSessions: cfg.MaxSessions,
			Handler:     h,
			Metrics:     m,
			Logger:      logger,
		})
	}

	if cfg.Ops.Listen != "" {
		srv.Modes = append(srv.Modes, &ops.Server{
			Address:      cfg.Ops.Listen,
			Metrics:      m,
			Registry:     reg,
			BreakerState: client.BreakerState,
			Logger:       logger,
		})
	}

	return srv, nil
}

// buildDialer creates the transport the Brain client dials through.  A
// gateway's credentials are resolved here, before any listener opens.
func buildDialer(cfg *config.Config, logger *util.Logger) (transport.Dialer, error) {
	if cfg.Brain.TunnelEnabled() {
		login := cfg.Brain.TunnelUser
		if login == "" {
			if u, err := user.Current(); err == nil {
				login = u.Username
			}
		}
		d := transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          login,
			Host:          cfg.Brain.TunnelHost,
			Port:          cfg.Brain.TunnelPort,
			KeyPath:       cfg.Brain.SSHKeyPath,
			PromptPass:    cfg.Brain.SSHPassword,
			UseAgent:      cfg.Brain.SSHAgent,
			StrictHostKey: cfg.Brain.StrictHostKey,
			KnownHosts:    cfg.Brain.KnownHostsPath,
			ConnTimeout:   config.DefaultConnTimeout,
		}, logger)
		if err := d.Prepare(); err != nil {
			return nil, err
		}
		return d, nil
	}
	return &transport.TCPDialer{Timeout: 5 * time.Second}, nil
}
