package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. YAML config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML document at path onto cfg.  Keys missing
// from the file keep their current value; unknown keys are an error so
// typos do not silently fall back to defaults.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TENTACLE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("750ms", "10s") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TENTACLE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := envInt("TENTACLE_MAX_SESSIONS"); v > 0 {
		cfg.MaxSessions = v
	}
	if v := os.Getenv("TENTACLE_BANNER"); v != "" {
		cfg.Banner = v
	}
	if v := os.Getenv("TENTACLE_PROMPT"); v != "" {
		cfg.Prompt = v
	}
	if v := os.Getenv("TENTACLE_ERROR_LINE"); v != "" {
		cfg.ErrorLine = v
	}
	if d, ok := envDuration("TENTACLE_TARPIT_INTERVAL"); ok {
		cfg.TarpitInterval = d
	}
	if d, ok := envDuration("TENTACLE_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = d
	}
	if d, ok := envDuration("TENTACLE_GRACE_PERIOD"); ok {
		cfg.GracePeriod = d
	}

	// Brain
	if v := os.Getenv("TENTACLE_BRAIN_URL"); v != "" {
		cfg.Brain.URL = v
	}
	if d, ok := envDuration("TENTACLE_BRAIN_TIMEOUT"); ok {
		cfg.Brain.Timeout = d
	}
	if v := envInt("TENTACLE_BRAIN_RETRIES"); v > 0 {
		cfg.Brain.Retries = v
	}
	if v := os.Getenv("TENTACLE_BRAIN_TUNNEL"); v != "" {
		cfg.Brain.Tunnel = v
	}
	if v := os.Getenv("TENTACLE_BRAIN_SSH_KEY"); v != "" {
		cfg.Brain.SSHKeyPath = v
	}
	if envBool("TENTACLE_BRAIN_SSH_AGENT") {
		cfg.Brain.SSHAgent = true
	}
	if envBool("TENTACLE_BRAIN_STRICT_HOSTKEY") {
		cfg.Brain.StrictHostKey = true
	}
	if v := os.Getenv("TENTACLE_BRAIN_KNOWN_HOSTS"); v != "" {
		cfg.Brain.KnownHostsPath = v
	}

	// Front ends
	if v := os.Getenv("TENTACLE_SSH_LISTEN"); v != "" {
		cfg.SSH.Listen = v
	}
	if v := os.Getenv("TENTACLE_SSH_HOST_KEY"); v != "" {
		cfg.SSH.HostKey = v
	}
	if v := os.Getenv("TENTACLE_OPS_LISTEN"); v != "" {
		cfg.Ops.Listen = v
	}

	// Output
	if v := envInt("TENTACLE_VERBOSE"); v > 0 {
		cfg.Log.Verbose = v
	}
	if v := os.Getenv("TENTACLE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
