package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultListen is the attacker-facing TCP address.
	DefaultListen = "0.0.0.0:2222"

	// DefaultBanner is sent once on connect, before the first prompt.
	DefaultBanner = "Welcome to Ubuntu 22.04 LTS (GNU/Linux 5.15.0-91-generic x86_64)\n\n"

	// DefaultPrompt is written after the banner and after every reply.
	DefaultPrompt = "root@ubuntu:~# "

	// DefaultErrorLine is shown when the Brain answers with an action
	// this build does not know.
	DefaultErrorLine = "-bash: fork: retry: Resource temporarily unavailable"

	// DefaultTarpitInterval is the gap between tarpit bytes.
	DefaultTarpitInterval = 10 * time.Second

	// DefaultGracePeriod is how long shutdown waits for sessions to
	// finish after the listeners close.
	DefaultGracePeriod = 5 * time.Second

	// DefaultBrainURL is the base URL of the decision service.
	DefaultBrainURL = "http://localhost:8000"

	// DefaultBrainTimeout bounds one Brain round trip.  Zero disables
	// the deadline.
	DefaultBrainTimeout = 10 * time.Second

	// DefaultBreakerFailures is how many consecutive Brain failures
	// open the circuit.  Zero leaves the breaker off, so every command
	// reaches the Brain.
	DefaultBreakerFailures = 0

	// DefaultBreakerReset is how long the circuit stays open.
	DefaultBreakerReset = 30 * time.Second

	// DefaultSSHPort is the standard SSH port for the Brain gateway.
	DefaultSSHPort = 22

	// DefaultSSHVersion is the banner the SSH front end announces.
	DefaultSSHVersion = "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6"

	// DefaultHostKeyPath is where the SSH front end keeps its key.
	DefaultHostKeyPath = "./tentacle_host_key"

	// DefaultConnTimeout is the SSH gateway connection timeout.
	DefaultConnTimeout = 30 * time.Second
)
