// Package tunnel carries Brain traffic through an SSH gateway when the
// decision service is not reachable directly from the honeypot host.
// It is backed by golang.org/x/crypto/ssh.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is a gateway connection the Brain client dials through.
type Tunnel interface {
	// Prepare resolves credentials without touching the network.
	Prepare() error

	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel,
	// reconnecting first when the gateway dropped.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}
