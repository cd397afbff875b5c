// Package transport opens the connections the brain client speaks HTTP
// over: straight TCP, or forwarded through an SSH gateway.
package transport

import (
	"context"
	"net"
	"time"
)

// Dialer opens connections to the Brain.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases a gateway connection, if any.
	Close() error
}

// TCPDialer reaches the Brain directly.
type TCPDialer struct {
	Timeout   time.Duration // connect timeout (0 = OS default)
	KeepAlive time.Duration // 0 = Go default, negative disables
}

// Dial connects to address.  Only stream networks make sense for HTTP,
// so anything else is refused before touching the network.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, net.UnknownNetworkError(network)
	}
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return nd.DialContext(ctx, network, address)
}

// Close does nothing; a TCPDialer holds no state.
func (d *TCPDialer) Close() error { return nil }
