package brain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	ncerr "tentacle/internal/errors"
	"tentacle/internal/retry"
	"tentacle/internal/transport"
	"tentacle/util"
)

// Endpoint is the path every command is POSTed to.
const Endpoint = "/process_command"

// maxBody bounds how much of a response is read.  Verdict payloads are
// shell output, not files.
const maxBody = 1 << 20

// Options configures a [Client].
type Options struct {
	// BaseURL is the Brain's scheme://host[:port].
	BaseURL string
	// Timeout bounds one round trip including retries.  Zero disables
	// the deadline.
	Timeout time.Duration
	// Retries is how many extra attempts a retryable failure gets.
	Retries int
	// RetryDelay is the first backoff wait (default 200ms).  Only
	// retryable transport errors are retried.
	RetryDelay time.Duration
	// BreakerFailures opens the circuit after that many consecutive
	// failures.  Zero disables the breaker.
	BreakerFailures int
	// BreakerReset is how long an open circuit rejects calls.
	BreakerReset time.Duration
}

// Client performs Brain round trips.  It is safe for concurrent use by
// every session.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
	dialer  transport.Dialer
	backoff *retry.Backoff
	breaker *retry.CircuitBreaker
	logger  *util.Logger
}

// NewClient builds a client whose connections are opened by dialer.  A
// nil dialer dials plain TCP.
func NewClient(opts Options, dialer transport.Dialer, logger *util.Logger) *Client {
	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: 5 * time.Second}
	}
	c := &Client{
		url:     strings.TrimRight(opts.BaseURL, "/") + Endpoint,
		timeout: opts.Timeout,
		http:    &http.Client{Transport: transport.NewHTTPTransport(dialer)},
		dialer:  dialer,
		logger:  logger,
	}
	if opts.Retries > 0 {
		c.backoff = retry.Tries(opts.Retries, opts.RetryDelay)
		c.backoff.Retryable = ncerr.IsRetryable
		c.backoff.OnRetry = func(attempt int, err error) {
			logger.Debug("brain attempt %d failed: %v", attempt, err)
		}
	}
	if opts.BreakerFailures > 0 {
		c.breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
			MaxFailures:  opts.BreakerFailures,
			ResetTimeout: opts.BreakerReset,
			Ignore:       callerGone,
			OnStateChange: func(from, to retry.State) {
				logger.Warn("brain circuit %s -> %s", from, to)
			},
		})
	}
	return c
}

// URL returns the full endpoint the client posts to.
func (c *Client) URL() string { return c.url }

// BreakerState reports the circuit state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.CurrentState().String()
}

// Process sends req and returns the Brain's verdict.  Every failure is a
// *errors.TransportError.
func (c *Client) Process(ctx context.Context, req CommandRequest) (Verdict, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var v Verdict
	call := func() error {
		return c.backoff.Do(ctx, func(ctx context.Context, _ int) error {
			var err error
			v, err = c.roundTrip(ctx, req)
			return err
		})
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(call)
		if ncerr.Is(err, ncerr.ErrCircuitOpen) && !ncerr.IsTransport(err) {
			err = ncerr.WrapTransport("breaker", c.url, err)
		}
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// callerGone reports a round trip abandoned because the session or the
// process went away.  Such failures say nothing about the Brain.
func callerGone(err error) bool {
	return ncerr.Is(err, context.Canceled)
}

func (c *Client) roundTrip(ctx context.Context, req CommandRequest) (Verdict, error) {
	body, err := encodeRequest(req)
	if err != nil {
		return nil, ncerr.WrapTransport("encode", c.url, err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, ncerr.WrapTransport("post", c.url, err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, c.postErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, c.postErr(err)
	}
	c.logger.Debug("brain %s -> %d in %v", req.SessionID, resp.StatusCode, time.Since(start).Truncate(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ncerr.TransportError{
			Op:       "status",
			Endpoint: c.url,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", strings.TrimSpace(string(truncate(data, 128)))),
		}
	}

	v, err := ParseVerdict(data)
	if err != nil {
		return nil, ncerr.WrapTransport("decode", c.url, err)
	}
	return v, nil
}

// postErr tags a failed exchange with ErrTimeout when the deadline ran
// out, or ErrBackendUnavailable when nothing answered at the Brain's
// address.
func (c *Client) postErr(err error) *ncerr.TransportError {
	switch {
	case ncerr.Is(err, context.DeadlineExceeded) || util.IsTimeout(err):
		err = fmt.Errorf("%w: %w", ncerr.ErrTimeout, err)
	case ncerr.Is(err, syscall.ECONNREFUSED):
		err = fmt.Errorf("%w: %w", ncerr.ErrBackendUnavailable, err)
	}
	return ncerr.WrapTransport("post", c.url, err)
}

// Close drops idle connections and releases the dialer.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return c.dialer.Close()
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
