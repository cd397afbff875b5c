package transport

import (
	"net/http"
	"time"
)

// NewHTTPTransport returns an http.Transport whose connections are
// opened by d, so the brain client works unchanged whether the Brain is
// local or behind an SSH gateway.
func NewHTTPTransport(d Dialer) *http.Transport {
	return &http.Transport{
		DialContext:           d.Dial,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0, // the brain client owns the deadline
		ForceAttemptHTTP2:     false,
	}
}
