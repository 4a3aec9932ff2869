package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

// NewClient returns an HTTP client whose overall timeout is the longest any
// single vendor request may take. Shorter per-request deadlines come from the
// request context.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
