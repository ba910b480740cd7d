package common

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// HttpClient is an interface for HTTP operations with optional retry logic.
// This allows mocking or custom transport layers in testing.
type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
	RetryWithExponentialBackoff(operation func() (interface{}, error)) (interface{}, error)
	SetRandAndSleepForTest(sleep func(d time.Duration), seed int64)
}

// HTTPError is a custom error that captures unexpected status codes and response bodies.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(e.Body))
}

// userAgentRoundTripper is a custom RoundTripper that adds a User-Agent header.
type userAgentRoundTripper struct {
	Wrapped   http.RoundTripper
	UserAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone request to avoid mutating the original
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.UserAgent)
	return rt.Wrapped.RoundTrip(clone)
}

// Implementation of HttpClient that wraps a standard *http.Client with retry logic.
type httpClient struct {
	client    *http.Client
	rnd       *rand.Rand
	sleepFunc func(d time.Duration)
}

// NewHttpClient returns an HttpClient that never carries cookies. This is the
// client used for ordinary authenticated API calls. A zero timeout leaves the
// deadline to the request context.
func NewHttpClient(userAgent string, base *http.Client, timeout time.Duration) HttpClient {
	base.Jar = nil
	return wrap(userAgent, base, timeout)
}

// NewCredentialedHttpClient is NewHttpClient with a cookie jar attached. Only the
// auth endpoints (login, refresh, logout) are called through it, so the refresh
// cookie never leaves that path.
func NewCredentialedHttpClient(userAgent string, base *http.Client, timeout time.Duration, jar http.CookieJar) HttpClient {
	base.Jar = jar
	return wrap(userAgent, base, timeout)
}

func wrap(userAgent string, base *http.Client, timeout time.Duration) HttpClient {
	if base.Transport == nil {
		base.Transport = http.DefaultTransport
	}
	if userAgent != "" {
		base.Transport = &userAgentRoundTripper{
			Wrapped:   base.Transport,
			UserAgent: userAgent,
		}
	}
	base.Timeout = timeout

	return &httpClient{
		client:    base,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleepFunc: time.Sleep,
	}
}

func (h *httpClient) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req)
}

func (h *httpClient) CloseIdleConnections() {
	h.client.CloseIdleConnections()
}

// Exponential backoff constants
const (
	maxRetries = 5
	baseDelay  = 1 * time.Second
	maxDelay   = 32 * time.Second
)

// RetryWithExponentialBackoff attempts the given operation() multiple times if
// we encounter a retryable HTTPError (5xx gateway class).
func (h *httpClient) RetryWithExponentialBackoff(operation func() (interface{}, error)) (interface{}, error) {
	var result interface{}
	var err error
	delay := baseDelay

	for i := 0; i < maxRetries; i++ {
		if result, err = operation(); err == nil {
			return result, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !IsRetryableStatus(httpErr.StatusCode) {
			break
		}
		if i == maxRetries-1 {
			break
		}
		// apply jitter
		jitter := time.Duration(h.rnd.Int63n(int64(delay)))
		h.sleepFunc(delay + jitter)

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, err
}

// IsRetryableStatus reports whether a status is worth another attempt.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (h *httpClient) SetRandAndSleepForTest(sleep func(d time.Duration), seed int64) {
	h.sleepFunc = sleep
	h.rnd = rand.New(rand.NewSource(seed))
}
