package authfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/guarzo/authfetch/common"
	"github.com/guarzo/authfetch/common/model"
	"github.com/guarzo/authfetch/modules/session"
)

var (
	// ErrAuthExpired means the request was rejected and the refresh failed.
	// Nothing was retried; the caller should send the user back to the public view.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrTransport wraps failures where no HTTP response was obtained.
	ErrTransport = errors.New("transport failure")
)

// RequestIDHeader is set on every outgoing request. A retry reuses the id.
const RequestIDHeader = "X-Request-ID"

// TokenStore is the slot the client reads before each send and writes after a
// refresh. An empty AccessToken means the request goes out without credentials.
type TokenStore interface {
	oauth2.TokenSource
	SetToken(token string)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into out.
func (r *Response) DecodeJSON(out interface{}) error {
	return model.JSONUnmarshal(r.Body, out)
}

// AuthFetchClient issues requests that need a bearer token and recovers once
// from a stale token by refreshing it.
type AuthFetchClient interface {
	// Do sends the request. It returns (resp, nil) for any response that is not
	// an unrecovered auth failure, ErrAuthExpired when the refresh failed and an
	// error wrapping ErrTransport when no response was obtained.
	Do(ctx context.Context, method, urlStr string, body []byte, header http.Header) (*Response, error)
	// Refresh mints a new access token and stores it. It never returns an error.
	Refresh(ctx context.Context) bool
	GetJSON(ctx context.Context, urlStr string, out interface{}) error
	PostJSON(ctx context.Context, urlStr string, in, out interface{}, expectedStatus ...int) error
}

// Options tune an AuthFetchClient.
type Options struct {
	// DedupeRefresh shares one in-flight refresh between concurrent callers.
	// When false every rejected request refreshes on its own.
	DedupeRefresh bool
	Metrics       *Metrics
	Logger        common.Logger
}

type authFetchClient struct {
	baseURL    string
	httpClient common.HttpClient
	authClient common.AuthClient
	tokens     TokenStore
	dedupe     bool
	group      singleflight.Group
	metrics    *Metrics
	log        common.Logger
}

// NewAuthFetchClient wires the request path. httpClient must not carry cookies;
// authClient is the only component that sees the refresh credential.
func NewAuthFetchClient(baseURL string, httpClient common.HttpClient, authClient common.AuthClient, tokens TokenStore, opts Options) AuthFetchClient {
	log := opts.Logger
	if log == nil {
		log = common.NopLogger{}
	}
	return &authFetchClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		authClient: authClient,
		tokens:     tokens,
		dedupe:     opts.DedupeRefresh,
		metrics:    opts.Metrics,
		log:        log,
	}
}

func (c *authFetchClient) Do(ctx context.Context, method, urlStr string, body []byte, header http.Header) (*Response, error) {
	fullURL, err := c.resolve(urlStr)
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	log := common.WithFields(c.log, logrus.Fields{"request_id": reqID, "method": method, "url": fullURL})

	resp, err := c.execute(ctx, method, fullURL, body, header, c.currentToken(log), reqID)
	if err != nil {
		log.Warnf("request failed: %v", err)
		c.metrics.request(OutcomeTransport)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if !isAuthFailure(resp.StatusCode) {
		c.metrics.request(OutcomeOK)
		return resp, nil
	}

	log.Infof("request rejected with %d, refreshing access token", resp.StatusCode)
	fresh, err := c.mint(ctx)
	if err != nil {
		// a cancelled caller says nothing about the session
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.request(OutcomeTransport)
			return nil, fmt.Errorf("%w: %w", ErrTransport, ctxErr)
		}
		c.metrics.request(OutcomeAuthExpired)
		return nil, ErrAuthExpired
	}

	// single retry with the minted token; its status is returned as is
	resp, err = c.execute(ctx, method, fullURL, body, header, fresh, reqID)
	if err != nil {
		log.Warnf("retry failed: %v", err)
		c.metrics.request(OutcomeTransport)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.metrics.request(OutcomeRetried)
	return resp, nil
}

func (c *authFetchClient) Refresh(ctx context.Context) bool {
	_, err := c.mint(ctx)
	return err == nil
}

// mint runs a refresh, shared between concurrent callers when dedupe is on.
func (c *authFetchClient) mint(ctx context.Context) (*oauth2.Token, error) {
	if !c.dedupe {
		return c.refresh(ctx)
	}

	// The shared call must not die with whichever caller started it.
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *authFetchClient) currentToken(log common.Logger) *oauth2.Token {
	tok, err := c.tokens.Token()
	if err != nil {
		log.Warnf("read access token: %v", err)
		return nil
	}
	return tok
}

func (c *authFetchClient) refresh(ctx context.Context) (*oauth2.Token, error) {
	if c.authClient == nil {
		c.metrics.refresh(RefreshFailure)
		return nil, errors.New("no auth client configured")
	}

	tok, err := c.authClient.Refresh(ctx)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("empty token from refresh")
	}
	if err != nil {
		c.log.Infof("token refresh failed: %v", err)
		c.metrics.refresh(RefreshFailure)
		return nil, err
	}

	c.tokens.SetToken(tok.AccessToken)
	c.metrics.refresh(RefreshSuccess)
	if info := session.Describe(tok.AccessToken); info.IsJWT {
		c.log.Debugf("access token refreshed (sub=%s, exp=%s)", info.Subject, info.ExpiresAt)
	} else {
		c.log.Debugf("access token refreshed")
	}
	return tok, nil
}

// GetJSON retrieves JSON and unmarshals into out. 5xx answers are retried with backoff.
func (c *authFetchClient) GetJSON(ctx context.Context, urlStr string, out interface{}) error {
	operation := func() (interface{}, error) {
		resp, err := c.Do(ctx, http.MethodGet, urlStr, nil, nil)
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, &common.HTTPError{StatusCode: resp.StatusCode, Body: resp.Body}
		}
		return resp, nil
	}

	result, err := c.httpClient.RetryWithExponentialBackoff(operation)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return result.(*Response).DecodeJSON(out)
}

// PostJSON sends in as JSON. With no expectedStatus any 2xx is accepted.
func (c *authFetchClient) PostJSON(ctx context.Context, urlStr string, in, out interface{}, expectedStatus ...int) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = b
	}

	resp, err := c.Do(ctx, http.MethodPost, urlStr, payload, nil)
	if err != nil {
		return err
	}
	if !statusMatches(resp.StatusCode, expectedStatus) {
		return &common.HTTPError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.DecodeJSON(out)
}

// execute does the low-level HTTP. Caller headers go first; Content-Type and
// Authorization are then forced.
func (c *authFetchClient) execute(ctx context.Context, method, urlStr string, body []byte, header http.Header, token *oauth2.Token, reqID string) (*Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vs := range header {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, reqID)
	if token != nil && token.AccessToken != "" {
		token.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// resolve makes relative paths absolute against baseURL.
func (c *authFetchClient) resolve(urlStr string) (string, error) {
	ref, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func statusMatches(statusCode int, expected []int) bool {
	if len(expected) == 0 {
		return statusCode >= 200 && statusCode < 300
	}
	for _, s := range expected {
		if statusCode == s {
			return true
		}
	}
	return false
}
