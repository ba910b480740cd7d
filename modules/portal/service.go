package portal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/guarzo/authfetch/common"
	"github.com/guarzo/authfetch/common/model"
	"github.com/guarzo/authfetch/modules/authapi"
	"github.com/guarzo/authfetch/modules/authfetch"
)

// Navigator moves the user between views. In a browser this is a redirect; the
// CLI prints the target.
type Navigator interface {
	Navigate(view string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(view string)

func (f NavigatorFunc) Navigate(view string) { f(view) }

// Views names the two landing views.
type Views struct {
	Public        string
	Authenticated string
}

// DefaultViews matches the stock frontend.
var DefaultViews = Views{
	Public:        "index.html",
	Authenticated: "dashboard.html",
}

// DefaultGuardTimeout bounds CheckLoggedIn.
const DefaultGuardTimeout = 5 * time.Second

// HomePath is the protected welcome endpoint.
const HomePath = "/user/home"

// PortalService holds the page flows: login, the public-page guard, protected
// fetches that bounce to the public view when the session is gone, and logout.
type PortalService interface {
	Login(ctx context.Context, email, password string) error
	CheckLoggedIn(ctx context.Context) bool
	Fetch(ctx context.Context, method, urlStr string, body []byte, header http.Header) (*authfetch.Response, error)
	Home(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
}

// Tokens is the subset of session.Store the service writes.
type Tokens interface {
	SetToken(token string)
	Clear()
}

// CookieClearer forgets the locally held refresh cookie.
type CookieClearer interface {
	Clear()
}

// Config groups the service collaborators. Cookies is optional; without it a
// failed server-side logout leaves the refresh cookie usable.
type Config struct {
	Auth         authapi.AuthApiClient
	Client       authfetch.AuthFetchClient
	Tokens       Tokens
	Cookies      CookieClearer
	Navigator    Navigator
	Views        Views
	GuardTimeout time.Duration
	Logger       common.Logger
}

type portalService struct {
	auth         authapi.AuthApiClient
	client       authfetch.AuthFetchClient
	tokens       Tokens
	cookies      CookieClearer
	nav          Navigator
	views        Views
	guardTimeout time.Duration
	log          common.Logger
}

// NewPortalService constructs a PortalService.
func NewPortalService(cfg Config) PortalService {
	if cfg.Views.Public == "" {
		cfg.Views.Public = DefaultViews.Public
	}
	if cfg.Views.Authenticated == "" {
		cfg.Views.Authenticated = DefaultViews.Authenticated
	}
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = DefaultGuardTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = common.NopLogger{}
	}
	if cfg.Navigator == nil {
		cfg.Navigator = NavigatorFunc(func(string) {})
	}
	return &portalService{
		auth:         cfg.Auth,
		client:       cfg.Client,
		tokens:       cfg.Tokens,
		cookies:      cfg.Cookies,
		nav:          cfg.Navigator,
		views:        cfg.Views,
		guardTimeout: cfg.GuardTimeout,
		log:          cfg.Logger,
	}
}

// Login stores the new token and moves to the authenticated view. The returned
// error's message is meant for the user; nothing is navigated on failure.
func (s *portalService) Login(ctx context.Context, email, password string) error {
	tok, err := s.auth.Login(ctx, email, password)
	if err != nil {
		var loginErr *authapi.LoginError
		if errors.As(err, &loginErr) {
			return loginErr
		}
		s.log.Warnf("login failed: %v", err)
		return &authapi.LoginError{Detail: authapi.DefaultLoginFailure, Err: err}
	}

	s.tokens.SetToken(tok.AccessToken)
	s.nav.Navigate(s.views.Authenticated)
	return nil
}

// CheckLoggedIn is the public-page guard. When a session cookie is still valid it
// navigates forward and returns true. Any failure leaves the user where they are.
func (s *portalService) CheckLoggedIn(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.guardTimeout)
	defer cancel()

	if !s.client.Refresh(ctx) {
		s.log.Debugf("no live session, staying on %s", s.views.Public)
		return false
	}
	s.nav.Navigate(s.views.Authenticated)
	return true
}

// Fetch runs an authenticated request. When the session cannot be recovered the
// token is cleared, the user is sent to the public view once, and ErrAuthExpired
// is returned with a nil response.
func (s *portalService) Fetch(ctx context.Context, method, urlStr string, body []byte, header http.Header) (*authfetch.Response, error) {
	resp, err := s.client.Do(ctx, method, urlStr, body, header)
	if errors.Is(err, authfetch.ErrAuthExpired) {
		s.tokens.Clear()
		s.nav.Navigate(s.views.Public)
		return nil, err
	}
	return resp, err
}

// Home returns the welcome message of the protected home endpoint.
func (s *portalService) Home(ctx context.Context) (string, error) {
	resp, err := s.Fetch(ctx, http.MethodGet, HomePath, nil, nil)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", &common.HTTPError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	var msg model.MessageResponse
	if err := resp.DecodeJSON(&msg); err != nil {
		return "", err
	}
	return msg.Message, nil
}

// Logout revokes the session server-side, then always drops the local token and
// refresh cookie and returns to the public view. A failed revoke is reported but
// not fatal locally.
func (s *portalService) Logout(ctx context.Context) error {
	err := s.auth.Logout(ctx)
	if err != nil {
		s.log.Warnf("logout request failed: %v", err)
	}
	s.tokens.Clear()
	if s.cookies != nil {
		s.cookies.Clear()
	}
	s.nav.Navigate(s.views.Public)
	return err
}
