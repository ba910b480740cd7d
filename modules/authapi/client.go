package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/guarzo/authfetch/common"
	"github.com/guarzo/authfetch/common/model"
)

// Messages shown when the backend gives no usable detail.
const (
	DefaultLoginFailure    = "Login failed"
	DefaultRegisterFailure = "Registration failed"
	DefaultVerifyFailure   = "Verification failed"
	DefaultResendFailure   = "Could not resend verification code"
)

// ErrRefreshRejected is returned when the refresh endpoint answers non-2xx.
var ErrRefreshRejected = errors.New("refresh rejected")

// LoginError is a rejected login or sign-up step. Detail is safe to show to the user.
type LoginError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *LoginError) Error() string {
	return e.Detail
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// Paths are the auth endpoints relative to the base URL.
type Paths struct {
	Login       string
	Refresh     string
	Logout      string
	Register    string
	VerifyEmail string
	ResendCode  string
}

// DefaultPaths matches the stock backend.
var DefaultPaths = Paths{
	Login:       "/auth/login",
	Refresh:     "/auth/refresh",
	Logout:      "/auth/logout",
	Register:    "/auth/register",
	VerifyEmail: "/auth/verify-email",
	ResendCode:  "/auth/resend-code",
}

// AuthApiClient talks to the auth endpoints. It must be built on a credentialed
// HttpClient: login stores the refresh cookie in the jar, refresh and logout send it.
type AuthApiClient interface {
	common.AuthClient
	Login(ctx context.Context, email, password string) (*oauth2.Token, error)
	Logout(ctx context.Context) error
	// Register creates an unverified account; login answers 403 until VerifyEmail succeeds.
	Register(ctx context.Context, req model.RegisterRequest) (*model.RegisterResponse, error)
	VerifyEmail(ctx context.Context, email, code string) (string, error)
	ResendCode(ctx context.Context, email string) (string, error)
}

type authApiClient struct {
	baseURL  string
	client   common.HttpClient
	paths    Paths
	validate *validator.Validate
	log      common.Logger
}

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 64 << 10

// NewAuthApiClient constructs an AuthApiClient. Empty paths fall back to DefaultPaths.
func NewAuthApiClient(baseURL string, client common.HttpClient, paths Paths, log common.Logger) AuthApiClient {
	if paths.Login == "" {
		paths.Login = DefaultPaths.Login
	}
	if paths.Refresh == "" {
		paths.Refresh = DefaultPaths.Refresh
	}
	if paths.Logout == "" {
		paths.Logout = DefaultPaths.Logout
	}
	if paths.Register == "" {
		paths.Register = DefaultPaths.Register
	}
	if paths.VerifyEmail == "" {
		paths.VerifyEmail = DefaultPaths.VerifyEmail
	}
	if paths.ResendCode == "" {
		paths.ResendCode = DefaultPaths.ResendCode
	}
	if log == nil {
		log = common.NopLogger{}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &authApiClient{
		baseURL:  baseURL,
		client:   client,
		paths:    paths,
		validate: validate,
		log:      log,
	}
}

// Login posts credentials and returns the issued access token.
func (c *authApiClient) Login(ctx context.Context, email, password string) (*oauth2.Token, error) {
	creds := model.LoginRequest{Email: strings.TrimSpace(email), Password: password}
	data, err := c.submit(ctx, c.paths.Login, creds, DefaultLoginFailure)
	if err != nil {
		var loginErr *LoginError
		if errors.As(err, &loginErr) && loginErr.StatusCode != 0 {
			c.log.Infof("login rejected for %s: status %d", creds.Email, loginErr.StatusCode)
		}
		return nil, err
	}

	tok, err := decodeToken(data)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.log.Debugf("login succeeded for %s", creds.Email)
	return tok, nil
}

// Register creates an account. The backend mails a verification code.
func (c *authApiClient) Register(ctx context.Context, req model.RegisterRequest) (*model.RegisterResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	data, err := c.submit(ctx, c.paths.Register, req, DefaultRegisterFailure)
	if err != nil {
		return nil, err
	}
	var out model.RegisterResponse
	if err := model.JSONUnmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}
	c.log.Infof("registered %s as user %d", req.Email, out.UserID)
	return &out, nil
}

// VerifyEmail confirms the mailed code and returns the backend's message.
func (c *authApiClient) VerifyEmail(ctx context.Context, email, code string) (string, error) {
	req := model.VerifyEmailRequest{Email: strings.TrimSpace(email), Code: strings.TrimSpace(code)}
	data, err := c.submit(ctx, c.paths.VerifyEmail, req, DefaultVerifyFailure)
	if err != nil {
		return "", err
	}
	return decodeMessage(data), nil
}

// ResendCode asks for a fresh verification code.
func (c *authApiClient) ResendCode(ctx context.Context, email string) (string, error) {
	req := model.ResendCodeRequest{Email: strings.TrimSpace(email)}
	data, err := c.submit(ctx, c.paths.ResendCode, req, DefaultResendFailure)
	if err != nil {
		return "", err
	}
	return decodeMessage(data), nil
}

// submit validates and posts a JSON body. Validation failures and non-2xx
// answers come back as *LoginError carrying the backend detail or fallback.
func (c *authApiClient) submit(ctx context.Context, path string, in interface{}, fallback string) ([]byte, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, &LoginError{Detail: validationDetail(err, fallback), Err: err}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	data, status, err := c.post(ctx, path, header, payload)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		detail := fallback
		var errResp model.ErrorResponse
		if jsonErr := model.JSONUnmarshal(data, &errResp); jsonErr == nil && errResp.Detail != "" {
			detail = errResp.Detail
		}
		return nil, &LoginError{
			StatusCode: status,
			Detail:     detail,
			Err:        &common.HTTPError{StatusCode: status, Body: data},
		}
	}
	return data, nil
}

// Refresh exchanges the session cookie for a new access token.
func (c *authApiClient) Refresh(ctx context.Context) (*oauth2.Token, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	data, status, err := c.post(ctx, c.paths.Refresh, header, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, &common.HTTPError{StatusCode: status, Body: data})
	}

	tok, err := decodeToken(data)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return tok, nil
}

// Logout revokes the server-side session and lets the server clear the cookie.
func (c *authApiClient) Logout(ctx context.Context) error {
	data, status, err := c.post(ctx, c.paths.Logout, nil, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &common.HTTPError{StatusCode: status, Body: data}
	}
	return nil
}

func (c *authApiClient) post(ctx context.Context, path string, header http.Header, body []byte) ([]byte, int, error) {
	urlStr, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid endpoint %q: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeToken(data []byte) (*oauth2.Token, error) {
	var tr model.TokenResponse
	if err := model.JSONUnmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response carried no access_token")
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{AccessToken: tr.AccessToken, TokenType: tokenType}, nil
}

func decodeMessage(data []byte) string {
	var msg model.MessageResponse
	if err := model.JSONUnmarshal(data, &msg); err != nil {
		return ""
	}
	return msg.Message
}

func validationDetail(err error, fallback string) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fallback
	}
	switch fe := verrs[0]; {
	case fe.Tag() == "required":
		return fe.Field() + " is required"
	case fe.Tag() == "email":
		return "Invalid email address"
	case fe.Tag() == "eqfield":
		return "Passwords do not match"
	case fe.Field() == "password" && fe.Tag() == "min":
		return "password must be at least " + fe.Param() + " characters"
	case fe.Field() == "code":
		return "code must be 6 digits"
	case fe.Field() == "full_name":
		return "full_name must be between 2 and 50 characters"
	default:
		return fallback
	}
}
