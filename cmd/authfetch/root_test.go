package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/authfetch/common"
	"github.com/guarzo/authfetch/config"
)

// cliBackend rotates the refresh cookie on every refresh without a Path
// attribute, the way the stock backend does.
type cliBackend struct {
	mu        sync.Mutex
	issued    int
	current   string
	cookie    string
	refreshes int
}

func (b *cliBackend) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = "expired"
}

func (b *cliBackend) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

func (b *cliBackend) issue(w http.ResponseWriter, path string) {
	b.issued++
	b.current = fmt.Sprintf("T%d", b.issued)
	b.cookie = fmt.Sprintf("R%d", b.issued)
	http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: b.cookie, Path: path, HttpOnly: true, MaxAge: 3600})
	fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer"}`, b.current)
}

func (b *cliBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"message":"User registered successfully. Please check your email to verify your account.","user_id":7}`)
	})
	mux.HandleFunc("POST /auth/verify-email", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"Email verified successfully"}`)
	})
	mux.HandleFunc("POST /auth/resend-code", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"A new verification code has been sent to your email"}`)
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.issue(w, "/")
	})
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.refreshes++
		c, err := r.Cookie("refresh_token")
		if err != nil || b.cookie == "" || c.Value != b.cookie {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"Refresh token not recognized"}`)
			return
		}
		b.issue(w, "")
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cookie = ""
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /user/home", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+b.current {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"Could not validate credentials"}`)
			return
		}
		fmt.Fprint(w, `{"message":"Welcome, Ada!"}`)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"method":        r.Method,
			"trace":         r.Header.Get("X-Trace"),
			"authorization": r.Header.Get("Authorization"),
			"content_type":  r.Header.Get("Content-Type"),
			"body":          string(body),
		})
	})
	return mux
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	yml := fmt.Sprintf(`api:
  base_url: %s
session:
  store: file
  file_path: %s
log:
  level: error
`, baseURL, filepath.Join(dir, "session.json"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600))
	return dir
}

// execute runs one CLI invocation, which is a fresh process as far as the
// session is concerned.
func execute(dir string, args ...string) (string, string, error) {
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", dir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func newCLI(t *testing.T) (*cliBackend, string) {
	t.Helper()
	b := &cliBackend{}
	ts := httptest.NewServer(b.handler())
	t.Cleanup(ts.Close)
	return b, writeConfig(t, ts.URL)
}

func TestCLI_SessionAcrossInvocations(t *testing.T) {
	b, dir := newCLI(t)

	out, _, err := execute(dir, "status")
	require.NoError(t, err)
	assert.Equal(t, "no access token\n", out)

	out, _, err = execute(dir, "login", "--email", "a@b.com", "--password", "x")
	require.NoError(t, err)
	assert.Equal(t, "-> dashboard.html\n", out)

	out, _, err = execute(dir, "status")
	require.NoError(t, err)
	assert.Equal(t, "access token stored\n", out)

	// each refresh rotates the cookie; the next invocation must send the new one
	for i := 0; i < 3; i++ {
		b.expire()
		out, _, err = execute(dir, "home")
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, "Welcome, Ada!\n", out)
	}
	assert.Equal(t, 3, b.refreshCount())

	out, _, err = execute(dir, "logout")
	require.NoError(t, err)
	assert.Equal(t, "-> index.html\n", out)

	_, _, err = execute(dir, "home")
	assert.EqualError(t, err, "session expired, log in again")
}

func TestCLI_FetchHeadersAndMetrics(t *testing.T) {
	_, dir := newCLI(t)
	_, _, err := execute(dir, "login", "--email", "a@b.com", "--password", "x")
	require.NoError(t, err)

	out, errOut, err := execute(dir, "--metrics", "fetch", "post", "/echo",
		"-H", "X-Trace: abc", "-H", "Content-Type: text/plain", "-d", `{"a":1}`)
	require.NoError(t, err)

	var echoed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &echoed))
	assert.Equal(t, map[string]string{
		"method":        http.MethodPost,
		"trace":         "abc",
		"authorization": "Bearer T1",
		"content_type":  "application/json",
		"body":          `{"a":1}`,
	}, echoed)

	assert.Contains(t, errOut, "200 OK")
	assert.Contains(t, errOut, `authfetch_requests_total{outcome="ok"} 1`)
}

func TestCLI_FetchRejectsMalformedHeader(t *testing.T) {
	_, dir := newCLI(t)

	_, _, err := execute(dir, "fetch", "GET", "/echo", "-H", "no-colon")
	assert.EqualError(t, err, `bad header "no-colon", want Name: value`)
}

func TestCLI_SignupCommands(t *testing.T) {
	_, dir := newCLI(t)

	out, _, err := execute(dir, "register", "--email", "new@b.com", "--name", "Ada Lovelace", "--password", "Str0ngPass")
	require.NoError(t, err)
	assert.Contains(t, out, "registered successfully")

	out, _, err = execute(dir, "resend-code", "--email", "new@b.com")
	require.NoError(t, err)
	assert.Equal(t, "A new verification code has been sent to your email\n", out)

	out, _, err = execute(dir, "verify", "123456", "--email", "new@b.com")
	require.NoError(t, err)
	assert.Equal(t, "Email verified successfully\n", out)

	_, _, err = execute(dir, "verify", "12", "--email", "new@b.com")
	assert.EqualError(t, err, "code must be 6 digits")
}

func TestNewCacheRepository(t *testing.T) {
	mr := miniredis.RunT(t)

	newCfg := func(store string) *config.Config {
		cfg := &config.Config{}
		cfg.Session.Store = store
		cfg.Session.FilePath = filepath.Join(t.TempDir(), "session.json")
		cfg.Session.Redis.Addr = mr.Addr()
		cfg.Session.Redis.KeyPrefix = "cli"
		return cfg
	}

	for _, kind := range []string{config.StoreMemory, config.StoreFile, config.StoreRedis} {
		t.Run(kind, func(t *testing.T) {
			store, closer, err := newCacheRepository(newCfg(kind), common.NopLogger{})
			require.NoError(t, err)
			if closer != nil {
				defer closer.Close()
			}
			assert.Equal(t, kind == config.StoreRedis, closer != nil)

			store.Set("k", []byte("v"), time.Minute)
			got, found := store.Get("k")
			assert.True(t, found)
			assert.Equal(t, []byte("v"), got)
		})
	}

	_, _, err := newCacheRepository(newCfg("etcd"), common.NopLogger{})
	assert.EqualError(t, err, `unknown session store "etcd"`)
}
