package common_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/authfetch/common"
)

func cookieNames(cookies []*http.Cookie) map[string]string {
	out := map[string]string{}
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

func TestPersistentJar_RestoresAcrossInstances(t *testing.T) {
	ts := cookieServer()
	defer ts.Close()
	store := common.NewCacheStore()

	jar, err := common.NewPersistentJar(ts.URL, store, nil)
	require.NoError(t, err)
	hc := common.NewCredentialedHttpClient("UA", &http.Client{}, 0, jar)
	get(t, hc, ts.URL+"/set")

	restored, err := common.NewPersistentJar(ts.URL, store, nil)
	require.NoError(t, err)
	hc2 := common.NewCredentialedHttpClient("UA", &http.Client{}, 0, restored)
	assert.Equal(t, "refresh_token=R1", get(t, hc2, ts.URL+"/echo"))
}

func TestPersistentJar_DeletionPersists(t *testing.T) {
	store := common.NewCacheStore()
	origin, _ := url.Parse("http://auth.example.com/")

	jar, err := common.NewPersistentJar(origin.String(), store, nil)
	require.NoError(t, err)
	jar.SetCookies(origin, []*http.Cookie{{Name: "refresh_token", Value: "R1", Path: "/", MaxAge: 3600}})
	assert.Equal(t, "R1", cookieNames(jar.Cookies(origin))["refresh_token"])

	jar.SetCookies(origin, []*http.Cookie{{Name: "refresh_token", Value: "", Path: "/", MaxAge: -1}})
	assert.Empty(t, jar.Cookies(origin))

	restored, err := common.NewPersistentJar(origin.String(), store, nil)
	require.NoError(t, err)
	assert.Empty(t, restored.Cookies(origin))
}

func TestPersistentJar_OtherHostsNotPersisted(t *testing.T) {
	store := common.NewCacheStore()
	origin, _ := url.Parse("http://auth.example.com/")
	other, _ := url.Parse("http://tracker.example.org/")

	jar, err := common.NewPersistentJar(origin.String(), store, nil)
	require.NoError(t, err)
	jar.SetCookies(other, []*http.Cookie{{Name: "t", Value: "1"}})
	assert.NotEmpty(t, jar.Cookies(other))

	_, found := store.Get("session_cookies")
	assert.False(t, found)
}

func TestPersistentJar_Clear(t *testing.T) {
	store := common.NewCacheStore()
	origin, _ := url.Parse("http://auth.example.com/")

	jar, err := common.NewPersistentJar(origin.String(), store, nil)
	require.NoError(t, err)
	jar.SetCookies(origin, []*http.Cookie{{Name: "refresh_token", Value: "R1", Path: "/"}})
	jar.Clear()

	assert.Empty(t, jar.Cookies(origin))
	_, found := store.Get("session_cookies")
	assert.False(t, found)
}

func TestPersistentJar_CorruptSnapshotDiscarded(t *testing.T) {
	store := common.NewCacheStore()
	store.Set("session_cookies", []byte("{oops"), common.NoExpiration)

	_, err := common.NewPersistentJar("http://auth.example.com/", store, nil)
	require.NoError(t, err)
	_, found := store.Get("session_cookies")
	assert.False(t, found)
}


func TestPersistentJar_RotatedCookieKeepsDefaultPath(t *testing.T) {
	store := common.NewCacheStore()
	login, _ := url.Parse("http://auth.example.com/auth/login")
	refresh, _ := url.Parse("http://auth.example.com/auth/refresh")

	jar, err := common.NewPersistentJar("http://auth.example.com", store, nil)
	require.NoError(t, err)
	jar.SetCookies(login, []*http.Cookie{{Name: "refresh_token", Value: "A", Path: "/", MaxAge: 3600}})
	// the refresh endpoint rotates without a Path attribute
	jar.SetCookies(refresh, []*http.Cookie{{Name: "refresh_token", Value: "B", MaxAge: 3600}})

	live := jar.Cookies(refresh)
	require.NotEmpty(t, live)
	assert.Equal(t, "B", live[0].Value)

	for i := 0; i < 50; i++ {
		restored, err := common.NewPersistentJar("http://auth.example.com", store, nil)
		require.NoError(t, err)
		got := restored.Cookies(refresh)
		require.Len(t, got, 2)
		assert.Equal(t, "B", got[0].Value, "rotated cookie goes first after a restart")
		assert.Equal(t, "A", got[1].Value)

		root, _ := url.Parse("http://auth.example.com/user/home")
		assert.Equal(t, []string{"A"}, cookieValues(restored.Cookies(root)), "path scope survives the restart")
	}
}

func cookieValues(cookies []*http.Cookie) []string {
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.Value)
	}
	return out
}
