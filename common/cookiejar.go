package common

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const sessionCookiesKey = "session_cookies"

type storedCookie struct {
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Path     string        `json:"path,omitempty"`
	Domain   string        `json:"domain,omitempty"`
	Expires  time.Time     `json:"expires,omitempty"`
	Secure   bool          `json:"secure,omitempty"`
	HttpOnly bool          `json:"http_only,omitempty"`
	SameSite http.SameSite `json:"same_site,omitempty"`
}

// PersistentJar is an http.CookieJar for the auth origin whose cookies outlive
// the process. Cookies set by the origin are mirrored into a CacheRepository and
// replayed into a fresh jar on start. Cookies for other hosts stay in memory only.
type PersistentJar struct {
	mu     sync.Mutex
	jar    *cookiejar.Jar
	origin *url.URL
	store  CacheRepository
	log    Logger
	now    func() time.Time
	saved  map[string]storedCookie
}

var _ http.CookieJar = (*PersistentJar)(nil)

// NewPersistentJar restores any unexpired cookies previously saved for origin.
func NewPersistentJar(origin string, store CacheRepository, log Logger) (*PersistentJar, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie origin: %w", err)
	}
	if log == nil {
		log = NopLogger{}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	p := &PersistentJar{
		jar:    jar,
		origin: u,
		store:  store,
		log:    log,
		now:    time.Now,
		saved:  map[string]storedCookie{},
	}
	p.restore()
	return p, nil
}

func cookieID(c storedCookie) string {
	return c.Domain + ";" + c.Path + ";" + c.Name
}

func (p *PersistentJar) restore() {
	data, found := p.store.Get(sessionCookiesKey)
	if !found {
		return
	}
	var cookies []storedCookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		p.log.Warnf("discarding unreadable session cookies: %v", err)
		p.store.Delete(sessionCookiesKey)
		return
	}

	now := p.now()
	for _, c := range cookies {
		if !c.Expires.IsZero() && now.After(c.Expires) {
			continue
		}
		if c.Path == "" {
			c.Path = "/"
		}
		p.saved[cookieID(c)] = c

		// replay against the cookie's own path so its scope is kept
		u := *p.origin
		u.Path = c.Path
		p.jar.SetCookies(&u, []*http.Cookie{{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}})
	}
}

// defaultPath is the RFC 6265 section 5.1.4 default-path of a request path.
func defaultPath(requestPath string) string {
	if requestPath == "" || requestPath[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(requestPath, "/")
	if i == 0 {
		return "/"
	}
	return requestPath[:i]
}

// SetCookies implements http.CookieJar.
func (p *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.jar.SetCookies(u, cookies)
	if u.Host != p.origin.Host {
		return
	}

	now := p.now()
	for _, c := range cookies {
		sc := storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}
		if sc.Path == "" || sc.Path[0] != '/' {
			sc.Path = defaultPath(u.Path)
		}
		if c.MaxAge > 0 {
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		expired := c.MaxAge < 0 || (!sc.Expires.IsZero() && !sc.Expires.After(now))
		if expired {
			delete(p.saved, cookieID(sc))
			continue
		}
		p.saved[cookieID(sc)] = sc
	}
	p.persist()
}

// Cookies implements http.CookieJar.
func (p *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	p.mu.Lock()
	jar := p.jar
	p.mu.Unlock()
	return jar.Cookies(u)
}

// Clear forgets every cookie, in memory and on disk.
func (p *PersistentJar) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err == nil {
		p.jar = jar
	}
	p.saved = map[string]storedCookie{}
	p.store.Delete(sessionCookiesKey)
}

func (p *PersistentJar) persist() {
	if len(p.saved) == 0 {
		p.store.Delete(sessionCookiesKey)
		return
	}
	cookies := make([]storedCookie, 0, len(p.saved))
	for _, c := range p.saved {
		cookies = append(cookies, c)
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		p.log.Errorf("encode session cookies: %v", err)
		return
	}
	p.store.Set(sessionCookiesKey, data, NoExpiration)
}
