package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/guarzo/authfetch/common"
	"github.com/guarzo/authfetch/config"
	"github.com/guarzo/authfetch/modules/authapi"
	"github.com/guarzo/authfetch/modules/authfetch"
	"github.com/guarzo/authfetch/modules/portal"
	"github.com/guarzo/authfetch/modules/session"
)

// app is everything a command needs, wired from config.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	tokens   *session.Store
	auth     authapi.AuthApiClient
	client   authfetch.AuthFetchClient
	portal   portal.PortalService
	closers  []io.Closer
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	log := common.NewLogger(cfg.Log.Level, cfg.Log.Format)

	store, closer, err := newCacheRepository(cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	jar, err := common.NewPersistentJar(cfg.API.BaseURL, store, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tokens = session.NewStore(store)

	authHTTP := common.NewCredentialedHttpClient(cfg.API.UserAgent, &http.Client{}, cfg.API.Timeout, jar)
	apiHTTP := common.NewHttpClient(cfg.API.UserAgent, &http.Client{}, cfg.API.Timeout)

	a.auth = authapi.NewAuthApiClient(cfg.API.BaseURL, authHTTP, authapi.Paths{
		Login:       cfg.API.LoginPath,
		Refresh:     cfg.API.RefreshPath,
		Logout:      cfg.API.LogoutPath,
		Register:    cfg.API.RegisterPath,
		VerifyEmail: cfg.API.VerifyPath,
		ResendCode:  cfg.API.ResendPath,
	}, log)

	a.client = authfetch.NewAuthFetchClient(cfg.API.BaseURL, apiHTTP, a.auth, a.tokens, authfetch.Options{
		DedupeRefresh: cfg.Session.DedupeRefresh,
		Metrics:       authfetch.NewMetrics(a.registry),
		Logger:        log,
	})

	a.portal = portal.NewPortalService(portal.Config{
		Auth:    a.auth,
		Client:  a.client,
		Tokens:  a.tokens,
		Cookies: jar,
		Navigator: portal.NavigatorFunc(func(view string) {
			fmt.Fprintf(out, "-> %s\n", view)
		}),
		Views: portal.Views{
			Public:        cfg.Views.Public,
			Authenticated: cfg.Views.Authenticated,
		},
		GuardTimeout: cfg.Views.GuardTimeout,
		Logger:       log,
	})
	return a, nil
}

func newCacheRepository(cfg *config.Config, log common.Logger) (common.CacheRepository, io.Closer, error) {
	switch cfg.Session.Store {
	case config.StoreMemory:
		return common.NewCacheStore(), nil, nil
	case config.StoreFile:
		return common.NewFileCache(cfg.Session.FilePath, log), nil, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		})
		return common.NewRedisCache(rdb, cfg.Session.Redis.KeyPrefix, log), rdb, nil
	}
	return nil, nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
}

// writeMetrics dumps the client counters in the Prometheus text format.
func (a *app) writeMetrics(w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warnf("close: %v", err)
		}
	}
}
