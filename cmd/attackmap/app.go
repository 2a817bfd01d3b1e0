package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/adapters/ctid"
	"github.com/exploopio/attackmap/pkg/adapters/elastic"
	"github.com/exploopio/attackmap/pkg/adapters/mitre"
	"github.com/exploopio/attackmap/pkg/adapters/sentinel"
	"github.com/exploopio/attackmap/pkg/adapters/sigma"
	"github.com/exploopio/attackmap/pkg/adapters/splunk"
	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/cache"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/credentials"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/fusion"
	"github.com/exploopio/attackmap/pkg/health"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/metrics"
	"github.com/exploopio/attackmap/pkg/store"
	"github.com/exploopio/attackmap/pkg/validation"
)

// validationTokenKey is the credential key of the oracle bearer token.
const validationTokenKey = "validation.token"

// app holds what a command needs. Everything is built on first use and
// released by close.
type app struct {
	cfg     *Config
	logger  logging.Logger
	metrics *metrics.PrometheusCollector

	store    *store.Store
	taxonomy *attack.Service
	creds    credentials.Store
	cache    cache.Cache
	oracle   validation.Oracle
	registry *adapters.Registry
	fusion   *fusion.Orchestrator

	closers []io.Closer
}

func newApp(cfg *Config, logger logging.Logger) *app {
	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewPrometheusCollector(&metrics.PrometheusConfig{RegisterDefaultMetrics: true}),
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close: %v", err)
		}
	}
	a.closers = nil
}

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	cfg := a.cfg.Store
	cfg.Logger = a.logger.With("store")
	s, err := store.Open(&cfg)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s)
	return s, nil
}

func (a *app) taxonomyService() *attack.Service {
	if a.taxonomy != nil {
		return a.taxonomy
	}
	var src attack.Source
	if a.cfg.Taxonomy.File != "" {
		src = &attack.FileSource{Path: a.cfg.Taxonomy.File}
	} else {
		h := attack.NewHTTPSource(a.cfg.Taxonomy.URL, a.cfg.Taxonomy.Version, a.cfg.Taxonomy.CacheDir, a.logger.With("attack"))
		h.Timeout = a.cfg.Taxonomy.Timeout
		h.Retries = a.cfg.Taxonomy.Retries
		src = h
	}
	a.taxonomy = attack.NewService(src, attack.WithLogger(a.logger.With("attack")), attack.WithMetrics(a.metrics))
	return a.taxonomy
}

// credentialStore chains the environment, the encrypted file and the
// database secret store. The last two need the encryption key.
func (a *app) credentialStore() (credentials.Store, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	c := a.cfg.Credentials
	stores := []credentials.Store{credentials.NewEnvStore(c.EnvPrefix)}

	enc, err := credentials.NewAESEncryptorFromEnv(c.KeyEnv)
	switch {
	case err == nil:
		if c.File != "" {
			fs, err := credentials.NewEncryptedFileStore(c.File, enc)
			if err != nil {
				return nil, err
			}
			stores = append(stores, fs)
		}
		s, err := a.openStore()
		if err != nil {
			return nil, err
		}
		stores = append(stores, s.Secrets(enc))
	case errors.IsNotFound(err):
		if c.File != "" {
			a.logger.Warn("credentials file %s ignored: %s is not set", c.File, c.KeyEnv)
		}
	default:
		return nil, err
	}

	a.creds = credentials.NewChainedStore(stores...)
	return a.creds, nil
}

// secretStore is the writable database store behind `attackmap secret`.
func (a *app) secretStore() (*store.SecretStore, error) {
	enc, err := credentials.NewAESEncryptorFromEnv(a.cfg.Credentials.KeyEnv)
	if err != nil {
		return nil, err
	}
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return s.Secrets(enc), nil
}

func (a *app) resultCache() (cache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	c := a.cfg.Cache
	switch c.Backend {
	case "memory":
		a.cache = cache.NewMemory(c.TTL)
	case "sqlite":
		s, err := a.openStore()
		if err != nil {
			return nil, err
		}
		a.cache = cache.NewSQLite(s, c.TTL)
	case "redis":
		r, err := cache.NewRedis(cache.RedisOptions{
			URL:            c.Redis.URL,
			Prefix:         c.Redis.Prefix,
			TTL:            c.TTL,
			ConnectTimeout: c.Redis.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.cache = r
		a.closers = append(a.closers, r)
	default:
		a.cache = cache.Nop{}
	}
	return a.cache, nil
}

// healthHandler checks what the watch loop depends on. The shared cache is
// optional: results are recomputed without it.
func (a *app) healthHandler() (*health.Handler, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	h := health.NewHandler(health.WithVersion(appVersion))
	h.Register("store", &health.PingCheck{Ping: s.Ping})
	h.Register("taxonomy", &health.TaxonomyCheck{Service: a.taxonomyService()})
	h.Register("disk", &health.DiskCheck{Path: filepath.Dir(a.cfg.Store.Path), MinFreePercent: 5})
	if r, ok := a.cache.(*cache.Redis); ok {
		h.Register("cache", &health.PingCheck{Ping: r.Ping, Degrade: true})
	}
	return h, nil
}

func (a *app) validationOracle(ctx context.Context) (validation.Oracle, error) {
	if a.oracle != nil {
		return a.oracle, nil
	}
	if !a.cfg.Validation.Enabled {
		a.oracle = validation.Nop{}
		return a.oracle, nil
	}
	creds, err := a.credentialStore()
	if err != nil {
		return nil, err
	}
	cfg := a.cfg.Validation.Config
	if cfg.Token, err = credentials.Lookup(ctx, creds, validationTokenKey); err != nil {
		return nil, err
	}
	o, err := validation.NewGRPCOracle(&cfg)
	if err != nil {
		return nil, err
	}
	a.oracle = o
	a.closers = append(a.closers, o)
	return o, nil
}

// adapterRegistry registers every enabled adapter in priority order.
func (a *app) adapterRegistry(ctx context.Context) (*adapters.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	reg, err := adapters.NewRegistry(a.logger.With("adapters"))
	if err != nil {
		return nil, err
	}
	svc := a.taxonomyService()
	for _, src := range mapping.PriorityOrder {
		ac := a.cfg.Adapters[string(src)]
		if ac == nil || !ac.Enabled {
			continue
		}
		opts := adapters.Options{
			Logger:    a.logger.With("adapters." + string(src)),
			Metrics:   a.metrics,
			BatchSize: a.cfg.Fusion.BatchSize,
		}

		var ad adapters.Adapter
		if src == mapping.SourceMITRE {
			ad = mitre.New(svc, opts)
		} else {
			cs, err := a.corpusFor(ctx, src, ac)
			if err != nil {
				return nil, fmt.Errorf("adapter %s: %w", src, err)
			}
			switch src {
			case mapping.SourceCTID:
				ad = ctid.New(cs, svc, opts)
			case mapping.SourceSigma:
				ad = sigma.New(cs, svc, opts)
			case mapping.SourceElastic:
				ad = elastic.New(cs, svc, opts)
			case mapping.SourceSplunk:
				ad = splunk.New(cs, svc, opts)
			case mapping.SourceSentinel:
				ad = sentinel.New(cs, svc, opts)
			}
		}
		if err := reg.Register(ad); err != nil {
			return nil, err
		}
		if err := reg.SetWhen(src, ac.When); err != nil {
			return nil, err
		}
	}
	a.registry = reg
	return reg, nil
}

// corpusFor builds the corpus of one adapter: its mirror, its remote, or
// both behind a fallback.
func (a *app) corpusFor(ctx context.Context, src mapping.Source, ac *AdapterConfig) (corpus.Source, error) {
	logger := a.logger.With("corpus." + string(src))
	var local, remote corpus.Source
	if ac.Mirror != "" {
		local = corpus.NewLocalMirror(ac.Mirror)
	}

	if ac.Remote != "" {
		creds, err := a.credentialStore()
		if err != nil {
			return nil, err
		}
		token, err := credentials.Lookup(ctx, creds, credentials.AdapterTokenKey(string(src)))
		if err != nil {
			return nil, err
		}
		switch ac.Remote {
		case "github":
			cfg := ac.GitHub
			cfg.Token = token
			gh, err := corpus.NewGitHubIndex(cfg, logger)
			if err != nil {
				return nil, err
			}
			remote = gh
		case "gitlab":
			cfg := ac.GitLab
			cfg.Token = token
			gl, err := corpus.NewGitLabIndex(cfg, logger)
			if err != nil {
				return nil, err
			}
			remote = gl
		}
	}

	if remote == nil && local != nil {
		return local, nil
	}
	return corpus.NewFallback(local, remote, logger), nil
}

func (a *app) orchestrator(ctx context.Context) (*fusion.Orchestrator, error) {
	if a.fusion != nil {
		return a.fusion, nil
	}
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	reg, err := a.adapterRegistry(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.resultCache()
	if err != nil {
		return nil, err
	}
	o, err := a.validationOracle(ctx)
	if err != nil {
		return nil, err
	}
	a.fusion = fusion.New(reg, a.taxonomyService(), s, fusion.Options{
		Cache:          c,
		Oracle:         o,
		Workers:        a.cfg.Fusion.Workers,
		TrustedSources: a.cfg.trustedSources(),
		Logger:         a.logger.With("fusion"),
		Metrics:        a.metrics,
	})
	return a.fusion, nil
}
