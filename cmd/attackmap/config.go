package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/cache"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/fusion"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/store"
	"github.com/exploopio/attackmap/pkg/validation"
)

// Config is the attackmap configuration file. Secrets are never read from
// it; see CredentialsConfig.
type Config struct {
	Taxonomy    TaxonomyConfig            `yaml:"taxonomy"`
	Store       store.Config              `yaml:"store"`
	Cache       CacheConfig               `yaml:"cache"`
	Fusion      FusionConfig              `yaml:"fusion"`
	Adapters    map[string]*AdapterConfig `yaml:"adapters"`
	Validation  ValidationConfig          `yaml:"validation"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Credentials CredentialsConfig         `yaml:"credentials"`
	Log         logging.Config            `yaml:"log"`
}

// TaxonomyConfig locates the ATT&CK bundle.
type TaxonomyConfig struct {
	// URL of the STIX bundle (default: enterprise ATT&CK on GitHub)
	URL string `yaml:"url"`

	// File reads the bundle from disk instead of URL (.json or .json.zst).
	File string `yaml:"file"`

	// CacheDir keeps downloaded bundles per Version.
	CacheDir string        `yaml:"cache_dir"`
	Version  string        `yaml:"version"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// CacheConfig selects the adapter result cache.
type CacheConfig struct {
	// Backend is one of none, memory, sqlite, redis.
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`

	Redis struct {
		URL            string        `yaml:"url"`
		Prefix         string        `yaml:"prefix"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"redis"`
}

// FusionConfig tunes the orchestrator.
type FusionConfig struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`

	// TrustedSources are never downgraded to heuristic stream status.
	TrustedSources []string `yaml:"trusted_sources"`
}

// AdapterConfig configures one adapter. Corpus adapters read Mirror first
// and fall back to Remote.
type AdapterConfig struct {
	Enabled bool `yaml:"enabled"`

	// Mirror is a local checkout of the corpus.
	Mirror string `yaml:"mirror"`

	// Remote is github, gitlab or empty.
	Remote string              `yaml:"remote"`
	GitHub corpus.GitHubConfig `yaml:"github"`
	GitLab corpus.GitLabConfig `yaml:"gitlab"`

	// When is a CEL expression over product_type and platforms that
	// replaces the adapter's own applicability check.
	When string `yaml:"when"`
}

// ValidationConfig configures the optional validation oracle.
type ValidationConfig struct {
	Enabled           bool `yaml:"enabled"`
	validation.Config `yaml:",inline"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address /metrics is served on by long-running
	// commands. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// CredentialsConfig says where adapter and oracle tokens come from. Stores
// are consulted in order: environment, encrypted file, database.
type CredentialsConfig struct {
	EnvPrefix string `yaml:"env_prefix"`

	// File is an AES-GCM encrypted JSON file.
	File string `yaml:"file"`

	// KeyEnv names the variable holding the base64 AES-256 key used by
	// File and by the database secret store.
	KeyEnv string `yaml:"key_env"`
}

// defaultCorpora are the upstream repositories of each corpus adapter.
var defaultCorpora = map[mapping.Source]corpus.GitHubConfig{
	mapping.SourceCTID:     {Owner: "center-for-threat-informed-defense", Repo: "mappings-explorer", Ref: "main", Path: "mappings"},
	mapping.SourceSigma:    {Owner: "SigmaHQ", Repo: "sigma", Ref: "master", Path: "rules"},
	mapping.SourceElastic:  {Owner: "elastic", Repo: "detection-rules", Ref: "main", Path: "rules"},
	mapping.SourceSplunk:   {Owner: "splunk", Repo: "security_content", Ref: "develop", Path: "detections"},
	mapping.SourceSentinel: {Owner: "Azure", Repo: "Azure-Sentinel", Ref: "master", Path: "Solutions"},
}

// DefaultConfig returns a configuration with every default filled in. Only
// the taxonomy adapter is enabled; corpus adapters need a mirror or remote.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".attackmap")

	cfg := &Config{
		Taxonomy: TaxonomyConfig{
			URL:      attack.DefaultBundleURL,
			CacheDir: filepath.Join(base, "taxonomy"),
			Timeout:  attack.DefaultTimeout,
			Retries:  attack.DefaultRetries,
		},
		Store: *store.DefaultConfig(),
		Cache: CacheConfig{Backend: "sqlite", TTL: cache.DefaultTTL},
		Fusion: FusionConfig{
			Workers:   fusion.DefaultWorkers,
			BatchSize: 50,
		},
		Adapters:   make(map[string]*AdapterConfig),
		Validation: ValidationConfig{Config: *validation.DefaultConfig()},
		Credentials: CredentialsConfig{
			EnvPrefix: "ATTACKMAP_",
			KeyEnv:    "ATTACKMAP_SECRET_KEY",
		},
		Log: logging.Config{Level: "info", Format: "console"},
	}
	for _, src := range mapping.PriorityOrder {
		ac := &AdapterConfig{Enabled: src == mapping.SourceMITRE}
		if gh, ok := defaultCorpora[src]; ok {
			ac.GitHub = gh
		}
		cfg.Adapters[string(src)] = ac
	}
	return cfg
}

// LoadConfig reads path over DefaultConfig and validates the result. An
// empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects inconsistent
// settings.
func (c *Config) Validate() error {
	if c.Taxonomy.URL == "" && c.Taxonomy.File == "" {
		c.Taxonomy.URL = attack.DefaultBundleURL
	}
	if c.Taxonomy.Timeout <= 0 {
		c.Taxonomy.Timeout = attack.DefaultTimeout
	}
	if c.Taxonomy.Retries <= 0 {
		c.Taxonomy.Retries = attack.DefaultRetries
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	switch c.Cache.Backend {
	case "":
		c.Cache.Backend = "none"
	case "none", "memory", "sqlite":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = cache.DefaultTTL
	}

	if c.Fusion.Workers <= 0 {
		c.Fusion.Workers = fusion.DefaultWorkers
	}
	for _, s := range c.Fusion.TrustedSources {
		if _, ok := mapping.ParseSource(s); !ok {
			return fmt.Errorf("fusion.trusted_sources: unknown source %q", s)
		}
	}

	for name, ac := range c.Adapters {
		src, ok := mapping.ParseSource(name)
		if !ok {
			return fmt.Errorf("adapters: unknown adapter %q", name)
		}
		if ac == nil {
			c.Adapters[name] = &AdapterConfig{}
			continue
		}
		ac.Remote = strings.ToLower(ac.Remote)
		switch ac.Remote {
		case "", "github", "gitlab":
		default:
			return fmt.Errorf("adapters.%s.remote: unknown remote %q", name, ac.Remote)
		}
		if def, ok := defaultCorpora[src]; ok && ac.GitHub.Owner == "" && ac.GitHub.Repo == "" {
			ac.GitHub.Owner, ac.GitHub.Repo = def.Owner, def.Repo
			if ac.GitHub.Ref == "" {
				ac.GitHub.Ref = def.Ref
			}
			if ac.GitHub.Path == "" {
				ac.GitHub.Path = def.Path
			}
		}
		if !ac.Enabled || src == mapping.SourceMITRE {
			continue
		}
		if ac.Mirror == "" && ac.Remote == "" {
			return fmt.Errorf("adapters.%s: enabled without a mirror or remote", name)
		}
		if ac.Remote == "gitlab" && ac.GitLab.Project == "" {
			return fmt.Errorf("adapters.%s.gitlab.project is required", name)
		}
	}

	if c.Validation.Enabled && c.Validation.Address == "" {
		return fmt.Errorf("validation.address is required when validation is enabled")
	}
	return nil
}

// trustedSources returns the configured trusted sources, or nil for the
// orchestrator default.
func (c *Config) trustedSources() []mapping.Source {
	if c.Fusion.TrustedSources == nil {
		return nil
	}
	out := make([]mapping.Source, 0, len(c.Fusion.TrustedSources))
	for _, s := range c.Fusion.TrustedSources {
		out = append(out, mapping.Source(s))
	}
	return out
}
