package corpus

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
)

const (
	// DefaultGitHubRateLimit is the authenticated GitHub API budget in
	// requests per hour.
	DefaultGitHubRateLimit = 5000

	// DefaultRemoteTimeout bounds each remote API call.
	DefaultRemoteTimeout = 30 * time.Second
)

// GitHubConfig configures a GitHubIndex.
type GitHubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	Ref   string `yaml:"ref"`

	// Path restricts the index to a subdirectory.
	Path string `yaml:"path"`

	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string `yaml:"base_url"`

	// Token is resolved from the credential store, never from YAML.
	Token string `yaml:"-"`

	// RateLimit in requests per hour.
	RateLimit int           `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

// GitHubIndex reads a corpus from a GitHub repository through the trees and
// contents APIs.
type GitHubIndex struct {
	client  *github.Client
	cfg     GitHubConfig
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewGitHubIndex creates a GitHub-backed source.
func NewGitHubIndex(cfg GitHubConfig, logger logging.Logger) (*GitHubIndex, error) {
	const op = "corpus.NewGitHubIndex"
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "owner and repo are required")
	}
	if cfg.Ref == "" {
		cfg.Ref = "HEAD"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultGitHubRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}

	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, errors.E(errors.KindInvalidInput, op, "invalid base url", err)
		}
		client.BaseURL = u
	}

	return &GitHubIndex{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/3600.0), cfg.Burst),
		logger:  logging.OrDefault(logger, "corpus.github"),
	}, nil
}

func (g *GitHubIndex) Name() string {
	return "github:" + g.cfg.Owner + "/" + g.cfg.Repo
}

// List fetches the recursive tree at the configured ref and returns blob
// paths under the configured directory.
func (g *GitHubIndex) List(ctx context.Context) ([]string, error) {
	const op = "corpus.GitHubIndex.List"
	ctx, cancel, err := g.call(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer cancel()

	tree, _, err := g.client.Git.GetTree(ctx, g.cfg.Owner, g.cfg.Repo, g.cfg.Ref, true)
	if err != nil {
		return nil, classifyRemote(op, err)
	}
	if tree.GetTruncated() {
		g.logger.Warn("tree for %s@%s was truncated by the API; some rules will be missing", g.Name(), g.cfg.Ref)
	}

	var out []string
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			out = append(out, e.GetPath())
		}
	}
	return FilterPrefix(out, g.cfg.Path), nil
}

func (g *GitHubIndex) Read(ctx context.Context, p string) ([]byte, error) {
	const op = "corpus.GitHubIndex.Read"
	ctx, cancel, err := g.call(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer cancel()

	file, _, _, err := g.client.Repositories.GetContents(ctx, g.cfg.Owner, g.cfg.Repo, p,
		&github.RepositoryContentGetOptions{Ref: g.cfg.Ref})
	if err != nil {
		return nil, classifyRemote(op, err)
	}
	if file == nil {
		return nil, errors.E(errors.KindInvalidInput, op, p+" is a directory")
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, errors.E(errors.KindParse, op, err)
	}
	return []byte(content), nil
}

// call waits for the rate limiter and applies the per-call timeout.
func (g *GitHubIndex) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, nil, errors.E(errors.KindTimeout, "rate limit wait", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	return ctx, cancel, nil
}

// classifyRemote maps a hosted-Git API error onto an error kind.
func classifyRemote(op string, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return errors.E(kindForStatus(ghErr.Response.StatusCode), op, err)
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return errors.E(errors.KindNetwork, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.E(errors.KindTimeout, op, err)
	}
	return errors.E(errors.KindNetwork, op, err)
}

func kindForStatus(status int) errors.Kind {
	switch {
	case status == http.StatusNotFound:
		return errors.KindNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.KindNetwork
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.KindInvalidInput
	}
	return errors.KindInternal
}
