package corpus

import (
	"context"
	"net/http"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
)

// GitLabConfig configures a GitLabIndex.
type GitLabConfig struct {
	// Project is the numeric ID or "group/project" path.
	Project string `yaml:"project"`
	Ref     string `yaml:"ref"`
	Path    string `yaml:"path"`
	BaseURL string `yaml:"base_url"`

	Token string `yaml:"-"`

	// RateLimit in requests per hour.
	RateLimit int           `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

// GitLabIndex reads a corpus from a GitLab project through the repository
// tree and raw file APIs.
type GitLabIndex struct {
	client  *gitlab.Client
	cfg     GitLabConfig
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewGitLabIndex creates a GitLab-backed source.
func NewGitLabIndex(cfg GitLabConfig, logger logging.Logger) (*GitLabIndex, error) {
	const op = "corpus.NewGitLabIndex"
	if cfg.Project == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "project is required")
	}
	if cfg.Ref == "" {
		cfg.Ref = "HEAD"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 7200
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}

	var opts []gitlab.ClientOptionFunc
	if cfg.BaseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(cfg.BaseURL))
	}
	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "failed to create GitLab client", err)
	}

	return &GitLabIndex{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/3600.0), cfg.Burst),
		logger:  logging.OrDefault(logger, "corpus.gitlab"),
	}, nil
}

func (g *GitLabIndex) Name() string { return "gitlab:" + g.cfg.Project }

// List pages through the recursive repository tree.
func (g *GitLabIndex) List(ctx context.Context) ([]string, error) {
	const op = "corpus.GitLabIndex.List"

	opt := &gitlab.ListTreeOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		Ref:         gitlab.Ptr(g.cfg.Ref),
		Recursive:   gitlab.Ptr(true),
	}
	if g.cfg.Path != "" {
		opt.Path = gitlab.Ptr(g.cfg.Path)
	}

	var out []string
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, errors.E(errors.KindTimeout, op, err)
		}
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		nodes, resp, err := g.client.Repositories.ListTree(g.cfg.Project, opt, gitlab.WithContext(callCtx))
		cancel()
		if err != nil {
			return nil, classifyGitLab(op, resp, err)
		}
		for _, n := range nodes {
			if n.Type == "blob" {
				out = append(out, n.Path)
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (g *GitLabIndex) Read(ctx context.Context, p string) ([]byte, error) {
	const op = "corpus.GitLabIndex.Read"
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errors.E(errors.KindTimeout, op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	data, resp, err := g.client.RepositoryFiles.GetRawFile(g.cfg.Project, p,
		&gitlab.GetRawFileOptions{Ref: gitlab.Ptr(g.cfg.Ref)}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classifyGitLab(op, resp, err)
	}
	return data, nil
}

func classifyGitLab(op string, resp *gitlab.Response, err error) error {
	if resp != nil && resp.Response != nil && resp.StatusCode != http.StatusOK {
		return errors.E(kindForStatus(resp.StatusCode), op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.E(errors.KindTimeout, op, err)
	}
	return errors.E(errors.KindNetwork, op, err)
}
