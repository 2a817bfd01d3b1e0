package attack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/exploopio/attackmap/pkg/compress"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/metrics"
	"github.com/exploopio/attackmap/pkg/retry"
)

const (
	// DefaultBundleURL is the enterprise ATT&CK STIX 2.1 bundle.
	DefaultBundleURL = "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/master/enterprise-attack/enterprise-attack.json"

	// DefaultTimeout is the default HTTP timeout for bundle downloads.
	DefaultTimeout = 120 * time.Second

	// DefaultRetries is the default number of download attempts.
	DefaultRetries = 3
)

// Source provides a taxonomy bundle.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Open returns the bundle contents. The caller closes the reader.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// BundleLoader is a Source that decodes the bundle itself, so it can keep
// a local copy only once the contents are known to parse. refresh skips any
// local copy.
type BundleLoader interface {
	LoadBundle(ctx context.Context, refresh bool) (*Bundle, error)
}

// Service owns the lifecycle of the taxonomy index: built once on first
// use, shared by every caller, rebuilt only on Reingest.
type Service struct {
	source  Source
	logger  logging.Logger
	metrics metrics.Collector

	group singleflight.Group

	mu    sync.RWMutex
	index *Index
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l logging.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) ServiceOption {
	return func(s *Service) { s.metrics = c }
}

// NewService creates a service reading bundles from source.
func NewService(source Source, opts ...ServiceOption) *Service {
	s := &Service{source: source}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger, "attack")
	s.metrics = metrics.OrDefault(s.metrics)
	return s
}

// NewServiceWithIndex creates a service that is already initialized.
func NewServiceWithIndex(idx *Index) *Service {
	s := NewService(nil)
	s.index = idx
	return s
}

// Index returns the current index, or ErrNotInitialized.
func (s *Service) Index() (*Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return nil, errors.ErrNotInitialized
	}
	return s.index, nil
}

// EnsureInitialized returns the index, building it on first use.
// Concurrent callers share one in-flight build and observe the same result
// or error. A failed build is not cached; the next call tries again.
func (s *Service) EnsureInitialized(ctx context.Context) (*Index, error) {
	if idx, err := s.Index(); err == nil {
		return idx, nil
	}
	return s.build(ctx, false)
}

// Reingest rebuilds the index from the source and swaps it in. Readers keep
// the previous index until the new one is complete.
func (s *Service) Reingest(ctx context.Context) (*Index, error) {
	return s.build(ctx, true)
}

func (s *Service) build(ctx context.Context, force bool) (*Index, error) {
	ch := s.group.DoChan("ingest", func() (interface{}, error) {
		if !force {
			if idx, err := s.Index(); err == nil {
				return idx, nil
			}
		}
		// The build outlives any single caller's cancellation.
		return s.ingest(context.WithoutCancel(ctx), force)
	})

	select {
	case <-ctx.Done():
		return nil, errors.E(errors.KindTimeout, "attack.EnsureInitialized", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Index), nil
	}
}

func (s *Service) ingest(ctx context.Context, refresh bool) (*Index, error) {
	const op = "attack.Service.ingest"
	if s.source == nil {
		return nil, errors.E(errors.KindIngestion, op, "no bundle source configured")
	}

	timer := metrics.NewTimer(s.metrics, metrics.TaxonomyIngestDuration.Name)
	idx, err := s.load(ctx, refresh)
	d := timer.ObserveDuration()
	if err != nil {
		s.metrics.CounterInc(metrics.TaxonomyIngestTotal.Name, "status", "error")
		s.logger.Error("taxonomy ingestion from %s failed: %v", s.source.Name(), err)
		return nil, errors.E(errors.KindIngestion, op, err)
	}

	st := idx.Stats()
	s.metrics.CounterInc(metrics.TaxonomyIngestTotal.Name, "status", "success")
	s.metrics.GaugeSet(metrics.TaxonomyObjects.Name, float64(st.Techniques), "kind", "technique")
	s.metrics.GaugeSet(metrics.TaxonomyObjects.Name, float64(st.Strategies), "kind", "strategy")
	s.metrics.GaugeSet(metrics.TaxonomyObjects.Name, float64(st.Analytics), "kind", "analytic")
	s.metrics.GaugeSet(metrics.TaxonomyObjects.Name, float64(st.DataComponents), "kind", "data_component")
	s.logger.Info("taxonomy ready from %s in %s", s.source.Name(), d.Round(time.Millisecond))

	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return idx, nil
}

func (s *Service) load(ctx context.Context, refresh bool) (*Index, error) {
	var (
		bundle *Bundle
		err    error
	)
	if bl, ok := s.source.(BundleLoader); ok {
		bundle, err = bl.LoadBundle(ctx, refresh)
	} else {
		bundle, err = openAndParse(ctx, s.source)
	}
	if err != nil {
		return nil, err
	}
	return Ingest(bundle, s.logger)
}

func openAndParse(ctx context.Context, src Source) (*Bundle, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseBundle(rc)
}

// =============================================================================
// FileSource
// =============================================================================

// FileSource reads a bundle from disk. Files ending in .zst are
// decompressed.
type FileSource struct {
	Path string
}

func (f *FileSource) Name() string { return f.Path }

func (f *FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, "attack.FileSource.Open", err)
		}
		return nil, errors.E(errors.KindStorage, "attack.FileSource.Open", err)
	}
	if filepath.Ext(f.Path) != ".zst" {
		return file, nil
	}
	zr, err := compress.NewReader(file)
	if err != nil {
		file.Close()
		return nil, errors.E(errors.KindParse, "attack.FileSource.Open", err)
	}
	return &stackedCloser{Reader: zr, closers: []io.Closer{zr, file}}, nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// =============================================================================
// HTTPSource
// =============================================================================

// HTTPSource downloads a bundle over HTTP with a timeout and retries. When
// CacheDir is set the bundle is kept zstd-compressed under
// CacheDir/<version>/, so a version string change forces a fresh download.
type HTTPSource struct {
	URL      string
	Version  string
	CacheDir string
	Timeout  time.Duration
	Retries  int

	client *http.Client
	logger logging.Logger
}

// NewHTTPSource creates an HTTP bundle source with defaults applied.
func NewHTTPSource(url, version, cacheDir string, logger logging.Logger) *HTTPSource {
	if url == "" {
		url = DefaultBundleURL
	}
	return &HTTPSource{
		URL:      url,
		Version:  version,
		CacheDir: cacheDir,
		Timeout:  DefaultTimeout,
		Retries:  DefaultRetries,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   logging.OrDefault(logger, "attack"),
	}
}

func (h *HTTPSource) Name() string { return h.URL }

var unsafeVersionChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CachePath returns where the bundle for the configured version is cached.
func (h *HTTPSource) CachePath() string {
	if h.CacheDir == "" {
		return ""
	}
	version := unsafeVersionChars.ReplaceAllString(h.Version, "_")
	if version == "" {
		version = "latest"
	}
	return filepath.Join(h.CacheDir, version, "bundle.json.zst")
}

// Open downloads the bundle. It neither reads nor writes the cache; the
// Service goes through LoadBundle.
func (h *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	body, err := h.download(ctx)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// LoadBundle returns the cached bundle for the configured version unless
// refresh is set. A cached file that no longer parses is removed and the
// bundle downloaded again. A download is cached only after it parses.
func (h *HTTPSource) LoadBundle(ctx context.Context, refresh bool) (*Bundle, error) {
	path := h.CachePath()
	if path != "" && !refresh {
		if _, err := os.Stat(path); err == nil {
			h.logger.Debug("using cached bundle %s", path)
			bundle, err := openAndParse(ctx, &FileSource{Path: path})
			if err == nil {
				return bundle, nil
			}
			h.logger.Warn("discarding unreadable cached bundle %s: %v", path, err)
			if err := os.Remove(path); err != nil {
				h.logger.Warn("failed to remove %s: %v", path, err)
			}
		}
	}

	body, err := h.download(ctx)
	if err != nil {
		return nil, err
	}
	bundle, err := ParseBundle(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := writeCache(path, body); err != nil {
			h.logger.Warn("failed to cache bundle at %s: %v", path, err)
		}
	}
	return bundle, nil
}

func (h *HTTPSource) download(ctx context.Context) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, retry.Policy{MaxAttempts: h.Retries}, func(ctx context.Context, attempt int) error {
		b, err := h.fetch(ctx)
		if err != nil {
			h.logger.Warn("bundle download attempt %d/%d failed: %v", attempt, h.Retries, err)
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (h *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	const op = "attack.HTTPSource.fetch"
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, err)
	}
	req.Header.Set("Accept", "application/json")

	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.E(errors.KindTimeout, op, err)
		}
		return nil, errors.E(errors.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.E(errors.KindNetwork, op, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.E(errors.KindNotFound, op, fmt.Sprintf("bundle not found at %s", h.URL))
	default:
		return nil, errors.E(errors.KindIngestion, op, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E(errors.KindNetwork, op, "read body", err)
	}
	return body, nil
}

// writeCache writes body compressed to path via a temp file and rename.
func writeCache(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	zw, err := compress.NewWriter(tmp, compress.LevelDefault)
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = (*HTTPSource)(nil)
)
