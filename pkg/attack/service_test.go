package attack_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/attack/attacktest"
	"github.com/exploopio/attackmap/pkg/compress"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/metrics"
)

// countingSource serves the fixture bundle and counts opens.
type countingSource struct {
	opens atomic.Int32
	delay time.Duration
	err   error
}

func (s *countingSource) Name() string { return "counting" }

func (s *countingSource) Open(ctx context.Context) (io.ReadCloser, error) {
	s.opens.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(bytes.NewReader(attacktest.BundleJSON)), nil
}

func TestService_IndexBeforeInit(t *testing.T) {
	svc := attack.NewService(&countingSource{})
	if _, err := svc.Index(); !errors.Is(err, errors.ErrNotInitialized) {
		t.Errorf("Index() error = %v, want ErrNotInitialized", err)
	}
}

func TestService_EnsureInitializedSingleFlight(t *testing.T) {
	src := &countingSource{delay: 50 * time.Millisecond}
	collector := metrics.NewInMemoryCollector()
	svc := attack.NewService(src, attack.WithMetrics(collector))

	const callers = 16
	results := make([]*attack.Index, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := svc.EnsureInitialized(context.Background())
			if err != nil {
				t.Errorf("EnsureInitialized() error = %v", err)
				return
			}
			results[i] = idx
		}(i)
	}
	wg.Wait()

	if got := src.opens.Load(); got != 1 {
		t.Errorf("bundle opened %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("all callers should observe the same index")
		}
	}
	if got := collector.GetCounter(metrics.TaxonomyIngestTotal.Name, "status", "success"); got != 1 {
		t.Errorf("ingest success counter = %v, want 1", got)
	}

	// Subsequent calls hit the cached index.
	if _, err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := src.opens.Load(); got != 1 {
		t.Errorf("bundle opened %d times after warm call, want 1", got)
	}
}

func TestService_FailureShared(t *testing.T) {
	src := &countingSource{delay: 100 * time.Millisecond, err: errors.E(errors.KindNetwork, "test", "unreachable")}
	svc := attack.NewService(src)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.EnsureInitialized(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 8 {
		t.Errorf("failures = %d, want 8", failures.Load())
	}
	if src.opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", src.opens.Load())
	}

	_, err := svc.EnsureInitialized(context.Background())
	if errors.GetKind(err) != errors.KindIngestion {
		t.Errorf("error kind = %v, want ingestion", errors.GetKind(err))
	}
	if src.opens.Load() != 2 {
		t.Error("a failed build should not be cached")
	}
}

func TestService_Reingest(t *testing.T) {
	src := &countingSource{}
	svc := attack.NewService(src)

	first, err := svc.EnsureInitialized(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Reingest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("Reingest should build a new index")
	}
	if cur, _ := svc.Index(); cur != second {
		t.Error("Index() should return the re-ingested index")
	}
}

func TestFileSource_Compressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json.zst")
	if err := os.WriteFile(path, compress.Default.Encode(attacktest.BundleJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := attack.NewService(&attack.FileSource{Path: path})
	idx, err := svc.EnsureInitialized(context.Background())
	if err != nil {
		t.Fatalf("EnsureInitialized() error = %v", err)
	}
	if idx.Stats().Techniques != 6 {
		t.Errorf("Techniques = %d, want 6", idx.Stats().Techniques)
	}
}

func TestHTTPSource_RetryAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(attacktest.BundleJSON)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	src := attack.NewHTTPSource(srv.URL, "v18.0", cacheDir, nil)
	src.Timeout = 5 * time.Second

	idx, err := attack.NewService(src).EnsureInitialized(context.Background())
	if err != nil {
		t.Fatalf("EnsureInitialized() error = %v", err)
	}
	if idx.Version() != "18.0" {
		t.Errorf("Version() = %q", idx.Version())
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2 (one 503, one success)", hits.Load())
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "v18.0", "bundle.json.zst")); err != nil {
		t.Fatalf("bundle not cached: %v", err)
	}

	// A fresh service with the same version reads from the cache.
	if _, err := attack.NewService(src).EnsureInitialized(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d after cached load, want 2", hits.Load())
	}
}

func TestHTTPSource_NotFoundIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	src := attack.NewHTTPSource(srv.URL, "", "", nil)
	_, err := attack.NewService(src).EnsureInitialized(context.Background())
	if err == nil {
		t.Fatal("expected ingestion error")
	}
	if hits.Load() != 1 {
		t.Errorf("404 should not be retried, hits = %d", hits.Load())
	}
}

func TestHTTPSource_MalformedDownloadIsNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Write([]byte("<html>captive portal</html>"))
			return
		}
		w.Write(attacktest.BundleJSON)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	src := attack.NewHTTPSource(srv.URL, "v18.0", cacheDir, nil)
	svc := attack.NewService(src)

	if _, err := svc.EnsureInitialized(context.Background()); err == nil {
		t.Fatal("expected an error for an HTML body")
	}
	if _, err := os.Stat(src.CachePath()); !os.IsNotExist(err) {
		t.Fatalf("malformed body was cached: stat err = %v", err)
	}

	if _, err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("second EnsureInitialized() error = %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
	if _, err := os.Stat(src.CachePath()); err != nil {
		t.Errorf("valid bundle not cached: %v", err)
	}
}

func TestHTTPSource_CorruptCacheIsReplaced(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(attacktest.BundleJSON)
	}))
	defer srv.Close()

	src := attack.NewHTTPSource(srv.URL, "v18.0", t.TempDir(), nil)
	if err := os.MkdirAll(filepath.Dir(src.CachePath()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src.CachePath(), []byte(`{"type":"bundle","objects":[`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := attack.NewService(src).EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}

	// The rewritten cache serves the next service without a download.
	if _, err := attack.NewService(src).EnsureInitialized(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d after cached load, want 1", hits.Load())
	}
}

func TestHTTPSource_ReingestBypassesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(attacktest.BundleJSON)
	}))
	defer srv.Close()

	svc := attack.NewService(attack.NewHTTPSource(srv.URL, "v18.0", t.TempDir(), nil))
	if _, err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reingest(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
}
