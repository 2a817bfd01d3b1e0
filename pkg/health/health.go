// Package health reports whether a long-running attackmap process can still
// map products: the store answers, the taxonomy is loaded, the shared cache
// is reachable and the data directory has room.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/exploopio/attackmap/pkg/attack"
)

// =============================================================================
// Check Interface
// =============================================================================

// Checker is a single health check.
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) CheckResult

func (f CheckFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of one check.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the aggregated health report.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime_ns"`
}

// =============================================================================
// Handler
// =============================================================================

// Handler runs registered checks and serves them over HTTP.
type Handler struct {
	mu     sync.RWMutex
	checks map[string]Checker

	version   string
	timeout   time.Duration
	startTime time.Time
	now       func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithVersion reports version in every response.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) { h.version = version }
}

// WithTimeout bounds one round of checks (default 5s).
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) { h.timeout = timeout }
}

// NewHandler creates a handler with no checks.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		checks:  make(map[string]Checker),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startTime = h.now()
	return h
}

// Register adds or replaces a named check.
func (h *Handler) Register(name string, c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = c
}

// Names returns the registered check names, sorted.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check concurrently. The overall status is the worst
// individual status.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			r := c.Check(ctx)
			r.Duration = time.Since(start)
			mu.Lock()
			results[name] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	now := h.now()
	return Response{
		Status:    overall,
		Timestamp: now,
		Checks:    results,
		Version:   h.version,
		Uptime:    now.Sub(h.startTime),
	}
}

// LivenessHandler always answers 200 while the process serves HTTP.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": StatusHealthy})
	})
}

// ReadinessHandler runs the checks and answers 503 when any is unhealthy.
// A degraded process still serves.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Checks
// =============================================================================

// PingCheck turns a ping function (store, cache) into a check.
type PingCheck struct {
	Ping func(ctx context.Context) error

	// Degrade reports a failure as degraded rather than unhealthy, for
	// dependencies the process can run without.
	Degrade bool
}

func (c *PingCheck) Check(ctx context.Context) CheckResult {
	if err := c.Ping(ctx); err != nil {
		status := StatusUnhealthy
		if c.Degrade {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// TaxonomyCheck reports whether the taxonomy index has been built. It never
// triggers a build itself.
type TaxonomyCheck struct {
	Service *attack.Service
}

func (c *TaxonomyCheck) Check(ctx context.Context) CheckResult {
	idx, err := c.Service.Index()
	if err != nil {
		return CheckResult{Status: StatusDegraded, Message: "taxonomy not loaded yet"}
	}
	st := idx.Stats()
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("ATT&CK %s, %d techniques", st.Version, st.Techniques+st.Subtechniques),
		Metadata: map[string]any{
			"version":    st.Version,
			"techniques": st.Techniques + st.Subtechniques,
			"analytics":  st.Analytics,
		},
	}
}

// DiskCheck checks free space on the filesystem holding Path.
type DiskCheck struct {
	Path string

	// MinFreePercent is the free space (0-100) below which the check fails.
	MinFreePercent float64
}

func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	total, free, err := diskUsage(c.Path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("disk stats for %s: %v", c.Path, err)}
	}
	if total == 0 {
		return CheckResult{Status: StatusDegraded, Message: "disk stats unavailable"}
	}
	pct := float64(free) / float64(total) * 100
	r := CheckResult{
		Metadata: map[string]any{
			"path":         c.Path,
			"total_bytes":  total,
			"free_bytes":   free,
			"free_percent": fmt.Sprintf("%.2f%%", pct),
		},
	}
	if c.MinFreePercent > 0 && pct < c.MinFreePercent {
		r.Status = StatusUnhealthy
		r.Error = fmt.Sprintf("free space %.2f%% is below %.2f%%", pct, c.MinFreePercent)
		return r
	}
	r.Status = StatusHealthy
	r.Message = fmt.Sprintf("%.2f%% free", pct)
	return r
}
