package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/attack/attacktest"
)

func ping(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestHandler_Check(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Checker
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", map[string]Checker{
			"store": &PingCheck{Ping: ping(nil)},
			"cache": &PingCheck{Ping: ping(nil)},
		}, StatusHealthy},
		{"optional dependency down", map[string]Checker{
			"store": &PingCheck{Ping: ping(nil)},
			"cache": &PingCheck{Ping: ping(errors.New("refused")), Degrade: true},
		}, StatusDegraded},
		{"required dependency down", map[string]Checker{
			"store": &PingCheck{Ping: ping(errors.New("locked"))},
			"cache": &PingCheck{Ping: ping(errors.New("refused")), Degrade: true},
		}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(WithVersion("test"))
			for name, c := range tt.checks {
				h.Register(name, c)
			}
			resp := h.Check(context.Background())
			if resp.Status != tt.want {
				t.Errorf("status = %s, want %s (%+v)", resp.Status, tt.want, resp.Checks)
			}
			if len(resp.Checks) != len(tt.checks) || resp.Version != "test" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestHandler_Names(t *testing.T) {
	h := NewHandler()
	h.Register("taxonomy", CheckFunc(func(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }))
	h.Register("disk", &DiskCheck{Path: t.TempDir()})
	if diff := cmp.Diff([]string{"disk", "taxonomy"}, h.Names()); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler()
	h.Register("store", &PingCheck{Ping: ping(nil)})

	rec := httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Checks["store"].Status != StatusHealthy {
		t.Errorf("response = %+v", resp)
	}

	h.Register("store", &PingCheck{Ping: ping(errors.New("closed"))})
	rec = httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code with a failing store = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness code = %d", rec.Code)
	}
}

func TestTaxonomyCheck(t *testing.T) {
	r := (&TaxonomyCheck{Service: attack.NewService(nil)}).Check(context.Background())
	if r.Status != StatusDegraded {
		t.Errorf("uninitialized: %+v", r)
	}

	r = (&TaxonomyCheck{Service: attacktest.Service(t)}).Check(context.Background())
	if r.Status != StatusHealthy || r.Metadata["techniques"].(int) == 0 {
		t.Errorf("initialized: %+v", r)
	}
}

func TestDiskCheck(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("disk stats unavailable on " + runtime.GOOS)
	}
	dir := t.TempDir()

	if r := (&DiskCheck{Path: dir}).Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("no threshold: %+v", r)
	}
	if r := (&DiskCheck{Path: dir, MinFreePercent: 101}).Check(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("impossible threshold: %+v", r)
	}
	if r := (&DiskCheck{Path: dir + "/missing"}).Check(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("missing path: %+v", r)
	}
}
