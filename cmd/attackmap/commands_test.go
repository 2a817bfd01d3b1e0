package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/exploopio/attackmap/pkg/attack/attacktest"
	"github.com/exploopio/attackmap/pkg/fusion"
	"github.com/exploopio/attackmap/pkg/graph"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/mocks"
	"github.com/exploopio/attackmap/pkg/store"
	"github.com/exploopio/attackmap/pkg/telemetry"
)

// writeConfig writes the fixture bundle and a config using it, with only the
// taxonomy adapter enabled.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bundle := filepath.Join(dir, "bundle.json")
	if err := os.WriteFile(bundle, attacktest.BundleJSON, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := `
taxonomy:
  file: ` + bundle + `
store:
  path: ` + filepath.Join(dir, "attackmap.db") + `
cache:
  backend: sqlite
log:
  level: error
credentials:
  key_env: ATTACKMAP_TEST_UNSET_KEY
`
	path := filepath.Join(dir, "attackmap.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, err := execute(t, cfgPath, args...)
	if err != nil {
		t.Fatalf("attackmap %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestCLI_EndToEnd(t *testing.T) {
	cfg := writeConfig(t)

	out := mustExecute(t, cfg, "ingest")
	if !strings.Contains(out, "Structural graph:") {
		t.Errorf("ingest output:\n%s", out)
	}

	mustExecute(t, cfg, "product", "add", "sysmon", "--name", "Sysmon", "--type", "edr", "--platform", "Windows")
	products := decode[[]*store.Product](t, mustExecute(t, cfg, "product", "list", "--json"))
	if len(products) != 1 || products[0].Name != "Sysmon" {
		t.Fatalf("products = %+v", products)
	}

	outcomes := decode[[]*fusion.Outcome](t, mustExecute(t, cfg, "map", "sysmon", "--json"))
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	o := outcomes[0]
	if o.Status != fusion.StatusMatched || o.Mapping == nil || o.Mapping.Source != mapping.SourceMITRE {
		t.Fatalf("outcome = %+v", o)
	}

	cov := decode[graph.Result](t, mustExecute(t, cfg, "coverage", "sysmon", "--json"))
	if diff := cmp.Diff([]string{"T1003", "T1003.001", "T1059"}, cov.Techniques()); diff != "" {
		t.Errorf("coverage (-want +got):\n%s", diff)
	}

	gaps := decode[[]string](t, mustExecute(t, cfg, "gaps", "sysmon", "--platform", "Linux", "--json"))
	if diff := cmp.Diff([]string{"T1078"}, gaps); diff != "" {
		t.Errorf("linux gaps (-want +got):\n%s", diff)
	}

	sum := decode[telemetry.ChannelSummary](t, mustExecute(t, cfg, "channels", "Process Creation", "--json"))
	if sum.ComponentID != attacktest.ProcessCreation || sum.Inferred || sum.AnalyticCount == 0 {
		t.Errorf("channels = %+v", sum)
	}

	// The taxonomy adapter's raw source had no stream, so a stub was queued.
	streams := decode[[]*store.Stream](t, mustExecute(t, cfg, "stream", "list", "sysmon", "--json"))
	if len(streams) != 1 || streams[0].Name != "WinEventLog:Sysmon" || streams[0].Configured {
		t.Errorf("streams = %+v", streams)
	}
	mustExecute(t, cfg, "stream", "set", "sysmon", "WinEventLog:Sysmon", "--component", "Process Access")
	streams = decode[[]*store.Stream](t, mustExecute(t, cfg, "stream", "list", "sysmon", "--json"))
	if len(streams) != 1 || !streams[0].Configured {
		t.Errorf("streams after set = %+v", streams)
	}

	// A second run in a new process is served from the sqlite cache.
	outcomes = decode[[]*fusion.Outcome](t, mustExecute(t, cfg, "map", "--all", "--json"))
	if len(outcomes) != 1 || !outcomes[0].Sources[0].Cached {
		t.Errorf("second run = %+v", outcomes)
	}

	mustExecute(t, cfg, "product", "rm", "sysmon")
	if _, err := execute(t, cfg, "map", "sysmon"); err == nil || !strings.Contains(err.Error(), "unknown products") {
		t.Errorf("map of a deleted product: %v", err)
	}
	if _, err := execute(t, cfg, "coverage", "sysmon"); err == nil {
		t.Error("coverage of a deleted product succeeded")
	}
}

func TestCLI_ProductProvides(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "ingest")
	mustExecute(t, cfg, "product", "add", "idp", "--provides", "Logon Session Creation")

	cov := decode[graph.Result](t, mustExecute(t, cfg, "coverage", "--json"))
	if diff := cmp.Diff([]string{"T1078"}, cov.Techniques()); diff != "" {
		t.Errorf("global coverage (-want +got):\n%s", diff)
	}

	if _, err := execute(t, cfg, "product", "add", "bad", "--provides", "No Such Component"); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestCLI_MapRequiresTarget(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := execute(t, cfg, "map"); err == nil {
		t.Error("map without products or --all succeeded")
	}
	if _, err := execute(t, cfg, "map", "x", "--all"); err == nil {
		t.Error("map with products and --all succeeded")
	}
}

func TestCLI_Secrets(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := execute(t, cfg, "secret", "set", "adapters.sigma.token", "tok"); err == nil {
		t.Error("secret set without an encryption key succeeded")
	}

	t.Setenv("ATTACKMAP_TEST_UNSET_KEY", "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	mustExecute(t, cfg, "secret", "set", "adapters.sigma.token", "tok")
	if out := mustExecute(t, cfg, "secret", "check", "adapters.sigma.token"); !strings.Contains(out, "is set") {
		t.Errorf("check output: %s", out)
	}
	mustExecute(t, cfg, "secret", "rm", "adapters.sigma.token")
	if _, err := execute(t, cfg, "secret", "check", "adapters.sigma.token"); err == nil {
		t.Error("deleted secret still set")
	}

	t.Setenv("ATTACKMAP_ADAPTERS_SPLUNK_TOKEN", "from-env")
	mustExecute(t, cfg, "secret", "check", "adapters.splunk.token")
}

type fakeLister struct{ products []*store.Product }

func (f fakeLister) ListProducts(context.Context) ([]*store.Product, error) { return f.products, nil }

func TestInvalidator(t *testing.T) {
	c := &mocks.MockCache{}
	orch := fusion.New(nil, nil, nil, fusion.Options{Cache: c, Logger: &logging.NopLogger{}})
	inv := &invalidator{
		orch:     orch,
		products: fakeLister{products: []*store.Product{{ID: "a"}, {ID: "b"}}},
		roots:    map[string]mapping.Source{"/srv/sigma": mapping.SourceSigma},
		debounce: 50 * time.Millisecond,
		logger:   &logging.NopLogger{},
		changed:  make(chan string, 8),
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		inv.run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	inv.notify("/srv/unknown")
	inv.notify("/srv/sigma")
	inv.notify("/srv/sigma")

	want := []mocks.CacheCall{{ProductID: "a", Source: mapping.SourceSigma}, {ProductID: "b", Source: mapping.SourceSigma}}
	deadline := time.Now().Add(2 * time.Second)
	for len(c.InvalidateCalls()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if diff := cmp.Diff(want, c.InvalidateCalls()); diff != "" {
		t.Errorf("invalidations (-want +got):\n%s", diff)
	}
}

func TestMirrorRoots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adapters["sigma"].Enabled = true
	cfg.Adapters["sigma"].Mirror = "/srv/sigma"
	cfg.Adapters["elastic"].Mirror = "/srv/elastic"

	want := map[string]mapping.Source{"/srv/sigma": mapping.SourceSigma}
	if diff := cmp.Diff(want, mirrorRoots(cfg)); diff != "" {
		t.Errorf("roots (-want +got):\n%s", diff)
	}
}

func TestServeMux(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	a := newApp(cfg, &logging.NopLogger{})
	defer a.close()
	hh, err := a.healthHandler()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"disk", "store", "taxonomy"}, hh.Names()); diff != "" {
		t.Errorf("checks (-want +got):\n%s", diff)
	}
	srv := httptest.NewServer(serveMux(a, hh))
	defer srv.Close()

	for _, path := range []string{"/metrics", "/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}
