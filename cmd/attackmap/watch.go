package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/fusion"
	"github.com/exploopio/attackmap/pkg/health"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/store"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		remap    bool
		debounce time.Duration
		listen   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Invalidate cached results when a local corpus mirror changes",
		Long: `Watch the local mirror of every enabled adapter. When a mirror changes,
cached results of that adapter are dropped for every product, and with
--remap the products are mapped again.

Serves Prometheus metrics on /metrics and health probes on /healthz and
/readyz when --listen (or metrics.listen) is set. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := c.app
			if listen == "" {
				listen = a.cfg.Metrics.Listen
			}

			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			roots := mirrorRoots(a.cfg)
			if len(roots) == 0 && listen == "" {
				return fmt.Errorf("nothing to do: no enabled adapter has a mirror and no metrics address is set")
			}

			g, gctx := errgroup.WithContext(ctx)
			if listen != "" {
				hh, err := a.healthHandler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: listen, Handler: serveMux(a, hh), ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					a.logger.Info("serving /metrics, /healthz and /readyz on %s", listen)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			if len(roots) > 0 {
				dirs := make([]string, 0, len(roots))
				for dir := range roots {
					dirs = append(dirs, dir)
				}
				sort.Strings(dirs)
				w, err := corpus.NewWatcher(dirs, a.logger.With("corpus.watch"))
				if err != nil {
					return err
				}
				inv := &invalidator{
					orch:     orch,
					products: a.store,
					roots:    roots,
					remap:    remap,
					debounce: debounce,
					logger:   a.logger.With("watch"),
					changed:  make(chan string, 64),
				}
				g.Go(func() error { return w.Run(gctx, inv.notify) })
				g.Go(func() error { return inv.run(gctx) })
				a.logger.Info("watching %d corpus mirrors", len(dirs))
			}

			return g.Wait()
		}),
	}
	cmd.Flags().BoolVar(&remap, "remap", false, "Map affected products again after invalidation")
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "Quiet period before changes are applied")
	cmd.Flags().StringVar(&listen, "listen", "", "Metrics address (overrides metrics.listen)")
	return cmd
}

func serveMux(a *app, hh *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.Handle("/healthz", hh.LivenessHandler())
	mux.Handle("/readyz", hh.ReadinessHandler())
	return mux
}

// mirrorRoots maps the absolute mirror directory of each enabled corpus
// adapter to its source.
func mirrorRoots(cfg *Config) map[string]mapping.Source {
	roots := make(map[string]mapping.Source)
	for name, ac := range cfg.Adapters {
		if ac == nil || !ac.Enabled || ac.Mirror == "" {
			continue
		}
		dir, err := filepath.Abs(ac.Mirror)
		if err != nil {
			dir = ac.Mirror
		}
		roots[dir] = mapping.Source(name)
	}
	return roots
}

// productLister lists the products whose cache entries are dropped.
type productLister interface {
	ListProducts(ctx context.Context) ([]*store.Product, error)
}

// invalidator collects changed mirrors and, after a quiet period, drops the
// cached results of their adapters.
type invalidator struct {
	orch     *fusion.Orchestrator
	products productLister
	roots    map[string]mapping.Source
	remap    bool
	debounce time.Duration
	logger   logging.Logger

	changed chan string
}

// notify never blocks the watcher; a full queue already guarantees a flush.
func (inv *invalidator) notify(root string) {
	select {
	case inv.changed <- root:
	default:
	}
}

func (inv *invalidator) run(ctx context.Context) error {
	pending := make(map[mapping.Source]bool)
	timer := time.NewTimer(inv.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case root := <-inv.changed:
			if src, ok := inv.roots[root]; ok {
				pending[src] = true
				timer.Reset(inv.debounce)
			}
		case <-timer.C:
			sources := make([]mapping.Source, 0, len(pending))
			for src := range pending {
				sources = append(sources, src)
			}
			pending = make(map[mapping.Source]bool)
			inv.flush(ctx, sources)
		}
	}
}

func (inv *invalidator) flush(ctx context.Context, sources []mapping.Source) {
	products, err := inv.products.ListProducts(ctx)
	if err != nil {
		inv.logger.Error("list products: %v", err)
		return
	}
	for _, src := range sources {
		for _, p := range products {
			if err := inv.orch.Invalidate(ctx, p.ID, src); err != nil {
				inv.logger.Warn("invalidate %s/%s: %v", p.ID, src, err)
			}
		}
		inv.logger.Info("corpus %s changed, dropped cached results for %d products", src, len(products))
	}
	if !inv.remap {
		return
	}
	for _, p := range products {
		out, err := inv.orch.Run(ctx, p.ID)
		if err != nil {
			inv.logger.Error("remap %s: %v", p.ID, err)
			continue
		}
		inv.logger.Info("remapped %s: %s", p.ID, out.Status)
	}
}
