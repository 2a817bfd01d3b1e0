package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/fusion"
	"github.com/exploopio/attackmap/pkg/graph"
	"github.com/exploopio/attackmap/pkg/metrics"
	"github.com/exploopio/attackmap/pkg/store"
	"github.com/exploopio/attackmap/pkg/telemetry"
)

// =============================================================================
// ingest
// =============================================================================

type ingestResult struct {
	Stats attack.Stats `json:"stats"`
	Nodes int          `json:"graph_nodes"`
	Edges int          `json:"graph_edges"`
}

func (c *cli) ingestCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Build the taxonomy index and write the structural graph",
		Long: `Download (or read) the ATT&CK bundle, build the taxonomy index and
persist the structural coverage graph derived from it.

Product nodes and their provides edges are left untouched.`,
		Args: cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc := c.app.taxonomyService()

			var (
				idx *attack.Index
				err error
			)
			if force {
				idx, err = svc.Reingest(ctx)
			} else {
				idx, err = svc.EnsureInitialized(ctx)
			}
			if err != nil {
				return err
			}

			s, err := c.app.openStore()
			if err != nil {
				return err
			}
			g := graph.BuildStructural(idx)
			if err := s.SaveGraph(ctx, g); err != nil {
				return err
			}

			res := ingestResult{Stats: idx.Stats()}
			res.Nodes, res.Edges = g.Len()
			return c.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				st := res.Stats
				fmt.Fprintf(w, "Ingested ATT&CK %s\n", orNone(st.Version))
				fmt.Fprintf(w, "  techniques:      %d (%d sub-techniques)\n", st.Techniques, st.Subtechniques)
				fmt.Fprintf(w, "  strategies:      %d\n", st.Strategies)
				fmt.Fprintf(w, "  analytics:       %d\n", st.Analytics)
				fmt.Fprintf(w, "  data components: %d\n", st.DataComponents)
				fmt.Fprintf(w, "  skipped objects: %d\n", st.Skipped)
				fmt.Fprintf(w, "Structural graph: %d nodes, %d edges\n", res.Nodes, res.Edges)
			})
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Re-read the bundle even if it is cached")
	return cmd
}

// =============================================================================
// product
// =============================================================================

func (c *cli) productCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage products",
	}

	var (
		p        store.Product
		provides []string
	)
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a product",
		Long: `Add or update a product.

--provides lists data components (STIX ids or names) the product is known to
collect; they become asserted provides edges. Without it existing edges are
kept.`,
		Args: cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p.ID = args[0]
			if p.Name == "" {
				p.Name = p.ID
			}

			var componentIDs []string
			if cmd.Flags().Changed("provides") {
				idx, err := c.app.taxonomyService().EnsureInitialized(ctx)
				if err != nil {
					return err
				}
				componentIDs = []string{}
				for _, ref := range provides {
					dc, err := idx.ResolveComponent(ref)
					if err != nil {
						return err
					}
					componentIDs = append(componentIDs, dc.ID)
				}
			}

			s, err := c.app.openStore()
			if err != nil {
				return err
			}
			if err := s.UpsertProduct(ctx, p, componentIDs); err != nil {
				return err
			}
			rc, err := c.app.resultCache()
			if err != nil {
				return err
			}
			if err := rc.Invalidate(ctx, p.ID, ""); err != nil {
				c.app.logger.Warn("invalidate cached results of %s: %v", p.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved product %s\n", p.ID)
			return nil
		}),
	}
	add.Flags().StringVar(&p.Name, "name", "", "Product name (default: the id)")
	add.Flags().StringVar(&p.Vendor, "vendor", "", "Vendor name")
	add.Flags().StringVar(&p.Type, "type", "", "Product type (edr, siem, ndr, ...)")
	add.Flags().StringSliceVar(&p.Platforms, "platform", nil, "Platforms the product covers (repeatable)")
	add.Flags().StringSliceVar(&p.Aliases, "alias", nil, "Alternative names (repeatable)")
	add.Flags().StringSliceVar(&provides, "provides", nil, "Data components the product collects (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List products",
		Args:  cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, _ []string) error {
			s, err := c.app.openStore()
			if err != nil {
				return err
			}
			products, err := s.ListProducts(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), products, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPLATFORMS\tSTATUS")
				for _, p := range products {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, orNone(p.Type), orNone(strings.Join(p.Platforms, ",")), orNone(p.Status))
				}
				tw.Flush()
			})
		}),
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a product, its graph node and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.app.openStore()
			if err != nil {
				return err
			}
			if err := s.DeleteProduct(ctx, args[0]); err != nil {
				return err
			}
			rc, err := c.app.resultCache()
			if err != nil {
				return err
			}
			if err := rc.Invalidate(ctx, args[0], ""); err != nil {
				c.app.logger.Warn("invalidate cached results of %s: %v", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted product %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

// =============================================================================
// stream
// =============================================================================

func (c *cli) streamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Manage a product's telemetry streams",
	}

	var (
		components   []string
		unconfigured bool
	)
	set := &cobra.Command{
		Use:   "set <product> <raw-source>",
		Short: "Configure the stream behind a raw log source",
		Long: `Configure the stream an analytic's raw log source resolves to.

Configured streams mark matching analytics verified; their data components
(STIX ids or names) contribute inferred techniques on the next map run.`,
		Args: cobra.ExactArgs(2),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.app.openStore()
			if err != nil {
				return err
			}
			if _, err := s.GetProduct(ctx, args[0]); err != nil {
				return err
			}
			st := store.Stream{ProductID: args[0], Name: args[1], Configured: !unconfigured, Components: components}
			if err := s.UpsertStream(ctx, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved stream %s for %s\n", args[1], args[0])
			return nil
		}),
	}
	set.Flags().StringSliceVar(&components, "component", nil, "Data components the stream carries (repeatable)")
	set.Flags().BoolVar(&unconfigured, "unconfigured", false, "Record the stream without configuring it")

	list := &cobra.Command{
		Use:   "list <product>",
		Short: "List a product's streams, including queued stubs",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			s, err := c.app.openStore()
			if err != nil {
				return err
			}
			streams, err := s.ListStreams(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), streams, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tCONFIGURED\tCOMPONENTS")
				for _, st := range streams {
					fmt.Fprintf(tw, "%s\t%v\t%s\n", st.Name, st.Configured, orNone(strings.Join(st.Components, ",")))
				}
				tw.Flush()
			})
		}),
	}

	cmd.AddCommand(set, list)
	return cmd
}

// =============================================================================
// map
// =============================================================================

func (c *cli) mapCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "map [product...]",
		Short: "Run every applicable adapter for products and fuse the results",
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all == (len(args) > 0) {
				return fmt.Errorf("give product ids or --all")
			}
			orch, err := c.app.orchestrator(ctx)
			if err != nil {
				return err
			}
			ids := args
			if all {
				products, err := c.app.store.ListProducts(ctx)
				if err != nil {
					return err
				}
				for _, p := range products {
					ids = append(ids, p.ID)
				}
			}

			var (
				outcomes []*fusion.Outcome
				missing  []string
			)
			for _, id := range ids {
				out, err := orch.Run(ctx, id)
				if err != nil {
					return err
				}
				if out.Status == fusion.StatusNotFound {
					missing = append(missing, id)
				}
				outcomes = append(outcomes, out)
			}

			if err := c.print(cmd.OutOrStdout(), outcomes, func(w io.Writer) {
				for _, out := range outcomes {
					printOutcome(w, out)
				}
			}); err != nil {
				return err
			}
			if len(missing) > 0 {
				return fmt.Errorf("unknown products: %s", strings.Join(missing, ", "))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "Map every known product")
	return cmd
}

func printOutcome(w io.Writer, out *fusion.Outcome) {
	fmt.Fprintf(w, "%s: %s", out.ProductID, out.Status)
	if out.Reason != "" {
		fmt.Fprintf(w, " (%s)", out.Reason)
	}
	fmt.Fprintln(w)
	if m := out.Mapping; m != nil {
		fmt.Fprintf(w, "  confidence %d, %d analytics, %d techniques, %d data components\n",
			m.Confidence, len(m.Analytics), len(m.TechniqueIDs()), len(m.DataComponents))
	}
	for _, sr := range out.Sources {
		line := fmt.Sprintf("  %-9s %s", sr.Source, sr.Status)
		switch {
		case sr.Error != "":
			line += ": " + sr.Error
		case sr.Analytics > 0:
			line += fmt.Sprintf(", %d analytics", sr.Analytics)
		}
		if sr.Cached {
			line += " (cached)"
		}
		fmt.Fprintln(w, line)
	}
}

// =============================================================================
// coverage / gaps
// =============================================================================

// coverage loads the persisted graph and traverses it from one product, or
// from every product when productID is empty.
func (c *cli) coverage(cmd *cobra.Command, productID string, maxDepth int) (*graph.Result, error) {
	s, err := c.app.openStore()
	if err != nil {
		return nil, err
	}
	g, err := s.LoadGraph(cmd.Context())
	if err != nil {
		return nil, err
	}
	opts := graph.Options{MaxDepth: maxDepth}

	var res *graph.Result
	if productID != "" {
		if res, err = graph.ProductCoverage(g, productID, opts); err != nil {
			return nil, err
		}
	} else {
		res = graph.GlobalCoverage(g, opts)
	}
	c.app.metrics.HistogramObserve(metrics.TraversalTechniques.Name, float64(len(res.Reached)))
	return res, nil
}

func (c *cli) coverageCmd() *cobra.Command {
	var (
		maxDepth int
		paths    bool
	)
	cmd := &cobra.Command{
		Use:   "coverage [product]",
		Short: "List the techniques a product (or every product) can detect",
		Args:  cobra.MaximumNArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			res, err := c.coverage(cmd, firstArg(args), maxDepth)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				for _, r := range res.Reached {
					line := r.TechniqueID
					if r.Asserted {
						line += " *"
					}
					if paths {
						line += "  " + strings.Join(r.Path, " -> ")
					}
					fmt.Fprintln(w, line)
				}
				fmt.Fprintf(w, "%d techniques reached (* via asserted edges)\n", len(res.Reached))
			})
		}),
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", graph.DefaultMaxDepth, "Maximum path length in hops")
	cmd.Flags().BoolVar(&paths, "paths", false, "Print the path to each technique")
	return cmd
}

func (c *cli) gapsCmd() *cobra.Command {
	var (
		platform string
		maxDepth int
	)
	cmd := &cobra.Command{
		Use:   "gaps [product]",
		Short: "List techniques no product (or the given product) covers",
		Args:  cobra.MaximumNArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			idx, err := c.app.taxonomyService().EnsureInitialized(cmd.Context())
			if err != nil {
				return err
			}
			res, err := c.coverage(cmd, firstArg(args), maxDepth)
			if err != nil {
				return err
			}

			var filter []string
			if platform != "" {
				filter = idx.TechniquesForPlatform(platform)
				if filter == nil {
					filter = []string{}
				}
			}
			gaps := graph.Gaps(res.Techniques(), idx.Techniques(), filter)

			return c.print(cmd.OutOrStdout(), gaps, func(w io.Writer) {
				for _, id := range gaps {
					name := ""
					if t, err := idx.GetTechnique(id); err == nil {
						name = t.Name
					}
					fmt.Fprintf(w, "%s\t%s\n", id, name)
				}
				fmt.Fprintf(w, "%d uncovered techniques\n", len(gaps))
			})
		}),
	}
	cmd.Flags().StringVar(&platform, "platform", "", "Only techniques with analytics for this platform")
	cmd.Flags().IntVar(&maxDepth, "max-depth", graph.DefaultMaxDepth, "Maximum path length in hops")
	return cmd
}

// =============================================================================
// channels
// =============================================================================

func (c *cli) channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels <component>",
		Short: "Summarize the telemetry channels behind a data component",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string) error {
			idx, err := c.app.taxonomyService().EnsureInitialized(cmd.Context())
			if err != nil {
				return err
			}
			sum := telemetry.AggregateChannels(idx, args[0])
			return c.print(cmd.OutOrStdout(), sum, func(w io.Writer) {
				fmt.Fprintf(w, "%s\n", sum.ComponentName)
				fmt.Fprintf(w, "  primary: %s", orNone(sum.Primary))
				if sum.Inferred {
					fmt.Fprintf(w, " (inferred, %s confidence)", sum.Confidence)
				}
				fmt.Fprintln(w)
				for _, ch := range sum.Channels {
					fmt.Fprintf(w, "  %4d  %s\n", ch.Count, ch.Channel)
				}
				for _, me := range sum.MutableElements {
					fmt.Fprintf(w, "  tune: %s - %s\n", me.Field, me.Description)
				}
			})
		}),
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
