// attackmap builds a MITRE ATT&CK coverage graph for security products.
//
// Typical flow:
//
//	attackmap ingest
//	attackmap product add edr --name "Acme EDR" --type edr --platform Windows
//	attackmap map edr
//	attackmap coverage edr
//	attackmap gaps edr --platform Windows
//
// Configuration is read from --config (YAML); tokens come from the
// environment or the encrypted credential stores, never from the file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/exploopio/attackmap/pkg/logging"
)

const (
	appName    = "attackmap"
	appVersion = "0.1.0"
)

// cli carries the root flags and the app built from them.
type cli struct {
	configPath string
	logLevel   string
	jsonOut    bool

	app *app
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Map security products onto MITRE ATT&CK coverage",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			c.teardown()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("ATTACKMAP_CONFIG"), "Path to config file (or ATTACKMAP_CONFIG env)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Output results as JSON")

	root.AddCommand(
		c.ingestCmd(),
		c.productCmd(),
		c.streamCmd(),
		c.mapCmd(),
		c.coverageCmd(),
		c.gapsCmd(),
		c.channelsCmd(),
		c.watchCmd(),
		c.secretCmd(),
	)
	return root
}

func (c *cli) setup() error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	zl, err := logging.NewZapLogger(cfg.Log)
	if err != nil {
		return err
	}
	logging.SetDefault(zl)
	c.app = newApp(cfg, zl)
	return nil
}

// teardown releases the app. PersistentPostRun is skipped when a command
// fails, so run wrappers call it too.
func (c *cli) teardown() {
	if c.app != nil {
		c.app.close()
	}
}

// run adapts a command body that needs the app.
func (c *cli) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err != nil {
			c.teardown()
		}
		return err
	}
}

// print writes v as JSON with --json, otherwise calls text.
func (c *cli) print(w io.Writer, v any, text func(w io.Writer)) error {
	if c.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
