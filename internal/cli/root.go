// Package cli is the dbtasks command line: run a worker, enqueue and inspect
// tasks, and preview schedules.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"dbtasks/internal/config"
	"dbtasks/internal/task/builtin"
	"dbtasks/internal/task/registry"
	"dbtasks/pkg/logx"
)

const defaultConfigPath = "./dbtasks.yaml"

type options struct {
	cfgPath string
	// registry builds the task registry the run command serves.
	registry func() (*registry.Registry, error)
}

// Execute is the entry point called from cmd/dbtasks/main.go.
func Execute() {
	if err := NewRootCmd(DefaultRegistry).Execute(); err != nil {
		os.Exit(1)
	}
}

// DefaultRegistry holds the builtin tasks.
func DefaultRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := builtin.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewRootCmd builds the command tree. newRegistry supplies the task types
// available to "run" and "types".
func NewRootCmd(newRegistry func() (*registry.Registry, error)) *cobra.Command {
	opts := &options{registry: newRegistry}
	root := &cobra.Command{
		Use:          "dbtasks",
		Short:        "Database-backed task queue and periodic scheduler",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.cfgPath, "config", defaultConfigPath, "config file path (.json, .yaml or .yml)")

	root.AddCommand(
		newRunCmd(opts),
		newEnqueueCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newNextCmd(),
		newTypesCmd(opts),
		newCheckCmd(opts),
	)
	return root
}

func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(o.cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", o.cfgPath, err)
	}
	return cfg, nil
}

// cmdLogger is used by the short-lived commands; it only reports problems.
func cmdLogger(w io.Writer) logx.Logger {
	return logx.NewWriter(w, "warn")
}
