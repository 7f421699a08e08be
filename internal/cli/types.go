package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"dbtasks/internal/task/runner"
)

func newTypesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the task types a worker can run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			for _, t := range reg.Types() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			fmt.Fprintln(cmd.OutOrStdout(), runner.CleanupTask)
			return nil
		},
	}
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and its periodic task types",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			var missing []string
			for typ, p := range cfg.Periodic {
				if !p.Disabled && !reg.Has(typ) {
					missing = append(missing, typ)
				}
			}
			if len(missing) > 0 {
				slices.Sort(missing)
				return fmt.Errorf("periodic task types not registered: %v", missing)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d periodic)\n", opts.cfgPath, len(cfg.Periodic))
			return nil
		},
	}
}
