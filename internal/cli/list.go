package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dbtasks/internal/app"
	"dbtasks/internal/storage"
)

func newListCmd(opts *options) *cobra.Command {
	var (
		filter   storage.ListFilter
		statuses []string
		periodic string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, s := range statuses {
				st := storage.Status(strings.ToUpper(strings.TrimSpace(s)))
				switch st {
				case storage.StatusReady, storage.StatusRunning, storage.StatusSuccessful, storage.StatusFailed:
					filter.Statuses = append(filter.Statuses, st)
				default:
					return fmt.Errorf("unknown status %q", s)
				}
			}
			switch periodic {
			case "":
			case "true", "false":
				v := periodic == "true"
				filter.Periodic = &v
			default:
				return fmt.Errorf("--periodic must be true or false")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg, cmdLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}
			return writeTable(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&filter.Backend, "backend", "", "only this backend")
	cmd.Flags().StringVar(&filter.TaskType, "type", "", "only this task type")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (READY, RUNNING, SUCCESSFUL, FAILED)")
	cmd.Flags().StringVar(&periodic, "periodic", "", "true or false to filter periodic tasks")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg, cmdLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer store.Close()

			t, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}
}

func writeTable(w io.Writer, tasks []storage.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tQUEUE\tPERIODIC\tRUN AFTER\tFINISHED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			t.ID, t.TaskType, t.Status, t.Queue, t.Periodic,
			fmtTime(t.RunAfter), fmtTime(t.FinishedAt), t.ErrorMessage)
	}
	return tw.Flush()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
