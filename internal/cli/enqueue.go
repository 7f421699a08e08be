package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dbtasks/internal/app"
	"dbtasks/internal/storage"
)

func newEnqueueCmd(opts *options) *cobra.Command {
	var (
		kwargsRaw string
		backend   string
		queue     string
		priority  int
		runAfter  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <task-type> [args...]",
		Short: "Add a task to the store",
		Long: `Add a task to the store.

Each positional arg is decoded as JSON when it parses (42, true, {"a":1})
and taken as a plain string otherwise.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			now := time.Now()
			n := storage.NewTask{
				TaskType:   args[0],
				Args:       parseArgs(args[1:]),
				Backend:    backend,
				Queue:      queue,
				Priority:   priority,
				EnqueuedAt: now,
			}
			if kwargsRaw != "" {
				if err := json.Unmarshal([]byte(kwargsRaw), &n.Kwargs); err != nil {
					return fmt.Errorf("--kwargs must be a JSON object: %w", err)
				}
			}
			if n.RunAfter, err = parseRunAfter(runAfter, now); err != nil {
				return err
			}

			store, err := app.OpenStore(cfg, cmdLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer store.Close()

			t, err := store.Insert(cmd.Context(), n)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kwargsRaw, "kwargs", "", `keyword arguments as a JSON object, e.g. '{"to":"ops@example.com"}'`)
	cmd.Flags().StringVar(&backend, "backend", storage.DefaultBackend, "backend name")
	cmd.Flags().StringVar(&queue, "queue", storage.DefaultQueue, "queue name")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().StringVar(&runAfter, "run-after", "", "delay (10m) or RFC 3339 time before the task may run")
	return cmd
}

func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			out = append(out, v)
			continue
		}
		out = append(out, s)
	}
	return out
}

func parseRunAfter(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--run-after: want a duration or RFC 3339 time, got %q", raw)
	}
	return t, nil
}
