package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dbtasks/internal/task/schedule"
)

func newNextCmd() *cobra.Command {
	var (
		count  int
		after  string
		anchor string
		tz     string
	)
	cmd := &cobra.Command{
		Use:   "next <schedule>",
		Short: "Print upcoming occurrences of a schedule",
		Example: `  dbtasks next "30 4 1,15 * *" --count 4
  dbtasks next "every 1w" --anchor 2025-01-01T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.Local
			if tz != "" {
				var err error
				if loc, err = time.LoadLocation(tz); err != nil {
					return fmt.Errorf("--tz: %w", err)
				}
			}
			start := time.Now().In(loc)
			if after != "" {
				t, err := time.Parse(time.RFC3339, after)
				if err != nil {
					return fmt.Errorf("--after: %w", err)
				}
				start = t.In(loc)
			}
			var anchorAt time.Time
			if anchor != "" {
				t, err := time.Parse(time.RFC3339, anchor)
				if err != nil {
					return fmt.Errorf("--anchor: %w", err)
				}
				anchorAt = t.In(loc)
			}

			s, err := schedule.Parse(args[0], anchorAt)
			if err != nil {
				return err
			}
			n := 0
			for t := range schedule.Dates(s, start, time.Time{}) {
				fmt.Fprintln(cmd.OutOrStdout(), t.In(loc).Format(time.RFC3339))
				if n++; n >= count {
					break
				}
			}
			if n == 0 {
				return fmt.Errorf("schedule %q has no upcoming occurrence", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	cmd.Flags().StringVar(&after, "after", "", "start after this RFC 3339 time (default now)")
	cmd.Flags().StringVar(&anchor, "anchor", "", "anchor for interval schedules (default local midnight today)")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone for the output (default local)")
	return cmd
}
