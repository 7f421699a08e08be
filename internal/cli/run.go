package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dbtasks/internal/app"
	"dbtasks/pkg/systemd"
)

func newRunCmd(opts *options) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			a, err := app.New(opts.cfgPath, reg)
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), a, systemd.SdNotify, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 0, "give in-flight tasks this long to finish on stop (0 waits indefinitely)")
	return cmd
}

// runApp starts a, reports readiness to systemd and blocks until a signal
// arrives or the app fails.
func runApp(parent context.Context, a *app.App, notify systemd.Notifier, shutdownTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a.SetNotifier(notify)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	_, _ = systemd.Ready(notify)
	_, _ = systemd.Status(notify, "worker %s running", a.Runner().WorkerID())

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-parent.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping(notify)
	stopCtx := context.Background()
	if shutdownTimeout > 0 {
		var stopCancel context.CancelFunc
		stopCtx, stopCancel = context.WithTimeout(stopCtx, shutdownTimeout)
		defer stopCancel()
	}
	runErr := a.Err()
	stopErr := a.Stop(stopCtx, reason)
	return errors.Join(runErr, stopErr)
}
