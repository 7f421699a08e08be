// Package systemd talks to systemd: unit control through systemctl and
// service readiness through sd_notify.
package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify state lines. It reports whether the message was
// delivered; outside systemd (no NOTIFY_SOCKET) it is a no-op returning false.
type Notifier func(state string) (bool, error)

// SdNotify is the Notifier backed by the real notification socket.
func SdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func Ready(n Notifier) (bool, error)    { return n(daemon.SdNotifyReady) }
func Stopping(n Notifier) (bool, error) { return n(daemon.SdNotifyStopping) }
func Reloading(n Notifier) (bool, error) {
	return n(daemon.SdNotifyReloading)
}

// Status publishes a free-form status line shown by systemctl status.
func Status(n Notifier, format string, args ...any) (bool, error) {
	return n("STATUS=" + fmt.Sprintf(format, args...))
}

// runCommand is swapped in tests.
var runCommand = func(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
}

// IsActive reports whether unit is active. A non-zero exit from
// "systemctl is-active" means inactive, not failure.
func IsActive(ctx context.Context, unit string) (bool, error) {
	if err := checkUnit(unit); err != nil {
		return false, err
	}
	out, err := runCommand(ctx, "is-active", unit)
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return strings.TrimSpace(string(out)) == "active", nil
}

func Start(ctx context.Context, unit string) error   { return control(ctx, "start", unit) }
func Stop(ctx context.Context, unit string) error    { return control(ctx, "stop", unit) }
func Restart(ctx context.Context, unit string) error { return control(ctx, "restart", unit) }

func control(ctx context.Context, verb, unit string) error {
	if err := checkUnit(unit); err != nil {
		return err
	}
	out, err := runCommand(ctx, verb, unit)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("systemctl %s %s: %w", verb, unit, err)
		}
		return fmt.Errorf("systemctl %s %s: %w: %s", verb, unit, err, msg)
	}
	return nil
}

func checkUnit(unit string) error {
	if strings.TrimSpace(unit) == "" || strings.HasPrefix(unit, "-") {
		return fmt.Errorf("invalid unit name %q", unit)
	}
	return nil
}
