// Package builtin provides ready-made task functions that a deployment can
// schedule without writing Go: echo, sleep and systemd unit control.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dbtasks/internal/task/registry"
	"dbtasks/pkg/systemd"
)

const (
	Echo           = "builtin.echo"
	Sleep          = "builtin.sleep"
	UnitIsActive   = "systemd.is_active"
	UnitRestart    = "systemd.restart"
	UnitStart      = "systemd.start"
	UnitStop       = "systemd.stop"
	maxSleepLength = time.Hour
)

// ArgError reports unusable task arguments.
type ArgError struct {
	Task string
	Msg  string
}

func (e *ArgError) Error() string      { return e.Task + ": " + e.Msg }
func (e *ArgError) ErrorClass() string { return "ArgumentError" }

// Register adds every builtin task to reg.
func Register(reg *registry.Registry) error {
	for name, fn := range map[string]registry.Func{
		Echo:         echo,
		Sleep:        sleep,
		UnitIsActive: unitIsActive,
		UnitRestart:  unitControl(UnitRestart, "restarted", systemd.Restart),
		UnitStart:    unitControl(UnitStart, "started", systemd.Start),
		UnitStop:     unitControl(UnitStop, "stopped", systemd.Stop),
	} {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// echo joins its positional args with spaces. kwargs: prefix (string),
// upper (bool).
func echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	txt := strings.Join(parts, " ")
	if txt == "" {
		txt = "(empty)"
	}
	if p, ok := kwargs["prefix"].(string); ok {
		txt = p + txt
	}
	if up, _ := kwargs["upper"].(bool); up {
		txt = strings.ToUpper(txt)
	}
	return map[string]any{"text": txt}, nil
}

// sleep waits for a Go duration given as the first arg or kwargs["for"].
func sleep(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	raw, ok := kwargs["for"]
	if !ok && len(args) > 0 {
		raw = args[0]
	}
	s, ok := raw.(string)
	if !ok {
		return nil, &ArgError{Task: Sleep, Msg: "duration string required"}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || d > maxSleepLength {
		return nil, &ArgError{Task: Sleep, Msg: fmt.Sprintf("invalid duration %q", s)}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unitArg(task string, args []any) (string, error) {
	if len(args) != 1 {
		return "", &ArgError{Task: task, Msg: "exactly one unit name required"}
	}
	unit, ok := args[0].(string)
	if !ok || strings.TrimSpace(unit) == "" {
		return "", &ArgError{Task: task, Msg: "unit name must be a non-empty string"}
	}
	return unit, nil
}

func unitIsActive(ctx context.Context, args []any, _ map[string]any) (any, error) {
	unit, err := unitArg(UnitIsActive, args)
	if err != nil {
		return nil, err
	}
	active, err := systemd.IsActive(ctx, unit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"unit": unit, "active": active}, nil
}

// unitControl builds a task that runs one systemctl verb on the unit named by
// its single arg and reports {"unit": name, <done>: true}.
func unitControl(task, done string, verb func(context.Context, string) error) registry.Func {
	return func(ctx context.Context, args []any, _ map[string]any) (any, error) {
		unit, err := unitArg(task, args)
		if err != nil {
			return nil, err
		}
		if err := verb(ctx, unit); err != nil {
			return nil, err
		}
		return map[string]any{"unit": unit, done: true}, nil
	}
}
