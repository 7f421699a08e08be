package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtasks/internal/app"
	"dbtasks/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(DefaultRegistry)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dbtasks.yaml")
	body := "logging:\n  level: error\nstorage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "tasks.db") + "\nrunner:\n  poll_interval: 10ms\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNext(t *testing.T) {
	out, err := execute(t, "next", "30 4 1,15 * *", "--after", "2025-01-01T00:00:00Z", "--tz", "UTC", "-n", "3")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T04:30:00Z\n2025-01-15T04:30:00Z\n2025-02-01T04:30:00Z\n", out)

	out, err = execute(t, "next", "every 1w", "--anchor", "2025-01-01T00:00:00Z", "--after", "2025-01-01T00:00:00Z", "--tz", "UTC", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-08T00:00:00Z\n2025-01-15T00:00:00Z\n", out)

	_, err = execute(t, "next", "61 * * * *")
	assert.Error(t, err)
}

func TestEnqueueListGet(t *testing.T) {
	cfg := sqliteConfig(t, "")

	out, err := execute(t, "--config", cfg, "enqueue", "builtin.echo", "hello", "42", "--kwargs", `{"upper":true}`, "--queue", "mail", "--run-after", "1h")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = execute(t, "--config", cfg, "get", id)
	require.NoError(t, err)
	var got storage.Task
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "builtin.echo", got.TaskType)
	assert.Equal(t, []any{"hello", float64(42)}, got.Args)
	assert.Equal(t, map[string]any{"upper": true}, got.Kwargs)
	assert.Equal(t, "mail", got.Queue)
	assert.Equal(t, storage.StatusReady, got.Status)
	assert.True(t, got.RunAfter.After(time.Now().Add(50*time.Minute)))

	out, err = execute(t, "--config", cfg, "list", "--status", "ready")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, id)

	out, err = execute(t, "--config", cfg, "list", "--status", "failed")
	require.NoError(t, err)
	assert.NotContains(t, out, id)

	_, err = execute(t, "--config", cfg, "list", "--status", "done")
	assert.Error(t, err)
	_, err = execute(t, "--config", cfg, "enqueue", "builtin.echo", "--kwargs", "[1]")
	assert.Error(t, err)
}

func TestCheckAndTypes(t *testing.T) {
	ok := sqliteConfig(t, "periodic:\n  builtin.echo:\n    schedule: \"@hourly\"\n")
	out, err := execute(t, "--config", ok, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 periodic)")

	bad := sqliteConfig(t, "periodic:\n  app.nope:\n    schedule: \"@hourly\"\n")
	_, err = execute(t, "--config", bad, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.nope")

	out, err = execute(t, "types")
	require.NoError(t, err)
	assert.Contains(t, out, "builtin.echo\n")
	assert.Contains(t, out, "dbtasks.cleanup\n")
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, []any{"x", float64(1), true, map[string]any{"a": "b"}}, parseArgs([]string{"x", "1", "true", `{"a":"b"}`}))

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseRunAfter("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Minute), got)
	got, err = parseRunAfter("2025-02-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), got)
	got, err = parseRunAfter("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	_, err = parseRunAfter("tomorrow", now)
	assert.Error(t, err)
}

func TestRunAppNotifiesSystemd(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	a, err := app.New(sqliteConfig(t, ""), reg)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		sent []string
	)
	notify := func(state string) (bool, error) {
		mu.Lock()
		sent = append(sent, state)
		mu.Unlock()
		return true, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runApp(ctx, a, notify, 5*time.Second) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) >= 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 3)
	assert.Equal(t, "READY=1", sent[0])
	assert.True(t, strings.HasPrefix(sent[1], "STATUS=worker "))
	assert.Equal(t, "STOPPING=1", sent[2])
}
