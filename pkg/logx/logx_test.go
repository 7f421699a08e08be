package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() {
		l.With(String("comp", "x")).Error("nothing", Err(errors.New("boom")))
	})
	assert.False(t, l.Enabled(LevelError))
}

func TestWriterLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(String("comp", "runner"))

	l.Debug("hidden")
	l.Info("task finished", String("task", "app.send_mail"), Int("n", 3), Err(nil))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "task finished")
	assert.Contains(t, out, "comp=runner")
	assert.Contains(t, out, "task=app.send_mail")
	assert.Contains(t, out, "logging_test.go:")
	assert.NotContains(t, out, "err=")
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbtasks.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.With(String("comp", "test")).Debug("hello", Int64("id", 7))
	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped after apply")
	log.Warn("kept", Stack("main.go:1"))
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "debug", first["level"])
	assert.Equal(t, "hello", first["message"])
	assert.Equal(t, "test", first["comp"])
	assert.EqualValues(t, 7, first["id"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "kept", second["message"])
	assert.Equal(t, "main.go:1", second["stack"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"trace": LevelTrace, "DEBUG": LevelDebug, " info ": LevelInfo, "warning": LevelWarn, "error": LevelError} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestTaskField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info")
	l.Info("running task", Task("app.send_mail", "0b4e"))
	l.Info("scheduled", Task("app.tick", ""))

	out := buf.String()
	assert.Contains(t, out, "task=app.send_mail")
	assert.Contains(t, out, "id=0b4e")
	assert.Equal(t, 1, strings.Count(out, "id="))
}

func TestValidFormat(t *testing.T) {
	for _, f := range []string{"", "console", "JSON"} {
		assert.True(t, ValidFormat(f), f)
	}
	assert.False(t, ValidFormat("xml"))
}
