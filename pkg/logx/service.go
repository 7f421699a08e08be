package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultFilePath is used when file logging is enabled without a path.
const DefaultFilePath = "./dbtasks.log"

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level string
	// Format of the stdout sink: "console" (default) or "json". JSON suits
	// journald and log shippers. The file sink is always JSON.
	Format  string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process-wide sinks. Loggers bound to it pick up every
// Apply without being rebuilt.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the Service with a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close releases the log file. Loggers keep working on stdout afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	zl := newRoot(stdoutWriter(s.cfg.Format), parseLevel(s.cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
	f := s.file
	s.file = nil
	if f == nil {
		return nil
	}
	return f.Close()
}

// Apply swaps sinks and level. Safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, stdoutWriter(cfg.Format))
	}
	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open %q: %v\n", path, err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, stdoutWriter(cfg.Format))
	}

	zl := newRoot(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)

	// The previous file is closed only once nothing can write to it.
	prev := s.file
	s.file = file
	if prev != nil {
		_ = prev.Close()
	}
}

func newRoot(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func stdoutWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return Stdout()
	}
	return consoleWriter(Stdout())
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		NoColor:      w != os.Stdout,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// ParseLevel maps trace, debug, info, warn (or warning) and error to a Level.
func ParseLevel(s string) (Level, error) {
	lvl := parseLevel(s, zerolog.NoLevel)
	if lvl == zerolog.NoLevel {
		return lvl, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}

// ValidFormat reports whether f names a stdout format.
func ValidFormat(f string) bool {
	switch strings.ToLower(strings.TrimSpace(f)) {
	case "", "console", "json":
		return true
	}
	return false
}

func Stdout() io.Writer { return os.Stdout }

func Stderr() io.Writer { return os.Stderr }
