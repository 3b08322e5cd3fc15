// Package logger owns the two slog streams of an opsagentd process.
//
// L is the operational log: agent iterations, queue deliveries, backend
// errors. Audit is the operator audit stream: job submissions, approval
// decisions and job outcomes, written as JSON to a size-rotated file so it
// can be shipped independently. The hash-chained execution log in
// internal/auditlog is the authoritative record; this stream is its
// grep-friendly companion.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the logging section of the agent configuration file.
type Config struct {
	// Level is debug, info, warn or error. Unknown values mean info.
	Level string
	// Format is json (default) or text.
	Format string
	// OutputPaths lists stdout, stderr or file paths. Empty means stdout.
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig configures the rotating operator audit file. When disabled,
// audit records go to the operational log.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditMaxBackups = 7
	defaultAuditMaxAgeDays = 30
)

var (
	mu      sync.RWMutex
	base    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
	once    sync.Once
	initErr error
)

// Init installs the process loggers. Only the first call configures them;
// later calls return the first call's error, if any.
func Init(cfg Config) error {
	once.Do(func() {
		initErr = install(cfg)
	})
	return initErr
}

func install(cfg Config) error {
	level := parseLevel(cfg.Level)
	out, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	opLog := slog.New(newHandler(cfg.Format, out, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}))

	auditLog := opLog.With(slog.String("stream", "audit"))
	if cfg.Audit.Enabled {
		if auditLog, err = buildAuditLogger(cfg.Audit); err != nil {
			return err
		}
	}

	mu.Lock()
	base, audit = opLog, auditLog
	mu.Unlock()
	return nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// openOutputs resolves every configured output and fans records out to all of them.
func openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		w, err := openOutput(p)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openOutput(path string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	track(f)
	return f, nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, defaultAuditMaxSizeMB),
		MaxBackups: positiveOr(cfg.MaxBackups, defaultAuditMaxBackups),
		MaxAge:     positiveOr(cfg.MaxAgeDays, defaultAuditMaxAgeDays),
		Compress:   cfg.Compress,
	}
	track(rotator)
	// 审计记录始终落盘，不受运行日志级别影响。
	return slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func track(c io.Closer) {
	mu.Lock()
	closers = append(closers, c)
	mu.Unlock()
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the operational logger, installing a stdout JSON logger if Init
// has not run yet (tests and library use).
func L() *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return slog.Default()
	}
	return base
}

// Audit returns the operator audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	a := audit
	mu.RUnlock()
	if a == nil {
		return L().With(slog.String("stream", "audit"))
	}
	return a
}

// Named returns the operational logger tagged with component=name, e.g.
// "agent", "approval.redis" or "auditlog.clickhouse".
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes every file the loggers opened. opsagentd calls it on shutdown.
func Sync() error {
	mu.Lock()
	pending := closers
	closers = nil
	mu.Unlock()

	var err error
	for _, c := range pending {
		err = errors.Join(err, c.Close())
	}
	return err
}
