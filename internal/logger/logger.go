package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days

	kernelLogName = "locikernel.log"
)

// Config describes where the kernel and its undecoded children log.
// With Dir set, the kernel writes Dir/locikernel.log and each child gets
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation parameters
// follow lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"` // debug|info|warn|error
	NoColor    bool   `mapstructure:"no_color"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Writers returns rotating writers for a child's stdout and stderr. Both are
// nil when Dir is empty and the child should inherit the kernel's streams.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	outW := c.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name)))
	errW := c.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name)))
	return outW, errW, nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Setup installs the default slog logger: coloured text on stderr and, when
// Dir is set, plain text into a rotated kernel log. Console lines drop the
// timestamp when the file sink has it. The returned closer flushes the file.
func Setup(c Config) (io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var console slog.Handler
	if c.NoColor {
		console = slog.NewTextHandler(os.Stderr, opts)
	} else {
		console = NewColorTextHandler(os.Stderr, opts, c.Dir == "")
	}
	if c.Dir == "" {
		slog.SetDefault(slog.New(console))
		return io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		slog.SetDefault(slog.New(console))
		return io.NopCloser(nil), fmt.Errorf("create log dir: %w", err)
	}
	file := c.rotating(filepath.Join(c.Dir, kernelLogName))
	slog.SetDefault(slog.New(fanout{console, slog.NewTextHandler(file, opts)}))
	return file, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
