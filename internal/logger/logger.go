// Package logger wires the process-wide slog default logger (spec §2.2)
// and provides per-child-process log file rotation via lumberjack for
// optional mirroring of stdout/stderr to disk.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
	"log/slog"
)

// Setup installs the process-wide slog default logger using
// ColorTextHandler, writing to stderr. The level comes from the DOLOROUS_LOG
// environment variable if set, otherwise configFilter (the config file's
// log-filter field); an unrecognised value falls back to info.
func Setup(configFilter string) {
	filter := os.Getenv("DOLOROUS_LOG")
	if filter == "" {
		filter = configFilter
	}
	level := parseLevel(filter)
	handler := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}, true)
	slog.SetDefault(slog.New(handler))
}

func parseLevel(filter string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(filter)) {
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

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// ChildLogName is the base filename stem used for the supervised child's
// mirrored stdout/stderr. Unlike the teacher's process registry, dolorous
// owns exactly one child at a time (spec.md Invariant 1), so there is no
// per-instance name to disambiguate one log file from another.
const ChildLogName = "process"

// Config describes the mirror destination for the one child dolorous
// supervises. If StdoutPath/StderrPath are empty, and Dir is set, files
// will be Dir/process.stdout.log and Dir/process.stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for logs
	StdoutPath string // explicit stdout path overrides Dir
	StderrPath string // explicit stderr path overrides Dir
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// Writers returns io.WriteClosers mirroring the supervised child's stdout
// and stderr to disk. A zero Config (no Dir, no explicit paths) is a valid
// "mirroring disabled" configuration and yields two nil writers, matching
// spec.md's optional process.log block.
func (c Config) Writers() (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", ChildLogName))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", ChildLogName))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = &lj.Logger{
			Filename:   stdout,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	if stderr != "" {
		errW = &lj.Logger{
			Filename:   stderr,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return outW, errW, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
