// Package logging configures the process-wide zerolog logger. Each scheduled job runs
// as its own short-lived process and tees its output into a fixed per-job log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. It discards everything until Init is called.
var Logger = zerolog.Nop()

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer // defaults to stderr
}

func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSON {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// OpenJobLog opens the append-only log file of a job, creating the log dir if needed.
func OpenJobLog(dir, job string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(JobLogPath(dir, job), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening job log: %w", err)
	}
	return f, nil
}

func JobLogPath(dir, job string) string { return filepath.Join(dir, job+".log") }

// Tee returns a writer that writes JSON lines to the job log and human readable lines to stderr.
func Tee(jobLog io.Writer, stderr io.Writer) io.Writer {
	return zerolog.MultiLevelWriter(jobLog, zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339})
}

func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func WithJob(job string) zerolog.Logger {
	return Logger.With().Str("job", job).Logger()
}

func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}
