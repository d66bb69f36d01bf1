// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log lines go.
type Options struct {
	// File receives a copy of every line. Empty disables file logging.
	File    string
	Verbose bool
	// Stdout defaults to os.Stdout.
	Stdout io.Writer
}

// Setup installs a tint handler as the default logger. The returned closer
// flushes and closes the log file.
func Setup(opts Options) io.Closer {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var (
		writer io.Writer = stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		writer = io.MultiWriter(stdout, file)
		closer = file
	}

	// Colour codes only make sense on a terminal and never in the file
	handler := tint.NewHandler(writer, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    opts.File != "" || !isTerminal(stdout),
	})

	slog.SetDefault(slog.New(handler))
	return closer
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
