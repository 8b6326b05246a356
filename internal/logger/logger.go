// Package logger provides the process wide zerolog logger. Output goes to a
// size rotated file when a path is configured, to stdout otherwise.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const dateFormat = "2006-01-02T15:04:05.000"

var logger = zerolog.New(&syncWriter{out: os.Stdout}).With().Timestamp().Logger()

// Options configures InitLogger.
type Options struct {
	// FilePath enables file output with rotation. Empty means stdout.
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
	Level      string
}

// InitLogger replaces the global logger.
func InitLogger(opts Options) error {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = l
	}
	zerolog.TimeFieldFormat = dateFormat

	var out io.Writer = &syncWriter{out: os.Stdout}
	if isLogFilePathValid(opts.FilePath) {
		out = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		}
	}
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}

// GetLogger returns the global logger.
func GetLogger() *zerolog.Logger {
	return &logger
}

// WithSender returns a child logger tagged with sender.
func WithSender(sender string) zerolog.Logger {
	return logger.With().Str("sender", sender).Logger()
}

// DisableLogger silences all output. Tests use it.
func DisableLogger() {
	logger = zerolog.Nop()
}

// Debug logs at debug level for the specified sender
func Debug(sender, format string, v ...any) {
	logger.Debug().Str("sender", sender).Msg(fmt.Sprintf(format, v...))
}

// Info logs at info level for the specified sender
func Info(sender, format string, v ...any) {
	logger.Info().Str("sender", sender).Msg(fmt.Sprintf(format, v...))
}

// Warn logs at warn level for the specified sender
func Warn(sender, format string, v ...any) {
	logger.Warn().Str("sender", sender).Msg(fmt.Sprintf(format, v...))
}

// Error logs at error level for the specified sender
func Error(sender, format string, v ...any) {
	logger.Error().Str("sender", sender).Msg(fmt.Sprintf(format, v...))
}

func isLogFilePathValid(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "." && clean != ".."
}

type syncWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *syncWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(b)
}
