package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Level is a zerolog level name; unknown or empty values mean info.
	Level string
	// File, when set, receives JSON logs rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Stderr     io.Writer
}

// New builds the process logger. Stderr gets a console writer when it is a
// terminal and JSON otherwise. The returned closer releases the log file.
func New(opts Options) (zerolog.Logger, io.Closer) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	var out io.Writer = stderr
	if f, ok := stderr.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
	}

	var closer io.Closer = nopCloser{}
	if file := strings.TrimSpace(opts.File); file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    positive(opts.MaxSizeMB, 10),
			MaxBackups: positive(opts.MaxBackups, 3),
			MaxAge:     positive(opts.MaxAgeDays, 30),
		}
		out = zerolog.MultiLevelWriter(out, rotating)
		closer = rotating
	}

	return zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Logger(), closer
}

func ParseLevel(raw string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
