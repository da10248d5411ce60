// Package logging builds the service's slog.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Options selects the handler.
type Options struct {
	Level string
	// Format is "console" (tint) or "json".
	Format string
	// Path, when set, sends output to a size-capped file instead of Writer.
	Path   string
	Writer io.Writer
}

// New returns a logger and a close function for any file it opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	closer := func() error { return nil }
	if opts.Path != "" {
		fw, err := NewFileWriter(opts.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = fw
		closer = fw.Close
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !isTerminal(w),
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == "error" && a.Value.Kind() == slog.KindAny {
					if err, ok := a.Value.Any().(error); ok {
						return tint.Err(err)
					}
				}
				return a
			},
		})
	}
	return slog.New(handler), closer, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names are Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
