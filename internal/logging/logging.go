// Package logging builds the process logger and the adapter raft logs through.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/zerolog"
)

// New returns a zerolog logger writing to out. Format "json" emits one JSON
// object per line; anything else uses the console writer.
func New(out io.Writer, level, format string) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if !strings.EqualFold(format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// NewHCLog adapts logger for libraries that expect an hclog.Logger. Lines
// are written through zerolog so both share one sink.
func NewHCLog(name string, logger zerolog.Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclogLevel(logger.GetLevel()),
		Output:     &zerologWriter{logger: logger.With().Str("component", name).Logger()},
		JSONFormat: true,
	})
}

func hclogLevel(l zerolog.Level) hclog.Level {
	switch l {
	case zerolog.TraceLevel:
		return hclog.Trace
	case zerolog.DebugLevel:
		return hclog.Debug
	case zerolog.InfoLevel:
		return hclog.Info
	case zerolog.WarnLevel:
		return hclog.Warn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return hclog.Error
	case zerolog.Disabled:
		return hclog.Off
	}
	return hclog.Info
}

// zerologWriter re-emits hclog JSON lines as zerolog events, keeping the
// original level and fields.
type zerologWriter struct {
	logger zerolog.Logger
}

func (w *zerologWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}

	level := zerolog.InfoLevel
	switch {
	case strings.Contains(line, `"@level":"trace"`):
		level = zerolog.TraceLevel
	case strings.Contains(line, `"@level":"debug"`):
		level = zerolog.DebugLevel
	case strings.Contains(line, `"@level":"warn"`):
		level = zerolog.WarnLevel
	case strings.Contains(line, `"@level":"error"`):
		level = zerolog.ErrorLevel
	}
	w.logger.WithLevel(level).RawJSON("hclog", []byte(line)).Msg("")
	return len(p), nil
}
