// Package logging adapts go-logger to the executor's api.Logger contract.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"

	"github.com/petrijr/conveyor/pkg/api"
)

// Options selects level, format and destination of the default logger.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string
	// Format is "json" or "console". Defaults to json.
	Format string
	Writer io.Writer
}

// New builds a glog backed logger.
func New(opts Options) api.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "" {
		level = "info"
	}
	var base glog.Logger
	if strings.EqualFold(opts.Format, "console") {
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLevel(level))
	} else {
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLoggerTypeJSON(), glog.WithLevel(level))
	}
	return Wrap(base)
}

// Wrap adapts an existing glog logger. A nil logger yields api.NopLogger.
func Wrap(l glog.Logger) api.Logger {
	if l == nil {
		return api.NopLogger{}
	}
	return logger{base: l}
}

type logger struct {
	base glog.Logger
}

var (
	_ api.Logger       = logger{}
	_ api.FieldsLogger = logger{}
)

func (l logger) Trace(msg string, args ...any) { l.base.Trace(msg, args...) }
func (l logger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l logger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l logger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l logger) Error(msg string, args ...any) { l.base.Error(msg, args...) }
func (l logger) Fatal(msg string, args ...any) { l.base.Fatal(msg, args...) }

func (l logger) WithContext(ctx context.Context) api.Logger {
	return logger{base: l.base.WithContext(ctx)}
}

func (l logger) WithFields(fields map[string]any) api.Logger {
	if fl, ok := l.base.(glog.FieldsLogger); ok {
		return logger{base: fl.WithFields(fields)}
	}
	return l
}
