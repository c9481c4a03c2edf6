// Package logger wraps a process-wide logrus logger with the nested
// formatter and optional rotating file output.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers don't import logrus directly.
type Fields = logrus.Fields

// Options configures the process logger.
type Options struct {
	Level    string // logrus level name, "info" when empty
	File     string // rotating log file, stderr only when empty
	NoColors bool
	Caller   bool
}

var (
	mu  sync.RWMutex
	std = newLogger(os.Stderr, logrus.InfoLevel, Options{})
)

func newLogger(out io.Writer, level logrus.Level, opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&formatter.Formatter{
		NoColors:        opts.NoColors,
		TimestampFormat: "02 Jan 06 - 15:04:05",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
	})
	l.SetOutput(out)
	l.SetReportCaller(opts.Caller)
	return l
}

// Setup replaces the process logger. It is called once from the CLI root.
func Setup(opts Options) error {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		level = parsed
	}

	writers := []io.Writer{os.Stderr}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}

	l := newLogger(io.MultiWriter(writers...), level, opts)
	mu.Lock()
	std = l
	mu.Unlock()
	return nil
}

// SetOutput redirects the logger, mainly for tests.
func SetOutput(w io.Writer) {
	get().SetOutput(w)
}

// Logger returns the underlying logrus logger.
func Logger() *logrus.Logger {
	return get()
}

func get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

func entry(fields Fields) *logrus.Entry {
	if fields == nil {
		fields = Fields{}
	}
	return get().WithFields(fields)
}

func Debug(fields Fields, msg string) {
	entry(fields).Debug(msg)
}

func Info(fields Fields, msg string) {
	entry(fields).Info(msg)
}

func Warn(fields Fields, msg string) {
	entry(fields).Warn(msg)
}

func Error(fields Fields, msg string) {
	entry(fields).Error(msg)
}

// ErrorWithTraceID logs msg with a trace id and returns it so it can be
// handed to the client. The request id is reused when present.
func ErrorWithTraceID(fields Fields, msg string) string {
	if fields == nil {
		fields = Fields{}
	}
	traceID, _ := fields["request_id"].(string)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	fields["trace_id"] = traceID
	entry(fields).Error(msg)
	return traceID
}

// WithContext returns an entry tagged with the chi request id, if any.
func WithContext(ctx context.Context) *logrus.Entry {
	requestID := "unknown"
	if ctx != nil {
		if id := chiMiddleware.GetReqID(ctx); id != "" {
			requestID = id
		}
	}
	return get().WithField("request_id", requestID)
}
