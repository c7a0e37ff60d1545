package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	gormlogger "gorm.io/gorm/logger"
)

// Fields type alias for logrus.Fields to maintain compatibility
type Fields map[string]interface{}

// Log wraps logrus.Logger with additional functionality
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry with additional functionality
type Entry struct {
	*logrus.Entry
}

// Options controls how a Log is built
type Options struct {
	Level  string // logrus level name, e.g. "info"
	Format string // "text" or "json"
	File   string // optional rotated log file, written in addition to stdout
	MaxAge int    // days to keep rotated files
}

// New builds a logger writing to stdout and, when configured, a rotated file
func New(opts Options) (*Log, error) {
	l := &Log{Logger: logrus.New()}

	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s'", opts.Level)
	}
	l.SetLevel(lvl)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		file := filepath.Base(f.File)
		return "", fmt.Sprintf("%s:%d", file, f.Line)
	}

	switch opts.Format {
	case "json":
		l.SetReportCaller(true)
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("invalid log format '%s'", opts.Format)
	}

	if opts.File != "" {
		maxAge := opts.MaxAge
		if maxAge <= 0 {
			maxAge = 14
		}
		l.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename: opts.File,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}))
	} else {
		l.SetOutput(os.Stdout)
	}

	return l, nil
}

// Discard returns a logger that drops everything; used by tests and as a
// fallback when a component is built without a logger.
func Discard() *Log {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Log{Logger: l}
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// OrDiscard returns e, or a silent entry for the component when e is nil
func OrDiscard(e *Entry, component string) *Entry {
	if e != nil {
		return e
	}
	return Discard().WithComponent(component)
}

// GormLogger adapts the log to gorm, keeping SQL noise below warn level
func (l *Log) GormLogger() gormlogger.Interface {
	level := gormlogger.Warn
	switch {
	case l.GetLevel() >= logrus.TraceLevel:
		level = gormlogger.Info
	case l.GetLevel() <= logrus.ErrorLevel:
		level = gormlogger.Error
	}
	return gormlogger.New(l.WithComponent("gorm"), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// LogDuration logs how long an operation took
func LogDuration(entry *Entry, operation string, started time.Time, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	fields["duration_ms"] = float64(time.Since(started).Nanoseconds()) / 1e6
	fields["operation"] = operation
	entry.WithFields(fields).Debug("operation finished")
}
