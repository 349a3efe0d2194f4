// Package logger constructs the single structured logger threaded through
// every subsystem of this module as the narrow Logger interface (Infof/
// Warnf/Errorf) each package already declares for itself, rather than a
// concrete *logrus.Logger dependency everywhere.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the structured-logging seam that the subsystem packages comm,
// cluster and orchestrator each declare their own copy of. A single
// *Adapter satisfies all of them.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Adapter wraps a *logrus.Logger (and an optional job-id field) as Logger.
type Adapter struct {
	entry *logrus.Entry
}

// New builds a logrus-backed Logger. format selects "json" (the default,
// suited to log aggregation) or "text" (human-friendly for an interactive
// terminal session); level parses as any logrus level name ("debug",
// "info", "warn", "error"), defaulting to "info" on an empty or invalid
// value.
func New(level, format string) *Adapter {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &Adapter{entry: logrus.NewEntry(l)}
}

// NewSilent builds a Logger that discards everything, used by tests that
// want a real Logger value without polluting test output.
func NewSilent() *Adapter {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Adapter{entry: logrus.NewEntry(l)}
}

// WithJob returns a derived Logger that tags every record with the job_id
// field, used at submission and state-transition sites.
func (a *Adapter) WithJob(id int) *Adapter {
	return &Adapter{entry: a.entry.WithField("job_id", id)}
}

// WithField returns a derived Logger tagging every record with one extra
// field, e.g. WithField("iteration", 3) at iteration-close sites.
func (a *Adapter) WithField(key string, value any) *Adapter {
	return &Adapter{entry: a.entry.WithField(key, value)}
}

func (a *Adapter) Infof(format string, args ...any)  { a.entry.Infof(format, args...) }
func (a *Adapter) Warnf(format string, args ...any)  { a.entry.Warnf(format, args...) }
func (a *Adapter) Errorf(format string, args ...any) { a.entry.Errorf(format, args...) }
