// Package ops provides the structured logging surface shared by every
// Glance component: a small Logger interface over logrus, so that call
// sites log with consistent fields instead of reaching for the global
// logger directly.
package ops

import (
	log "github.com/sirupsen/logrus"
)

// Logger publishes leveled, field-annotated log events for a component.
type Logger interface {
	// With returns a Logger that adds the given fields to every event.
	With(fields log.Fields) Logger
	// Log writes a log event at the given level.
	Log(level log.Level, fields log.Fields, message string)
	// Level returns the current configured level filter.
	Level() log.Level
}

// NewLogger returns the default logrus-backed Logger, with |component|
// attached to every event it emits.
func NewLogger(component string) Logger {
	return &stdLogger{base: log.Fields{"component": component}}
}

type stdLogger struct {
	base log.Fields
}

func (l *stdLogger) With(fields log.Fields) Logger {
	var merged = make(log.Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &stdLogger{base: merged}
}

func (l *stdLogger) Log(level log.Level, fields log.Fields, message string) {
	if level > l.Level() {
		return
	}
	var entry = log.WithFields(l.base)
	if len(fields) != 0 {
		entry = entry.WithFields(fields)
	}
	entry.Log(level, message)
}

func (l *stdLogger) Level() log.Level {
	return log.GetLevel()
}

// Configure sets the process-wide logrus level and formatter from a
// textual level name (as read from GLANCE_LOG_LEVEL). An empty or
// unrecognized name leaves the default (info) level in place.
func Configure(levelName string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if levelName == "" {
		return
	}
	if lvl, err := log.ParseLevel(levelName); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", levelName).Warn("unrecognized GLANCE_LOG_LEVEL; keeping default")
	}
}
