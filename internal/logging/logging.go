// Package logging provides a thin, component-prefixed wrapper over the
// standard library logger. It is not the system of record for anything —
// internal/audit is — this is stderr-only operational noise, the same role
// log.Printf played in the teacher's engine.go.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger writes prefixed lines to an underlying *log.Logger.
type Logger struct {
	component string
	std       *log.Logger
}

// New returns a Logger for the given component name, writing to w.
// A nil w defaults to os.Stderr.
func New(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		component: component,
		std:       log.New(w, "", log.LstdFlags),
	}
}

func (l *Logger) line(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%s [%s] %s", level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.line("DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.line("INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.line("WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.line("ERROR", format, args...) }
