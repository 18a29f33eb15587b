// Package logging is a thin leveled wrapper around the standard library
// logger: one line per event, no structured fields, just a level gate in
// front of log.Printf.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level orders verbosity from most to least chatty.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger gates log.Printf calls by level. The zero value is usable and
// logs at Debug, i.e. every level; a nil *Logger logs nothing.
type Logger struct {
	level  Level
	prefix string
}

// FromEnv builds a Logger reading its level from the KV_LOG_LEVEL
// environment variable (§6: "a standard log-level environment variable
// controls logging verbosity"). prefix is prepended to every line, e.g.
// the node's own address, so multiple nodes sharing a terminal in tests
// stay distinguishable.
func FromEnv(prefix string) *Logger {
	return &Logger{level: parseLevel(os.Getenv("KV_LOG_LEVEL")), prefix: prefix}
}

func (l *Logger) log(level Level, tag, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		log.Printf("[%s] %s %s", tag, l.prefix, msg)
		return
	}
	log.Printf("[%s] %s", tag, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, "INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, "WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, "ERROR", format, args...) }
