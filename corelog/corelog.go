// Package corelog is the logging sink named in §6: "a logging sink
// callable (single function: log(level, location, message)). The core
// emits at most a handful of lines per second at INFO and scales with
// errors otherwise."
//
// It is the ambient stack's logging layer: a structured logger built on
// logiface (the generic Logger[Event]/Builder chain) with stumpy as the
// JSON backend, the same pairing the source's own sibling packages use.
// Rate limiting — "a handful of lines per second at INFO, scaling with
// errors" — is catrate's job: INFO lines are capped low, keyed on call
// site so one noisy location doesn't starve the others; WARNING and ERROR
// lines are not throttled.
package corelog

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Level mirrors the three severities §6's sink is specified in terms of;
// it maps onto logiface's syslog-style Level scale, which has finer
// grades this package doesn't need to expose.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) logifaceLevel() logiface.Level {
	switch l {
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// Sink is the §6 logging interface: log(level, location, message).
type Sink func(level Level, location string, message string)

// defaultRates: a handful of INFO lines per second (and per minute). Only
// INFO goes through the limiter; WARNING and ERROR are unlimited — they
// are rare enough, and important enough, that throttling them would hide
// the thing the core is trying to report.
var defaultRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 120,
}

// Logger wraps a logiface.Logger[*stumpy.Event] with the rate limiting §6
// describes, and exposes it as a Sink for the rest of the module to log
// through.
type Logger struct {
	base    *logiface.Logger[*stumpy.Event]
	limiter *catrate.Limiter
}

// New builds a Logger writing newline-delimited JSON via stumpy, rate
// limited per call-site location the way §6 specifies.
func New(options ...stumpy.Option) *Logger {
	base := stumpy.L.New(stumpy.L.WithStumpy(options...))
	return &Logger{
		base:    base,
		limiter: catrate.NewLimiter(defaultRates),
	}
}

// Sink returns this Logger as a §6 sink callable.
func (l *Logger) Sink() Sink {
	return l.log
}

func (l *Logger) log(level Level, location string, message string) {
	if level != LevelInfo {
		// WARNING and ERROR always get through: throttling is only meant
		// to cap the steady-state chatter at INFO.
		l.emit(level, location, message)
		return
	}
	if _, ok := l.limiter.Allow(location); !ok {
		return
	}
	l.emit(level, location, message)
}

func (l *Logger) emit(level Level, location string, message string) {
	l.base.Build(level.logifaceLevel()).
		Str("loc", location).
		Log(message)
}
