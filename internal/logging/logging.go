package logging

import (
	"context"
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging
func Disable() {
	disabled = true
}

// Enable turns logging back on
func Enable() {
	disabled = false
}

// Info logs an info message
func Info(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Error logs an error message
func Error(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Warn logs a warning message
func Warn(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Debug logs a debug message (same as Info when not disabled)
func Debug(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Tag is a logger bound to a fixed component prefix, e.g. "[subagents.retry]".
// Callers get the same Info/Warn/Error surface without repeating the prefix
// at every call site.
type Tag string

// Tagged returns a Tag that prefixes every message with "[component] ".
func Tagged(component string) Tag {
	return Tag("[" + component + "] ")
}

func (t Tag) Info(v ...any)            { Info(append([]any{string(t)}, v...)...) }
func (t Tag) Infof(f string, v ...any) { Infof(string(t)+f, v...) }
func (t Tag) Warn(v ...any)            { Warn(append([]any{string(t)}, v...)...) }
func (t Tag) Warnf(f string, v ...any) { Warnf(string(t)+f, v...) }
func (t Tag) Error(v ...any)           { Error(append([]any{string(t)}, v...)...) }
func (t Tag) Errorf(f string, v ...any) { Errorf(string(t)+f, v...) }

// Logger is a simple logger that can be embedded in structs
type Logger struct{}

// WithContext creates a new Logger (context is ignored, for API compatibility)
func WithContext(ctx context.Context) Logger {
	return Logger{}
}

// Info logs an info message
func (l Logger) Info(v ...any) {
	Info(v...)
}

// Infof logs a formatted info message
func (l Logger) Infof(format string, v ...any) {
	Infof(format, v...)
}

// Error logs an error message
func (l Logger) Error(v ...any) {
	Error(v...)
}

// Errorf logs a formatted error message
func (l Logger) Errorf(format string, v ...any) {
	Errorf(format, v...)
}
