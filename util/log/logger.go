package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug

	PrefixError = "\033[31m[ERROR]\033[0m \u001B[34m"
	PrefixWarn  = "\033[33m[WARN]\033[0m \u001B[34m"
	PrefixInfo  = "\033[32m[INFO]\033[0m \u001B[34m"
	PrefixDebug = "\033[36m[DEBUG]\033[0m \u001B[34m"
)

var (
	prefixes     = []string{PrefixError, PrefixWarn, PrefixInfo, PrefixDebug}
	globalLogger = NewLogger(LevelInfo, os.Stdout)
)

// Logger writes leveled messages. Messages above the configured level are dropped.
type Logger struct {
	mu      sync.RWMutex
	level   Level
	loggers []*log.Logger
}

func NewLogger(level Level, out io.Writer) *Logger {
	if level < LevelError {
		level = LevelError
	}
	if level > LevelDebug {
		level = LevelDebug
	}
	l := &Logger{level: level, loggers: make([]*log.Logger, LevelDebug+1)}
	for i := LevelError; i <= LevelDebug; i++ {
		flags := log.LstdFlags | log.Lshortfile
		if i == LevelInfo {
			flags = log.LstdFlags
		}
		l.loggers[i] = log.New(out, prefixes[i], flags)
	}
	return l
}

// ParseLevel accepts error, warn, info and debug in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level <= l.level
}

func (l *Logger) output(level Level, msg string) {
	if !l.enabled(level) {
		return
	}
	// depth 3: output -> Logger method -> package func or caller
	_ = l.loggers[level].Output(3, "\033[0m"+msg)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.output(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(err error) {
	l.output(LevelError, err.Error())
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.output(LevelError, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) SetOutput(out io.Writer) {
	for _, logger := range l.loggers {
		logger.SetOutput(out)
	}
}

func Info(format string, args ...interface{}) {
	globalLogger.Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	globalLogger.Warn(format, args...)
}

func Error(err error) {
	globalLogger.Error(err)
}

func Errorf(format string, args ...interface{}) {
	globalLogger.Errorf(format, args...)
}

func Debug(format string, args ...interface{}) {
	globalLogger.Debug(format, args...)
}

func SetOutput(out io.Writer) {
	globalLogger.SetOutput(out)
}

func SetLevel(level Level) {
	globalLogger.SetLevel(level)
}
