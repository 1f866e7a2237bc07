package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger writing `[LEVEL] message` lines through a stdlib log.Logger.
type Logger struct {
	level atomic.Int32
	out   *log.Logger
}

// New creates a new Logger instance with the specified level writing to stdout
func New(level string) *Logger {
	l := &Logger{
		out: log.New(os.Stdout, "[HLS-LIBERATOR] ", log.LstdFlags),
	}
	l.level.Store(int32(ParseLogLevel(level)))
	return l
}

// getDefaultLogger returns the singleton default logger
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// String returns the canonical name of the level
func (lv LogLevel) String() string {
	switch lv {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// SetLogLevel sets the global default log level (package-level)
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns current log level as string (package-level)
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetOutput redirects the default logger, mostly useful for tests
func SetOutput(w io.Writer) {
	getDefaultLogger().out.SetOutput(w)
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLogLevel(level)))
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	return LogLevel(l.level.Load()).String()
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return int32(level) >= l.level.Load()
}

func (l *Logger) logMessage(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	l.out.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) { l.logMessage(DEBUG, format, v...) }

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) { l.logMessage(INFO, format, v...) }

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) { l.logMessage(WARN, format, v...) }

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) { l.logMessage(ERROR, format, v...) }

// Package-level functions (for direct use like logger.Info())

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) {
	getDefaultLogger().Debug(format, v...)
}

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) {
	getDefaultLogger().Info(format, v...)
}

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) {
	getDefaultLogger().Warn(format, v...)
}

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) {
	getDefaultLogger().Error(format, v...)
}
