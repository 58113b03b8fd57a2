package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "IVORY_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	fileOnce   sync.Once
	fileLogger *log.Logger
)

// componentLogger writes timestamped lines tagged with a component name to
// ivory-service.log (and stderr when IVORY_LOG_STDERR is set).
type componentLogger struct {
	component string
	level     Level
	mu        sync.Mutex
}

// NewComponentLogger creates a logger for a specific component.
func NewComponentLogger(component string) Logger {
	level := LevelInfo
	if strings.EqualFold(os.Getenv("IVORY_LOG_LEVEL"), "debug") {
		level = LevelDebug
	}
	return &componentLogger{component: component, level: level}
}

func sharedFileLogger() *log.Logger {
	fileOnce.Do(func() {
		dir := strings.TrimSpace(os.Getenv(logDirEnvVar))
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return
			}
			dir = home
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return
		}
		file, err := os.OpenFile(filepath.Join(dir, "ivory-service.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		fileLogger = log.New(file, "", 0)
	})
	return fileLogger
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "IVORY"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [ComponentName] file.go:123 - Message
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"),
		levelString(level), component, file, line,
		fmt.Sprintf(format, args...))

	if target := sharedFileLogger(); target != nil {
		target.Print(logLine)
	}
	if os.Getenv("IVORY_LOG_STDERR") != "" {
		fmt.Fprintln(os.Stderr, logLine)
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
