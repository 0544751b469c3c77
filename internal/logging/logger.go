package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "UNKNOWN"
}

var (
	rootInstance *Logger
	rootOnce     sync.Once
)

// Logger provides leveled, component-tagged logging to weave-debug.log.
type Logger struct {
	out       *log.Logger
	level     Level
	mu        *sync.Mutex
	component string
}

// Root returns the process-wide logger instance. The log file lives in the
// user's home directory; if it cannot be opened the logger degrades to a
// no-op writer rather than failing the caller.
func Root() *Logger {
	rootOnce.Do(func() {
		rootInstance = newLogger(levelFromEnv())
	})
	return rootInstance
}

// ForComponent creates a logger tagged with a component name. All component
// loggers share the root writer and level.
func ForComponent(component string) *Logger {
	root := Root()
	return &Logger{
		out:       root.out,
		level:     root.level,
		mu:        root.mu,
		component: component,
	}
}

func newLogger(level Level) *Logger {
	l := &Logger{level: level, mu: &sync.Mutex{}}

	var w io.Writer = io.Discard
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, "weave-debug.log")
		if file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = file
		}
	}
	l.out = log.New(w, "", 0)
	return l
}

func levelFromEnv() Level {
	switch os.Getenv("WEAVE_LOG_LEVEL") {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets the minimum level for this logger.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput redirects log output. Used by tests and the CLI verbose mode.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.SetOutput(w)
}

func (l *Logger) log(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "core"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("%s [%s] [%s] %s:%d %s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		level, component, file, line,
		fmt.Sprintf(format, args...),
	)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...any) { l.log(INFO, format, args...) }

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) { l.log(WARN, format, args...) }

// Error logs an error.
func (l *Logger) Error(format string, args ...any) { l.log(ERROR, format, args...) }
