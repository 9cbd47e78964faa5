package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields are structured key/value pairs attached to a log line.
type Fields = map[string]interface{}

// DefaultLogDir is where file loggers write when it is writable.
const DefaultLogDir = "/var/log/fishtest"

// sink is shared by a logger and everything derived from it with WithField,
// so rotation and writes stay consistent across derived loggers.
type sink struct {
	mu      sync.Mutex
	output  io.Writer
	logFile *os.File
	echo    io.Writer
}

func (s *sink) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Write(p)
}

// Logger provides structured logging with file output support
type Logger struct {
	level      Level
	jsonFormat bool
	sink       *sink
	fields     Fields
	component  string
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink:       &sink{output: os.Stdout},
		fields:     make(Fields),
	}
}

// NewNopLogger discards everything. Used by tests and library callers that
// pass no logger.
func NewNopLogger() *Logger {
	return &Logger{
		level:  FATAL + 1,
		sink:   &sink{output: io.Discard},
		fields: make(Fields),
	}
}

// NewFileLogger creates a logger that writes to <dir>/<component>/<component>.log
// and echoes to stdout. An empty dir tries DefaultLogDir and falls back to ./logs.
func NewFileLogger(dir, component string, level Level, jsonFormat bool) (*Logger, error) {
	logPath := GetLogPath(dir, component)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logPath), err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logger := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink: &sink{
			output:  io.MultiWriter(logFile, os.Stdout),
			logFile: logFile,
			echo:    os.Stdout,
		},
		fields:    Fields{"component": component},
		component: component,
	}

	logger.Info(fmt.Sprintf("Logger initialized: %s -> %s", component, logPath))
	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		merged[k] = v
	}

	var line []byte
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Level:     level.String(),
			Message:   message,
			Fields:    merged,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		line = append(data, '\n')
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), message)
		if len(merged) > 0 {
			fmt.Fprintf(&b, " %v", merged)
		}
		b.WriteByte('\n')
		line = []byte(b.String())
	}
	l.sink.write(line)

	if level == FATAL {
		os.Exit(1)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) { l.log(DEBUG, message, first(fields)) }

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) { l.log(INFO, message, first(fields)) }

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) { l.log(WARN, message, first(fields)) }

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) { l.log(ERROR, message, first(fields)) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...Fields) { l.log(FATAL, message, first(fields)) }

// WithField returns a logger that adds key=value to every line.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields returns a logger that adds fields to every line.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		sink:       l.sink,
		fields:     merged,
		component:  l.component,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.sink.logFile != nil {
		l.Info("Logger closing")
		return l.sink.logFile.Close()
	}
	return nil
}

// RotateIfNeeded rotates the log file once it exceeds maxSize bytes.
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	s := l.sink
	s.mu.Lock()
	if s.logFile == nil {
		s.mu.Unlock()
		return nil
	}

	info, err := s.logFile.Stat()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if info.Size() <= maxSize {
		s.mu.Unlock()
		return nil
	}

	oldPath := s.logFile.Name()
	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	s.logFile.Close()
	if err := os.Rename(oldPath, backupPath); err != nil {
		s.mu.Unlock()
		return err
	}
	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.logFile = newFile
	if s.echo != nil {
		s.output = io.MultiWriter(newFile, s.echo)
	} else {
		s.output = newFile
	}
	s.mu.Unlock()

	l.Info(fmt.Sprintf("Log rotated: %s -> %s", oldPath, backupPath))
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}
	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// GetLogPath returns the log path for a component.
func GetLogPath(dir, component string) string {
	if dir == "" {
		dir = DefaultLogDir
		if !isWritable(dir) {
			dir = "./logs"
		}
	}
	return filepath.Join(dir, component, component+".log")
}
