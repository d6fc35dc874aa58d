package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

type Config struct {
	Level  string `json:"level"`
	Output string `json:"output"`
}

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelMap = map[string]Level{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
}

// Logger is a small leveled logger shared by the engine components.
type Logger struct {
	logger *log.Logger
	level  Level
	closer io.Closer
}

func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = &Config{Level: "info", Output: "stdout"}
	}

	level, exists := levelMap[config.Level]
	if !exists {
		level = INFO
	}

	var output io.Writer
	var closer io.Closer
	switch config.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}

	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  level,
		closer: closer,
	}, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return &Logger{logger: log.New(io.Discard, "", 0), level: ERROR + 1}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.logger.Printf("[INFO] "+format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.logger.Printf("[WARN] "+format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.logger.Printf("[ERROR] "+format, args...)
	}
}

func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
