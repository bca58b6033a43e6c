package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogCategory represents different log categories
type LogCategory string

const (
	CategoryQueue LogCategory = "queue" // Download job lifecycle (JSON)
	CategorySync  LogCategory = "sync"  // Library sync runs (JSON)
	CategoryError LogCategory = "error" // Application errors (JSON)
)

// Categories lists every category with its own log file
var Categories = []LogCategory{CategoryQueue, CategorySync, CategoryError}

// ValidCategory reports whether c is a known category
func ValidCategory(c LogCategory) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type categoryLog struct {
	logger *zap.Logger
	file   *os.File
}

// MultiLogger writes categorized JSON logs to one file per category and day
// (<logs_dir>/<category>-YYYYMMDD.log).
type MultiLogger struct {
	config      MultiLoggerConfig
	level       zapcore.Level
	mu          sync.RWMutex
	loggers     map[LogCategory]*categoryLog
	currentDate string
	now         func() time.Time
}

// MultiLoggerConfig contains configuration for multi-output logging
type MultiLoggerConfig struct {
	Level   string // debug, info, warn, error
	LogsDir string // Directory for log files
}

// NewMultiLogger creates a new multi-output logger
func NewMultiLogger(config MultiLoggerConfig) (*MultiLogger, error) {
	if config.LogsDir == "" {
		return nil, fmt.Errorf("logs_dir must be specified")
	}

	if err := os.MkdirAll(config.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	ml := &MultiLogger{
		config: config,
		level:  level,
		now:    time.Now,
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	if err := ml.openAll(); err != nil {
		return nil, err
	}
	return ml, nil
}

// openAll (re)opens every category file for the current date. Caller holds mu.
func (ml *MultiLogger) openAll() error {
	date := ml.now().Format("20060102")
	loggers := make(map[LogCategory]*categoryLog, len(Categories))

	for _, category := range Categories {
		level := ml.level
		if category == CategoryError {
			level = zapcore.ErrorLevel
		}
		cl, err := ml.createStructuredLogger(category, date, level)
		if err != nil {
			for _, opened := range loggers {
				opened.file.Close()
			}
			return fmt.Errorf("failed to create %s logger: %w", category, err)
		}
		loggers[category] = cl
	}

	for _, old := range ml.loggers {
		old.logger.Sync()
		old.file.Close()
	}
	ml.loggers = loggers
	ml.currentDate = date
	return nil
}

func (ml *MultiLogger) createStructuredLogger(category LogCategory, date string, level zapcore.Level) (*categoryLog, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.CallerKey = ""

	logPath := filepath.Join(ml.config.LogsDir, fmt.Sprintf("%s-%s.log", category, date))
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level)
	return &categoryLog{logger: zap.New(core), file: file}, nil
}

// GetLogsDir returns the logs directory path
func (ml *MultiLogger) GetLogsDir() string {
	return ml.config.LogsDir
}

// GetLogger returns the logger of a category, rolling files over at midnight
func (ml *MultiLogger) GetLogger(category LogCategory) *zap.Logger {
	date := ml.now().Format("20060102")

	ml.mu.RLock()
	current := ml.currentDate
	ml.mu.RUnlock()

	if date != current {
		ml.mu.Lock()
		if date != ml.currentDate {
			// On failure keep writing to yesterday's files.
			_ = ml.openAll()
		}
		ml.mu.Unlock()
	}

	ml.mu.RLock()
	defer ml.mu.RUnlock()
	if cl, ok := ml.loggers[category]; ok {
		return cl.logger
	}
	return zap.NewNop()
}

// Queue returns the download queue logger
func (ml *MultiLogger) Queue() *zap.Logger {
	return ml.GetLogger(CategoryQueue)
}

// SyncLog returns the library sync logger
func (ml *MultiLogger) SyncLog() *zap.Logger {
	return ml.GetLogger(CategorySync)
}

// Error returns the error logger
func (ml *MultiLogger) Error() *zap.Logger {
	return ml.GetLogger(CategoryError)
}

// Sync flushes all loggers
func (ml *MultiLogger) Sync() error {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var lastErr error
	for _, cl := range ml.loggers {
		if err := cl.logger.Sync(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close flushes and closes all log files
func (ml *MultiLogger) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var lastErr error
	for _, cl := range ml.loggers {
		cl.logger.Sync()
		if err := cl.file.Close(); err != nil {
			lastErr = err
		}
	}
	ml.loggers = map[LogCategory]*categoryLog{}
	return lastErr
}
