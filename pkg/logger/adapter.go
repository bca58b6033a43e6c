package logger

import (
	"go.uber.org/zap"
)

// LoggerAdapter gives components one handle for both the general logger and
// the categorized files. Without a MultiLogger every category falls back to
// the general logger. A nil adapter discards everything.
type LoggerAdapter struct {
	multiLogger *MultiLogger
	general     *zap.Logger
}

// NewLoggerAdapter creates an adapter writing category events to multiLogger
func NewLoggerAdapter(multiLogger *MultiLogger, general *zap.Logger) *LoggerAdapter {
	if general == nil {
		general = zap.NewNop()
	}
	return &LoggerAdapter{multiLogger: multiLogger, general: general}
}

// NewSingleLoggerAdapter creates an adapter around a single logger
func NewSingleLoggerAdapter(general *zap.Logger) *LoggerAdapter {
	return NewLoggerAdapter(nil, general)
}

// General returns the general application logger
func (la *LoggerAdapter) General() *zap.Logger {
	if la == nil {
		return zap.NewNop()
	}
	return la.general
}

func (la *LoggerAdapter) category(c LogCategory) *zap.Logger {
	if la == nil {
		return zap.NewNop()
	}
	if la.multiLogger == nil {
		return la.general
	}
	return la.multiLogger.GetLogger(c)
}

// Queue returns the download queue logger
func (la *LoggerAdapter) Queue() *zap.Logger {
	return la.category(CategoryQueue)
}

// SyncLog returns the library sync logger
func (la *LoggerAdapter) SyncLog() *zap.Logger {
	return la.category(CategorySync)
}

// Error returns the error logger
func (la *LoggerAdapter) Error() *zap.Logger {
	return la.category(CategoryError)
}

// LogQueueEvent records a download lifecycle event
func (la *LoggerAdapter) LogQueueEvent(event string, fields ...zap.Field) {
	la.Queue().Info(event, fields...)
}

// LogSyncEvent records a sync lifecycle event
func (la *LoggerAdapter) LogSyncEvent(event string, fields ...zap.Field) {
	la.SyncLog().Info(event, fields...)
}

// LogAppError records an application error in the error file and the
// general log
func (la *LoggerAdapter) LogAppError(msg string, fields ...zap.Field) {
	if la == nil {
		return
	}
	if la.multiLogger != nil {
		la.multiLogger.Error().Error(msg, fields...)
	}
	la.general.Error(msg, fields...)
}

// Sync flushes all loggers
func (la *LoggerAdapter) Sync() error {
	if la == nil {
		return nil
	}
	if la.multiLogger != nil {
		la.multiLogger.Sync()
	}
	return la.general.Sync()
}

// GetMultiLogger returns the underlying multi-logger (if available)
func (la *LoggerAdapter) GetMultiLogger() *MultiLogger {
	if la == nil {
		return nil
	}
	return la.multiLogger
}
