package modkit

import (
	"log/slog"
)

// Logger is the structured logging interface used throughout the runtime.
// All operations log with a message plus key-value pairs, compatible with
// slog, zap's sugared logger, logrus, and similar libraries:
//
//	logger.Info("Module initialized", "module", "billing", "version", "1.2.3")
//
// Implementations must be safe for concurrent use.
type Logger interface {
	// Info logs normal runtime events: registrations, initializations,
	// sandbox creation, version changes.
	Info(msg string, args ...any)

	// Error logs failures that mark a module or sandbox as errored.
	Error(msg string, args ...any)

	// Warn logs unusual but non-fatal conditions, such as unmet optional
	// dependencies or ignored discovery roots.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics such as resolution classifications
	// and computed initialization order.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface. It is the
// default logger when none is supplied.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps the given slog logger; a nil argument wraps
// slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
