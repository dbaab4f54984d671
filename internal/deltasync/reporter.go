package deltasync

import "go.uber.org/zap"

// ErrorReporter receives sync failures. Reports are fire-and-forget.
type ErrorReporter interface {
	Report(message string)
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(message string)

// Report calls the function.
func (fn ReporterFunc) Report(message string) {
	fn(message)
}

type loggerReporter struct {
	logger *zap.Logger
}

// NewLoggerReporter returns an ErrorReporter that writes warnings to the logger.
func NewLoggerReporter(logger *zap.Logger) ErrorReporter {
	if logger == nil {
		logger = noOpLogger
	}
	return &loggerReporter{logger: logger}
}

func (reporter *loggerReporter) Report(message string) {
	reporter.logger.Warn("sync failure reported", zap.String("message", message))
}

// safeReport keeps a misbehaving reporter from affecting the sync run.
func safeReport(reporter ErrorReporter, message string) {
	defer func() {
		_ = recover()
	}()
	reporter.Report(message)
}
