package ableron

import "go.uber.org/zap"

// logger is the package-level logger used by the transclusion engine. It is
// nil by default so the engine stays silent until a host application wires
// one in, mirroring the teacher's esi.SetLogger pattern.
var logger *zap.Logger

// SetLogger sets the logger used for engine-wide diagnostics (invalid
// timeout attributes, non-cacheable fragment responses, cache evictions,
// recovered resolver panics). Passing nil
// disables logging again.
func SetLogger(l *zap.Logger) {
	logger = l
}

func logWarn(msg string, fields ...zap.Field) {
	if logger != nil {
		logger.Warn(msg, fields...)
	}
}

func logDebug(msg string, fields ...zap.Field) {
	if logger != nil {
		logger.Debug(msg, fields...)
	}
}

func logError(msg string, fields ...zap.Field) {
	if logger != nil {
		logger.Error(msg, fields...)
	}
}
