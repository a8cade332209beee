package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below zap's DebugLevel for high-volume diagnostics such
// as per-candidate search traces.
const TraceLevel = zapcore.DebugLevel - 1

// ParseLevel maps a config string to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
