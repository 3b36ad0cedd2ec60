package common

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NewLogger returns the logger to use for an engine. A nil logger becomes a
// no-op logger so components never have to nil-check.
func NewLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// formatDuration formats a duration with 2 decimal places.
// Returns a string like "1.23 ms" (no padding).
func formatDuration(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)

	if ms >= 1000 {
		return fmt.Sprintf("%.2f s", ms/1000)
	} else if ms < 0.01 {
		return fmt.Sprintf("%.2f us", ms*1000)
	}
	return fmt.Sprintf("%.2f ms", ms)
}

// LogDuration logs msg at info level with the elapsed time since start.
func LogDuration(logger *zap.Logger, start time.Time, msg string, fields ...zap.Field) {
	elapsed := time.Since(start)
	fields = append(fields, zap.String("took", formatDuration(elapsed)))
	logger.Info(msg, fields...)
}
