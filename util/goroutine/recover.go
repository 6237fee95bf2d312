// Package goroutine provides small helpers for background goroutine hygiene.
package goroutine

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// Recover logs a recovered panic from a background goroutine instead of
// letting it take the process down. Use as:
//
//	defer goroutine.Recover("retention-scheduler", logger)
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Errorw("Recovered panic in background goroutine",
				"goroutine", name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}
}
