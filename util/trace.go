package util

import (
	"log/slog"
	"time"
)

// Trace logs how long a step took:
//
//	defer util.Trace("process image")()
func Trace(msg string) func() {
	start := time.Now()
	slog.Debug("enter", "step", msg)
	return func() {
		slog.Info("done", "step", msg, "elapsed", time.Since(start))
	}
}
