// Package recovery provides panic recovery utilities for goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Defer it at the start of every spawned goroutine so a panic in one session
// or in the demux loop never takes the process down silently.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from panics, logs them, and then invokes the
// callback. The callback runs cleanup that must happen even on panic, such as
// releasing a session's table entry.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}
