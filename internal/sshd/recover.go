package sshd

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// recoverConn logs a panic in a connection goroutine instead of letting it
// take down the server. Use with defer.
func recoverConn(log *slog.Logger, name string) {
	if r := recover(); r != nil {
		log.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}
