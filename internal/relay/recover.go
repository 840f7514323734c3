package relay

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// recoverPanic must be deferred directly. It logs a panic of the calling
// goroutine and, when err is non-nil, turns it into an error.
func recoverPanic(log *slog.Logger, where string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	log.Error("recovered panic", "where", where, "panic", r, "stack", string(debug.Stack()))
	if err != nil {
		*err = fmt.Errorf("relay: panic in %s: %v", where, r)
	}
}
