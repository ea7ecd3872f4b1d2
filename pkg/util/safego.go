// safego.go — panic-recovering goroutine launcher.
package util

import (
	"runtime/debug"

	"github.com/agentcom/hub/pkg/logger"
)

// SafeGo runs fn in a new goroutine, recovering any panic and logging it
// with a stack trace instead of crashing the process. Every background
// sweeper (reaper, backup timer, mailbox eviction) is launched through this.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
