package safego

import (
	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery. A panicking goroutine logs
// the panic value and exits cleanly instead of crashing the process —
// observers (session recorder, metrics pump) must never take the agent
// loop down with them.
//
// Usage:
//
//	safego.Go(logger, "wire-recorder", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
