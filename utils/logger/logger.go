package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	instance *zap.Logger
	once     sync.Once
)

// L returns the singleton logger used by the storage core. It defaults to a
// no-op logger so that library consumers stay silent unless they opt in via
// Enable.
func L() *zap.Logger {
	once.Do(func() {
		if instance == nil {
			instance = zap.NewNop()
		}
	})
	return instance
}

// Enable installs a production logger. Call before any storage component is
// constructed; later calls are ignored.
func Enable() {
	once.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			instance = zap.NewNop()
			return
		}
		instance = l
	})
}

// Set installs a caller-provided logger (used by tests).
func Set(l *zap.Logger) {
	once.Do(func() {})
	instance = l
}
