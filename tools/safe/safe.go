package safe

import (
	"PClient/logger"
)

// SafeGo starts a new goroutine that recovers from panic,
// so that panics in user callbacks don't crash the whole client.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// Call invokes f on the current goroutine with panic isolation.
func Call(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[safe.Call] panic recovered: %v", r)
		}
	}()
	f()
}
