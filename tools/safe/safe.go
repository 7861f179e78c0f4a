package safe

import (
	"github.com/Blazheiko/partygate/logger"
)

// Go starts a goroutine that recovers from panic, so a misbehaving
// handler cannot take the process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// Recover is the deferred form for goroutines that are not spawned
// through Go (read loops, pumps).
func Recover(where string) {
	if r := recover(); r != nil {
		logger.Errorf("[%s] panic recovered: %v", where, r)
	}
}
