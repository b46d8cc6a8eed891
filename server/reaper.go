package server

import (
	"time"

	"go.uber.org/zap"
)

// reapLoop periodically sweeps the context table and discards contexts whose
// IsExpired predicate holds: finished ones past the grace window, and any
// context past the absolute lifetime ceiling. The predicate is the only
// timeout mechanism; nothing here wakes or interrupts a blocked waiter.
func (svr *Server) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-svr.reaperStop:
			return
		case <-ticker.C:
			svr.reapExpired()
		}
	}
}

// reapExpired removes expired contexts and returns how many were discarded.
func (svr *Server) reapExpired() int {
	svr.ctxMu.Lock()
	defer svr.ctxMu.Unlock()

	reaped := 0
	for id, c := range svr.contexts {
		if c.IsExpired() {
			delete(svr.contexts, id)
			reaped++
		}
	}
	if reaped > 0 {
		svr.logger.Debug("reaped expired invocation contexts", zap.Int("count", reaped))
	}
	return reaped
}
