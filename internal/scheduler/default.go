package scheduler

import "sync"

// Process-wide default scheduler. The service installs its instance here;
// library callers may also set one explicitly or ignore it entirely and pass
// instances around.
var (
	defaultMu sync.RWMutex
	defaultSc *Scheduler
)

// SetDefault installs s as the process-wide default scheduler.
func SetDefault(s *Scheduler) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSc = s
}

// Default returns the process-wide default scheduler, or nil when none has
// been installed.
func Default() *Scheduler {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSc
}
