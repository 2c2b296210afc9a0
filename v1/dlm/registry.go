package dlm

import "sync"

// The process-wide manager. DDL-style callers across a process must
// funnel through one Manager, so registration is one-time and a second
// Register is treated as corrupted startup wiring.
var registry struct {
	mu      sync.Mutex
	manager *Manager
}

// Register installs m as the process-wide manager. It panics when a
// manager is already registered.
func Register(m *Manager) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.manager != nil {
		panic("dlm: manager already registered for this process")
	}
	registry.manager = m
}

// Get returns the process-wide manager, or nil before Register ran.
// Prefer passing the Manager explicitly; Get exists for the outermost
// entry points only.
func Get() *Manager {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.manager
}

// resetRegistry clears the singleton between tests.
func resetRegistry() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.manager = nil
}
