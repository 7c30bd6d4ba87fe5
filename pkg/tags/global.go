package tags

import "sync"

var (
	globalMu sync.RWMutex
	global   = NewStore()
)

// L returns the process-wide store
func L() *Store {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Init replaces the process-wide store with a new one built from opts
func Init(opts ...Option) *Store {
	s := NewStore(opts...)
	ReplaceGlobal(s)
	return s
}

// ReplaceGlobal swaps the process-wide store and returns a function restoring the previous one
func ReplaceGlobal(s *Store) func() {
	globalMu.Lock()
	prev := global
	global = s
	globalMu.Unlock()
	return func() { ReplaceGlobal(prev) }
}
