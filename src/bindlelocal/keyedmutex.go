package bindlelocal

import "sync"

// keyedMutex serializes operations on the same key while letting distinct
// keys proceed in parallel. Entries are retained for the life of the store;
// the key space is bounded by the number of invoice identities.
type keyedMutex struct {
	mus sync.Map // string -> *sync.Mutex
}

// lock acquires the mutex for key and returns the unlock func.
func (km *keyedMutex) lock(key string) func() {
	v, _ := km.mus.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
