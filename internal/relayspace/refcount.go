package relayspace

import (
	"maps"
	"sync"
)

// RefCounts maps a content hash to the number of bucket entries naming it.
// A pinned hash belongs to an upload whose bucket write has not committed
// yet and is never collected.
type RefCounts struct {
	mu     sync.Mutex
	counts map[string]int
	pins   map[string]int
}

func NewRefCounts() *RefCounts {
	return &RefCounts{counts: map[string]int{}, pins: map[string]int{}}
}

func (r *RefCounts) Retain(hash string) {
	r.mu.Lock()
	r.counts[hash]++
	r.mu.Unlock()
}

// Release drops one reference. It reports false when the hash had none.
func (r *RefCounts) Release(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[hash] <= 0 {
		return false
	}
	r.counts[hash]--
	return true
}

func (r *RefCounts) Pin(hash string) {
	r.mu.Lock()
	if _, ok := r.counts[hash]; !ok {
		r.counts[hash] = 0
	}
	r.pins[hash]++
	r.mu.Unlock()
}

func (r *RefCounts) Unpin(hash string) {
	r.mu.Lock()
	if r.pins[hash] <= 1 {
		delete(r.pins, hash)
	} else {
		r.pins[hash]--
	}
	r.mu.Unlock()
}

func (r *RefCounts) Count(hash string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[hash]
	return n, ok
}

func (r *RefCounts) Pinned(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pins[hash] > 0
}

// sweep runs fn with the table locked. zero lists every tracked hash with
// no references and no pins; collectable also answers for hashes the table
// has never seen; forget drops a hash once its blob is gone.
func (r *RefCounts) sweep(fn func(zero []string, collectable func(hash string) bool, forget func(hash string))) {
	r.mu.Lock()
	defer r.mu.Unlock()
	collectable := func(hash string) bool {
		return r.counts[hash] == 0 && r.pins[hash] == 0
	}
	var zero []string
	for hash := range r.counts {
		if collectable(hash) {
			zero = append(zero, hash)
		}
	}
	fn(zero, collectable, func(hash string) {
		delete(r.counts, hash)
	})
}

func (r *RefCounts) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.counts)
}

func (r *RefCounts) Restore(counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = maps.Clone(counts)
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.pins = map[string]int{}
}
