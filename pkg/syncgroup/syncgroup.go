// Package syncgroup runs a batch of goroutines and waits for all of them.
package syncgroup

import (
	"sync"
)

type syncGroupFunc func()

// SyncGroup wraps sync.WaitGroup so callers never pair Add and Done by hand.
// Functions added while a batch is still running are held for the next Run.
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []syncGroupFunc
	running int
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add queues fn for the next Run.
func (w *SyncGroup) Add(fn syncGroupFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, fn)
}

// Run starts every queued function in its own goroutine.
func (w *SyncGroup) Run() {
	w.mu.Lock()
	fns := w.pending
	w.pending = nil
	w.running += len(fns)
	w.wg.Add(len(fns))
	w.mu.Unlock()

	for _, fn := range fns {
		go func(fn syncGroupFunc) {
			defer func() {
				w.mu.Lock()
				w.running--
				w.mu.Unlock()
				w.wg.Done()
			}()
			fn()
		}(fn)
	}
}

// Running is the number of goroutines that have not returned yet.
func (w *SyncGroup) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WaitAndClear waits for the running batch and drops anything still queued.
func (w *SyncGroup) WaitAndClear() {
	w.wg.Wait()
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()
}

func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
