// Package worker provides bounded concurrency for the launcher's helper
// jobs, such as generating media descriptors.
package worker

import (
	"context"
	"sync"
)

// Semaphore provides a counting semaphore for controlling concurrency.
type Semaphore struct {
	permits chan struct{}
}

// NewSemaphore creates a new semaphore with the given number of permits.
func NewSemaphore(count int) *Semaphore {
	if count <= 0 {
		count = 1
	}
	s := &Semaphore{
		permits: make(chan struct{}, count),
	}
	for i := 0; i < count; i++ {
		s.permits <- struct{}{}
	}
	return s
}

// Acquire takes a permit, returning false when ctx is done first.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	select {
	case <-s.permits:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release returns a permit to the semaphore.
func (s *Semaphore) Release() {
	select {
	case s.permits <- struct{}{}:
	default:
		// Semaphore is full, this shouldn't happen in normal use
	}
}

// Chan returns the underlying permit channel for use with select.
func (s *Semaphore) Chan() <-chan struct{} {
	return s.permits
}

// Result is the outcome of one item of ForEach.
type Result[T any] struct {
	Item  T
	Error error
}

// Progress represents how many items are done.
type Progress struct {
	Complete int
	Total    int
}

// Percent returns the completion percentage.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Complete) / float64(p.Total) * 100
}

// ForEach calls fn on every item with at most jobs calls in flight.
// onProgress, when set, is called after each item. Items not started
// before ctx is done are reported with ctx's error. Results keep the order
// of items.
func ForEach[T any](ctx context.Context, jobs int, items []T, fn func(context.Context, T) error, onProgress func(Progress)) []Result[T] {
	sem := NewSemaphore(jobs)
	results := make([]Result[T], len(items))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for i, item := range items {
		results[i].Item = item
		if !sem.Acquire(ctx) {
			results[i].Error = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer sem.Release()
			results[i].Error = fn(ctx, item)

			mu.Lock()
			done++
			p := Progress{Complete: done, Total: len(items)}
			if onProgress != nil {
				onProgress(p)
			}
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()
	return results
}
