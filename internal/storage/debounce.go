package storage

import (
	"context"
	"sync"
	"time"
)

// DebouncedWriter coalesces rapid writes of one value into a single flush
// after a quiet period. Used for chatty preference updates (volume sliders
// and the like) that would otherwise hammer the durable tiers.
type DebouncedWriter struct {
	delay time.Duration
	flush func(value string)

	mu     sync.Mutex
	timer  *time.Timer
	latest string
	dirty  bool
}

// NewDebouncedWriter creates a writer that calls flush with the most recent
// value once no Write has arrived for delay.
func NewDebouncedWriter(delay time.Duration, flush func(value string)) *DebouncedWriter {
	return &DebouncedWriter{delay: delay, flush: flush}
}

// Write records the latest value and (re)schedules the flush.
func (w *DebouncedWriter) Write(value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latest = value
	w.dirty = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.fire)
}

// Flush forces an immediate flush of any pending value.
func (w *DebouncedWriter) Flush() {
	w.fire()
}

// Stop cancels any scheduled flush without writing. Pending data is dropped.
func (w *DebouncedWriter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.dirty = false
}

func (w *DebouncedWriter) fire() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	value := w.latest
	w.dirty = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.flush(value)
}

// DebouncedSet returns a writer that persists the given key through the
// façade after the quiet period.
func (f *Facade) DebouncedSet(key string, delay time.Duration) *DebouncedWriter {
	return NewDebouncedWriter(delay, func(value string) {
		f.Set(context.Background(), key, value, 0)
	})
}
