// Package throttle rate-limits per-key updates with leading and trailing edges.
package throttle

import (
	"time"

	"sitter-tracking-backend/internal/clock"
)

// FireFunc receives the value that made it through the throttle.
type FireFunc[K comparable, V any] func(key K, value V)

type window[V any] struct {
	seq        uint64
	timer      clock.Timer
	pending    V
	hasPending bool
}

// Dispatcher fires the first value submitted for a key immediately and opens a window. Values
// submitted while the window is open replace each other; the last one fires when the window
// closes and opens the next window. A key with no pending value at window close goes idle.
//
// Dispatcher is not safe for concurrent use. Timer callbacks must be delivered on the same
// goroutine as Submit, which the engine does by posting them onto its event loop.
type Dispatcher[K comparable, V any] struct {
	clock   clock.Clock
	every   time.Duration
	fire    FireFunc[K, V]
	windows map[K]*window[V]
	seq     uint64
	stopped bool
}

// New creates a dispatcher with the given window length.
func New[K comparable, V any](c clock.Clock, every time.Duration, fire FireFunc[K, V]) *Dispatcher[K, V] {
	return &Dispatcher[K, V]{
		clock:   c,
		every:   every,
		fire:    fire,
		windows: make(map[K]*window[V]),
	}
}

// Submit offers a value for key.
func (d *Dispatcher[K, V]) Submit(key K, value V) {
	if d.stopped {
		return
	}
	if w, open := d.windows[key]; open {
		w.pending = value
		w.hasPending = true
		return
	}
	w := &window[V]{}
	d.windows[key] = w
	d.open(key, w)
	d.fire(key, value)
}

func (d *Dispatcher[K, V]) open(key K, w *window[V]) {
	d.seq++
	seq := d.seq
	w.seq = seq
	w.timer = d.clock.AfterFunc(d.every, func() { d.close(key, seq) })
}

func (d *Dispatcher[K, V]) close(key K, seq uint64) {
	w, ok := d.windows[key]
	// A stopped timer whose callback was already queued carries an old seq.
	if !ok || w.seq != seq || d.stopped {
		return
	}
	if !w.hasPending {
		delete(d.windows, key)
		return
	}
	value := w.pending
	var zero V
	w.pending, w.hasPending = zero, false
	d.open(key, w)
	d.fire(key, value)
}

// Cancel drops the pending value and open window of key. The next Submit fires immediately.
func (d *Dispatcher[K, V]) Cancel(key K) {
	w, ok := d.windows[key]
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(d.windows, key)
}

// CancelAll drops every pending value and open window.
func (d *Dispatcher[K, V]) CancelAll() {
	for key := range d.windows {
		d.Cancel(key)
	}
}

// Stop cancels everything and ignores later submissions.
func (d *Dispatcher[K, V]) Stop() {
	d.CancelAll()
	d.stopped = true
}

// Pending reports whether key has a value waiting for its window to close.
func (d *Dispatcher[K, V]) Pending(key K) bool {
	w, ok := d.windows[key]
	return ok && w.hasPending
}

// Open returns the number of keys with an open window.
func (d *Dispatcher[K, V]) Open() int {
	return len(d.windows)
}
