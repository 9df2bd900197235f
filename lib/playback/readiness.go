package playback

import (
	"sync"
	"time"
)

// readiness tracks when a message-controlled frame can accept playback
// commands. The platform's "ready" signal is not guaranteed to arrive,
// so a fallback timer armed at frame load marks the player ready
// unconditionally after a short wait. The real signal, when it arrives
// first, cancels the fallback.
type readiness struct {
	mu       sync.Mutex
	ready    bool
	fallback *time.Timer
}

// Ready reports whether the player accepts commands.
func (r *readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Arm starts the fallback timer. onReady fires (on a timer goroutine)
// when the fallback elapses without a real signal having arrived.
func (r *readiness) Arm(d time.Duration, onReady func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready || r.fallback != nil {
		return
	}
	r.fallback = time.AfterFunc(d, func() {
		r.mu.Lock()
		already := r.ready
		r.ready = true
		r.fallback = nil
		r.mu.Unlock()
		if !already {
			onReady()
		}
	})
}

// Signal records the real ready signal. Returns true the first time,
// false for duplicates or signals after the fallback already fired.
func (r *readiness) Signal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback != nil {
		r.fallback.Stop()
		r.fallback = nil
	}
	if r.ready {
		return false
	}
	r.ready = true
	return true
}

// Reset clears readiness. Called when the content on a reused rendering
// surface changes and on teardown.
func (r *readiness) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback != nil {
		r.fallback.Stop()
		r.fallback = nil
	}
	r.ready = false
}
