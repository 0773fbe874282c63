package sbncng

import (
	"sync"
	"time"
)

// Timer schedules a callback to run once, or repeatedly, on its own
// goroutine. It is the Go-native stand-in for the source's per-fiber
// timer: one goroutine per Timer, cancellation is a one-shot close of a
// stop channel, matching the "one source fiber to one lightweight task"
// translation in spec.md's design notes.
type Timer struct {
	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	interval time.Duration
	repeat   bool
}

// AfterFunc schedules fn to run once after d elapses. The returned Timer
// can be cancelled with Stop before it fires.
func AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{stopCh: make(chan struct{})}

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			fn()
		case <-t.stopCh:
		}
	}()

	return t
}

// TickFunc schedules fn to run every d, starting after the first
// interval elapses, until Stop is called.
func TickFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{stopCh: make(chan struct{}), interval: d, repeat: true}

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-t.stopCh:
				return
			}
		}
	}()

	return t
}

// Stop cancels the timer. Safe to call more than once, and safe to call
// after the timer has already fired.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCh)
}
