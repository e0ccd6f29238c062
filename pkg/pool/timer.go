package pool

import (
	"sync"
	"time"
)

var timerPool = sync.Pool{}

// GetTimer returns a timer from the pool armed with duration d.
func GetTimer(d time.Duration) *time.Timer {
	t, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
	return t
}

// ReleaseTimer stops the timer, drains its channel and puts it back
// into the pool.
func ReleaseTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
