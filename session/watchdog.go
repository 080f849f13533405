package session

import (
	"sync"
	"time"
)

type stopper interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// watchdog holds the single idle-timeout timer. Arming replaces the previous
// timer; a stale arm (older sequence) is ignored.
type watchdog struct {
	mu        sync.Mutex
	timer     stopper
	seq       uint64
	afterFunc func(time.Duration, func()) stopper
}

func (w *watchdog) arm(seq uint64, d time.Duration, f func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq < w.seq {
		return
	}
	w.seq = seq
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.afterFunc(max(d, 0), f)
}

func (w *watchdog) stop(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq < w.seq {
		return
	}
	w.seq = seq
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
