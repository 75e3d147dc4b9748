package streamutil

import (
	"sync"
	"sync/atomic"
	"time"
)

// StallWatcher detects upstream streams that stop producing mid-turn. One
// goroutine sweeps all registered streams instead of two timers per stream.
type StallWatcher struct {
	mu       sync.Mutex
	streams  map[uint64]*watchedStream
	nextID   atomic.Uint64
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type watchedStream struct {
	lastActivity atomic.Int64
	timeout      time.Duration
	onStall      func()
	fired        atomic.Bool
}

// NewStallWatcher starts the sweep loop. interval bounds detection latency.
func NewStallWatcher(interval time.Duration) *StallWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w := &StallWatcher{
		streams:  make(map[uint64]*watchedStream),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Watch registers a stream. touch must be called on every upstream read;
// done deregisters the stream. onStall fires at most once.
func (w *StallWatcher) Watch(timeout time.Duration, onStall func()) (touch func(), done func()) {
	id := w.nextID.Add(1)
	stream := &watchedStream{timeout: timeout, onStall: onStall}
	stream.lastActivity.Store(time.Now().UnixNano())

	w.mu.Lock()
	w.streams[id] = stream
	w.mu.Unlock()

	touch = func() {
		stream.lastActivity.Store(time.Now().UnixNano())
	}
	done = func() {
		w.mu.Lock()
		delete(w.streams, id)
		w.mu.Unlock()
	}
	return touch, done
}

func (w *StallWatcher) sweepLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.sweep(now)
		}
	}
}

func (w *StallWatcher) sweep(now time.Time) {
	nowNano := now.UnixNano()

	w.mu.Lock()
	stalled := make([]*watchedStream, 0)
	for _, stream := range w.streams {
		idle := time.Duration(nowNano - stream.lastActivity.Load())
		if idle > stream.timeout && stream.fired.CompareAndSwap(false, true) {
			stalled = append(stalled, stream)
		}
	}
	w.mu.Unlock()

	// Callbacks run outside the lock.
	for _, stream := range stalled {
		if stream.onStall != nil {
			stream.onStall()
		}
	}
}

// Stop halts the sweep loop. Registered streams are no longer watched.
func (w *StallWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

var defaultWatcher = sync.OnceValue(func() *StallWatcher {
	return NewStallWatcher(10 * time.Second)
})

// DefaultStallWatcher returns the process-wide shared watcher.
func DefaultStallWatcher() *StallWatcher {
	return defaultWatcher()
}
