package resilience

import (
	"log"
	"sync"
	"time"
)

// Watchdog runs a callback on a fixed interval in a background goroutine.
// Callback panics are logged and the loop continues; one bad tick never
// kills the timer.
type Watchdog struct {
	name     string
	interval time.Duration
	fn       func()
	logger   *log.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	started bool
}

// NewWatchdog creates a watchdog; call Start to begin ticking.
func NewWatchdog(name string, interval time.Duration, fn func()) *Watchdog {
	return &Watchdog{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   log.New(log.Writer(), "[WATCHDOG] ", log.LstdFlags),
		stop:     make(chan struct{}),
	}
}

// Start launches the tick loop. Starting twice is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.tick()
			case <-w.stop:
				return
			}
		}
	}()
}

func (w *Watchdog) tick() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("⚠️  %s callback panicked: %v", w.name, r)
		}
	}()
	w.fn()
}

// Stop halts the loop. Idempotent, and safe to call before Start.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stop)
}

var superviseLogger = log.New(log.Writer(), "[SUPERVISE] ", log.LstdFlags)

// Supervise runs fn in a goroutine and logs a panic instead of crashing
// the process. The returned channel closes when fn finishes.
func Supervise(name string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				superviseLogger.Printf("❌ task %s panicked: %v", name, r)
			}
		}()
		fn()
	}()
	return done
}
