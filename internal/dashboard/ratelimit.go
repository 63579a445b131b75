package dashboard

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter caps REST calls per client IP over a one-minute sliding
// window. The dashboard serves the LAN, so the limit is generous; it
// exists to keep a misbehaving script from starving the hub loops.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	maxPerMinute int
	done         chan struct{}
	stopOnce     sync.Once
	logger       *log.Logger
}

type rateWindow struct {
	count int
	start time.Time
}

func newRateLimiter(maxPerMinute int) *rateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 600
	}
	rl := &rateLimiter{
		windows:      make(map[string]*rateWindow),
		maxPerMinute: maxPerMinute,
		done:         make(chan struct{}),
		logger:       log.New(log.Writer(), "[DASHBOARD] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// allow counts one request against the client's current window.
func (rl *rateLimiter) allow(client string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[client]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[client] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.maxPerMinute {
		if w.count == rl.maxPerMinute+1 {
			rl.logger.Printf("⚠️  rate limit hit for %s (%d/min)", client, rl.maxPerMinute)
		}
		return false
	}
	return true
}

// middleware rejects over-limit clients with 429 and a Retry-After hint.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !rl.allow(client) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanup drops windows idle past two minutes.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for client, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}
