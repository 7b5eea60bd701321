package server

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// connLimiter is a per-IP token bucket applied when a connection is accepted.
// Idle buckets are dropped after ttl.
type connLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	r        rate.Limit
	burst    int
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// newConnLimiter returns nil when perSecond <= 0, which allows everything
func newConnLimiter(perSecond float64, burst int, ttl time.Duration) *connLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &connLimiter{
		limiters: make(map[string]*ipLimiter),
		r:        rate.Limit(perSecond),
		burst:    burst,
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
}

// allow reports whether a new connection from remoteAddr may proceed
func (cl *connLimiter) allow(remoteAddr string) bool {
	if cl == nil {
		return true
	}
	return cl.get(clientIP(remoteAddr)).Allow()
}

func (cl *connLimiter) get(key string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if entry, ok := cl.limiters[key]; ok {
		entry.lastSeen = time.Now()
		return entry.lim
	}
	lim := rate.NewLimiter(cl.r, cl.burst)
	cl.limiters[key] = &ipLimiter{lim: lim, lastSeen: time.Now()}
	return lim
}

// gcLoop drops idle buckets until Stop is called
func (cl *connLimiter) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.gc(time.Now())
		}
	}
}

func (cl *connLimiter) gc(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for key, entry := range cl.limiters {
		if now.Sub(entry.lastSeen) > cl.ttl {
			delete(cl.limiters, key)
		}
	}
}

func (cl *connLimiter) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

// Stop ends the gc loop
func (cl *connLimiter) Stop() {
	if cl == nil {
		return
	}
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
