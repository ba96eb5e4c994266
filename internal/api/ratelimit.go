package api

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client and evicts the least recently seen
// client once maxTracked is reached.
type clientLimiter struct {
	mu sync.Mutex

	limit      rate.Limit
	burst      int
	maxTracked int
	clients    map[string]*clientEntry
}

func newClientLimiter(perSecond float64, burst, maxTracked int) *clientLimiter {
	return &clientLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxTracked: maxTracked,
		clients:    make(map[string]*clientEntry),
	}
}

func (l *clientLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.maxTracked {
			l.evictOldest()
		}
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *clientLimiter) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range l.clients {
		if oldestKey == "" || e.lastSeen.Before(oldestAt) {
			oldestKey, oldestAt = k, e.lastSeen
		}
	}
	delete(l.clients, oldestKey)
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	return remote
}
