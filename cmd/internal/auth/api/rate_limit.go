package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// loginThrottle counts failed logins per client address in a fixed window.
// Account lockout is the credential store's job; this only slows down
// spraying from one address.
type loginThrottle struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*failureBucket
}

type failureBucket struct {
	count int
	start time.Time
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	return &loginThrottle{
		max:     max,
		window:  window,
		buckets: make(map[string]*failureBucket),
	}
}

// blocked reports whether ip is over the limit and for how long.
func (t *loginThrottle) blocked(ip net.IP, now time.Time) (bool, time.Duration) {
	if t == nil || ip == nil || t.max <= 0 {
		return false, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[ip.String()]
	if !ok {
		return false, 0
	}
	end := b.start.Add(t.window)
	if !now.Before(end) {
		delete(t.buckets, ip.String())
		return false, 0
	}
	if b.count >= t.max {
		return true, end.Sub(now)
	}
	return false, 0
}

func (t *loginThrottle) fail(ip net.IP, now time.Time) {
	if t == nil || ip == nil || t.max <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ip.String()
	b, ok := t.buckets[key]
	if !ok || !now.Before(b.start.Add(t.window)) {
		t.buckets[key] = &failureBucket{count: 1, start: now}
		t.prune(now)
		return
	}
	b.count++
}

// prune drops windows that have passed. Called with mu held.
func (t *loginThrottle) prune(now time.Time) {
	for k, b := range t.buckets {
		if !now.Before(b.start.Add(t.window)) {
			delete(t.buckets, k)
		}
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
