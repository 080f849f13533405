package fakeapi

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// quotaLimiter allows at most limit requests per client address and route
// within a fixed window. Exceeding it yields a retry time at the end of the
// window.
type quotaLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*quotaWindow
}

// maxQuotaKeys bounds the window map before ended windows are dropped.
const maxQuotaKeys = 1024

type quotaWindow struct {
	start time.Time
	count int
}

func newQuotaLimiter(limit int, window time.Duration) *quotaLimiter {
	return &quotaLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*quotaWindow),
	}
}

// take counts one request for key. It returns false and the retry time when
// the quota is exhausted.
func (q *quotaLimiter) take(key string, now time.Time) (bool, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.windows) >= maxQuotaKeys {
		for k, w := range q.windows {
			if !now.Before(w.start.Add(q.window)) {
				delete(q.windows, k)
			}
		}
	}

	w, ok := q.windows[key]
	if !ok || !now.Before(w.start.Add(q.window)) {
		w = &quotaWindow{start: now}
		q.windows[key] = w
	}
	if w.count >= q.limit {
		return false, w.start.Add(q.window)
	}
	w.count++
	return true, time.Time{}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.limiter.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		now := s.now()
		clientIP := extractClientIP(r)
		if ok, retryAt := s.limiter.take(clientIP+" "+callKey(r.Method, r.URL.Path), now); !ok {
			s.audit.logFailure(AuditRateLimited, r, "quota exceeded", slog.String("client_ip", clientIP))
			writeRateLimited(w, retryAt, now)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the address of the direct peer. Proxy headers are
// never trusted.
func extractClientIP(r *http.Request) string {
	ip, _ := parseIPCandidate(r.RemoteAddr)
	return ip
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	// Remove IPv6 brackets if present.
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
