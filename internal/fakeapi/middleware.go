package fakeapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/nopwd/api"
)

// SecurityHeaders sets the response headers every API response carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func callKey(method, path string) string {
	return method + " " + api.Route(path)
}

func isStreamPath(path string) bool {
	return path == "/status" || strings.HasPrefix(path, "/status/")
}

// scopeOf is the status scope a request counts towards: its first path
// segment.
func scopeOf(path string) string {
	scope, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return scope
}

// instrument counts calls per route and feeds the status board.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[callKey(r.Method, r.URL.Path)]++
		s.mu.Unlock()

		if isStreamPath(r.URL.Path) || strings.HasPrefix(r.URL.Path, "/statuses") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.board.record(scopeOf(r.URL.Path), ww.Status() < http.StatusInternalServerError, time.Since(start))
	})
}

// fault is a canned response returned instead of calling the handler.
type fault struct {
	status int
}

// Fail makes the next times requests to method and route (a template such as
// "/sessions/:id/tokens") fail with status.
func (s *Server) Fail(method, route string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + route
	for range times {
		s.faults[key] = append(s.faults[key], fault{status: status})
	}
}

func (s *Server) nextFault(key string) (fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.faults[key]
	if len(queue) == 0 {
		return fault{}, false
	}
	f := queue[0]
	if len(queue) == 1 {
		delete(s.faults, key)
	} else {
		s.faults[key] = queue[1:]
	}
	return f, true
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := s.nextFault(callKey(r.Method, r.URL.Path))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		s.audit.log(AuditFaultInjected, r, slog.Int("status", f.status))
		if f.status == http.StatusTooManyRequests {
			now := s.now()
			writeRateLimited(w, now.Add(30*time.Second), now)
			return
		}
		writeError(w, f.status, "injected failure")
	})
}

// Calls returns how many requests reached method and route.
func (s *Server) Calls(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+route]
}

// ResetCalls zeroes every call counter.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.calls)
}
