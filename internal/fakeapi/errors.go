package fakeapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	RetryAt int64  `json:"retry_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: msg})
}

func writeRateLimited(w http.ResponseWriter, retryAt time.Time, now time.Time) {
	w.Header().Set("Retry-After", retryAfterString(retryAt.Sub(now)))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:   http.StatusText(http.StatusTooManyRequests),
		Message: "too many requests; try again later",
		RetryAt: retryAt.Unix(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
