// Package emulator provides in-memory stand-ins for the ledger, middleware
// store and accounting APIs. They back the integration tests and the local
// sandbox server.
package emulator

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Fault is a canned failure returned instead of the real response.
type Fault struct {
	Status     int
	RetryAfter string
}

// faults queues failures per operation and counts calls.
type faults struct {
	mu     sync.Mutex
	queued map[string][]Fault
	calls  map[string]int
}

func newFaults() *faults {
	return &faults{queued: make(map[string][]Fault), calls: make(map[string]int)}
}

// Inject queues fs to be returned, in order, by the next calls to op.
func (f *faults) Inject(op string, fs ...Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[op] = append(f.queued[op], fs...)
}

// Calls returns how many requests op has received.
func (f *faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// intercept counts the call and writes a queued fault if there is one.
func (f *faults) intercept(op string, w http.ResponseWriter) bool {
	f.mu.Lock()
	f.calls[op]++
	var fault *Fault
	if q := f.queued[op]; len(q) > 0 {
		fault = &q[0]
		f.queued[op] = q[1:]
	}
	f.mu.Unlock()

	if fault == nil {
		return false
	}
	if fault.RetryAfter != "" {
		w.Header().Set("Retry-After", fault.RetryAfter)
	}
	writeJSONError(w, fault.Status, "injected_fault", "Injected failure")
	return true
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// tokens issues and validates bearer tokens.
type tokens struct {
	mu     sync.Mutex
	issued map[string]bool
}

func newTokens() *tokens {
	return &tokens{issued: make(map[string]bool)}
}

func (t *tokens) issue() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	token := base64.RawURLEncoding.EncodeToString(b)

	t.mu.Lock()
	t.issued[token] = true
	t.mu.Unlock()
	return token
}

// revokeAll makes every issued token expire, forcing clients to log in again.
func (t *tokens) revokeAll() {
	t.mu.Lock()
	t.issued = make(map[string]bool)
	t.mu.Unlock()
}

// middleware rejects requests without a valid bearer token.
func (t *tokens) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
			return
		}

		t.mu.Lock()
		valid := t.issued[parts[1]]
		t.mu.Unlock()
		if !valid {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// paginate slices items by an integer offset cursor.
func paginate[T any](items []T, r *http.Request, defaultLimit int) ([]T, string) {
	limit := defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
	if offset < 0 || offset > len(items) {
		offset = len(items)
	}

	end := offset + limit
	if end >= len(items) {
		return items[offset:], ""
	}
	return items[offset:end], strconv.Itoa(end)
}
