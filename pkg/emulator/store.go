package emulator

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// StoreRecord is the wire shape of a staged record.
type StoreRecord struct {
	ID                   string          `json:"id"`
	Date                 string          `json:"date"`
	Amount               json.RawMessage `json:"amount"`
	PayeeID              string          `json:"payee_id,omitempty"`
	CategoryID           string          `json:"category_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	ContactID            string          `json:"contact_id,omitempty"`
	Description          string          `json:"description,omitempty"`
	Status               string          `json:"status"`
	DocumentID           string          `json:"document_id,omitempty"`
	LastError            string          `json:"last_error,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Store emulates the middleware store API.
type Store struct {
	*faults
	tokens *tokens

	apiKey string
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*StoreRecord
	calls   []time.Time
}

// NewStore creates a store emulator accepting apiKey.
func NewStore(apiKey string) *Store {
	return &Store{
		faults:  newFaults(),
		tokens:  newTokens(),
		apiKey:  apiKey,
		now:     time.Now,
		records: make(map[string]*StoreRecord),
	}
}

// Record returns a staged record.
func (s *Store) Record(id string) (StoreRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return StoreRecord{}, false
	}
	return *rec, true
}

// RecordCount returns the number of staged records.
func (s *Store) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// CallTimes returns the arrival time of every request, token exchanges
// included.
func (s *Store) CallTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

// Handler returns the HTTP handler for the store API.
func (s *Store) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recordCall)

	r.Post("/v1/auth/token", s.handleToken)
	r.Route("/v1/records", func(r chi.Router) {
		r.Use(s.tokens.middleware)

		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpsert)
		r.Patch("/{id}", s.handleUpdateStatus)
	})

	return r
}

func (s *Store) recordCall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, s.now())
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Store) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.intercept("authenticate", w) {
		return
	}

	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.APIKey != s.apiKey {
		writeJSONError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": s.tokens.issue(), "expires_in": 3600})
}

func (s *Store) handleList(w http.ResponseWriter, r *http.Request) {
	if s.intercept("list_records", w) {
		return
	}

	status := r.URL.Query().Get("status")

	s.mu.Lock()
	records := make([]StoreRecord, 0, len(s.records))
	for _, rec := range s.records {
		if status == "" || rec.Status == status {
			records = append(records, *rec)
		}
	}
	s.mu.Unlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	page, next := paginate(records, r, 100)
	writeJSON(w, http.StatusOK, map[string]any{"records": page, "next_cursor": next})
}

func (s *Store) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.intercept("get_record", w) {
		return
	}

	rec, ok := s.Record(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "Record not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (s *Store) handleUpsert(w http.ResponseWriter, r *http.Request) {
	if s.intercept("upsert_record", w) {
		return
	}

	var req struct {
		Record StoreRecord `json:"record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if req.Record.ID != id {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Record id does not match path")
		return
	}
	if req.Record.DestinationAccountID == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "validation_failed", "destination_account_id is required")
		return
	}

	rec := req.Record
	rec.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	s.records[id] = &rec
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (s *Store) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if s.intercept("update_record_status", w) {
		return
	}

	var req struct {
		Status     string `json:"status"`
		DocumentID string `json:"document_id"`
		LastError  string `json:"last_error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "status is required")
		return
	}

	s.mu.Lock()
	rec, ok := s.records[chi.URLParam(r, "id")]
	var out StoreRecord
	if ok {
		rec.Status = req.Status
		rec.DocumentID = req.DocumentID
		rec.LastError = req.LastError
		rec.UpdatedAt = s.now().UTC()
		out = *rec
	}
	s.mu.Unlock()

	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "Record not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": out})
}
