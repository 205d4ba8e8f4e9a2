package emulator

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
)

// LedgerTransaction is a seeded ledger transaction. Amount is in minor
// units; empty strings are served as JSON null.
type LedgerTransaction struct {
	ID         string
	Date       string
	Amount     int64
	PayeeID    string
	CategoryID string
	Cleared    bool
	Reconciled bool
	Notes      string
}

// LedgerCategory is a seeded category.
type LedgerCategory struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID string `json:"group_id,omitempty"`
}

// LedgerGroup is a seeded category group.
type LedgerGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Ledger emulates the ledger API.
type Ledger struct {
	*faults
	tokens *tokens

	password string
	budgetID string

	mu           sync.Mutex
	groups       []LedgerGroup
	categories   []LedgerCategory
	transactions map[string]*LedgerTransaction
	malformed    map[string]bool
	noteWrites   map[string]int
}

// NewLedger creates a ledger emulator serving budgetID behind password.
func NewLedger(password, budgetID string) *Ledger {
	return &Ledger{
		faults:       newFaults(),
		tokens:       newTokens(),
		password:     password,
		budgetID:     budgetID,
		transactions: make(map[string]*LedgerTransaction),
		malformed:    make(map[string]bool),
		noteWrites:   make(map[string]int),
	}
}

// AddGroup seeds a category group.
func (l *Ledger) AddGroup(g LedgerGroup) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups = append(l.groups, g)
}

// AddCategory seeds a category.
func (l *Ledger) AddCategory(c LedgerCategory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.categories = append(l.categories, c)
}

// AddTransaction seeds or replaces a transaction.
func (l *Ledger) AddTransaction(t LedgerTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn := t
	l.transactions[t.ID] = &txn
}

// Transaction returns the current state of a transaction.
func (l *Ledger) Transaction(id string) (LedgerTransaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transactions[id]
	if !ok {
		return LedgerTransaction{}, false
	}
	return *t, true
}

// NoteWrites returns how many times the notes of id were written.
func (l *Ledger) NoteWrites(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.noteWrites[id]
}

// BreakContract makes op answer with a body that does not match the
// published response shape.
func (l *Ledger) BreakContract(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.malformed[op] = true
}

// RevokeTokens expires every issued session token.
func (l *Ledger) RevokeTokens() {
	l.tokens.revokeAll()
}

// Handler returns the HTTP handler for the ledger API.
func (l *Ledger) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/v1/auth/login", l.handleLogin)
	r.Route("/v1/budgets/{budgetID}", func(r chi.Router) {
		r.Use(l.tokens.middleware)
		r.Use(l.budgetMiddleware)

		r.Get("/", l.handleGetBudget)
		r.Get("/category-groups", l.handleListGroups)
		r.Get("/categories", l.handleListCategories)
		r.Get("/categories/{id}", l.handleGetCategory)
		r.Get("/transactions", l.handleListTransactions)
		r.Get("/transactions/{id}", l.handleGetTransaction)
		r.Patch("/transactions/{id}", l.handleUpdateTransaction)
	})

	return r
}

func (l *Ledger) budgetMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "budgetID") != l.budgetID {
			writeJSONError(w, http.StatusNotFound, "not_found", "Budget not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Ledger) handleLogin(w http.ResponseWriter, r *http.Request) {
	if l.intercept("login", w) {
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Password != l.password {
		writeJSONError(w, http.StatusUnauthorized, "invalid_password", "Invalid password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"token": l.tokens.issue(), "expires_in": 3600},
	})
}

func (l *Ledger) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	if l.intercept("get_budget", w) || l.writeMalformed("get_budget", w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]string{"id": l.budgetID, "name": "Emulated budget"},
	})
}

func (l *Ledger) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if l.intercept("list_category_groups", w) || l.writeMalformed("list_category_groups", w) {
		return
	}

	l.mu.Lock()
	groups := append([]LedgerGroup(nil), l.groups...)
	l.mu.Unlock()

	page, next := paginate(groups, r, 100)
	writeJSON(w, http.StatusOK, listEnvelope(page, next))
}

func (l *Ledger) handleListCategories(w http.ResponseWriter, r *http.Request) {
	if l.intercept("list_categories", w) || l.writeMalformed("list_categories", w) {
		return
	}

	groupID := r.URL.Query().Get("group_id")

	l.mu.Lock()
	var categories []LedgerCategory
	for _, c := range l.categories {
		if groupID == "" || c.GroupID == groupID {
			categories = append(categories, c)
		}
	}
	l.mu.Unlock()

	page, next := paginate(categories, r, 100)
	writeJSON(w, http.StatusOK, listEnvelope(page, next))
}

func (l *Ledger) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	if l.intercept("get_category", w) || l.writeMalformed("get_category", w) {
		return
	}

	id := chi.URLParam(r, "id")

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.categories {
		if c.ID == id {
			writeJSON(w, http.StatusOK, map[string]any{"data": c})
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "not_found", "Category not found")
}

func (l *Ledger) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if l.intercept("list_transactions", w) || l.writeMalformed("list_transactions", w) {
		return
	}

	q := r.URL.Query()
	since, until := q.Get("since"), q.Get("until")
	cleared, hasCleared := parseBoolParam(q.Get("cleared"))
	reconciled, hasReconciled := parseBoolParam(q.Get("reconciled"))

	l.mu.Lock()
	var txns []map[string]any
	for _, t := range l.sortedTransactions() {
		if since != "" && t.Date < since {
			continue
		}
		if until != "" && t.Date > until {
			continue
		}
		if hasCleared && t.Cleared != cleared {
			continue
		}
		if hasReconciled && t.Reconciled != reconciled {
			continue
		}
		txns = append(txns, t.wire())
	}
	l.mu.Unlock()

	page, next := paginate(txns, r, 100)
	writeJSON(w, http.StatusOK, listEnvelope(page, next))
}

func (l *Ledger) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if l.intercept("get_transaction", w) || l.writeMalformed("get_transaction", w) {
		return
	}

	l.mu.Lock()
	t, ok := l.transactions[chi.URLParam(r, "id")]
	var body map[string]any
	if ok {
		body = t.wire()
	}
	l.mu.Unlock()

	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "Transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": body})
}

func (l *Ledger) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	if l.intercept("update_notes", w) || l.writeMalformed("update_notes", w) {
		return
	}

	var req struct {
		Notes *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Notes == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "notes is required")
		return
	}

	id := chi.URLParam(r, "id")

	l.mu.Lock()
	t, ok := l.transactions[id]
	var body map[string]any
	if ok {
		t.Notes = *req.Notes
		l.noteWrites[id]++
		body = t.wire()
	}
	l.mu.Unlock()

	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "Transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": body})
}

// writeMalformed answers with a payload missing required fields when op was
// broken with BreakContract.
func (l *Ledger) writeMalformed(op string, w http.ResponseWriter) bool {
	l.mu.Lock()
	broken := l.malformed[op]
	l.mu.Unlock()
	if !broken {
		return false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]any{{"id": 42, "amount": "12.50"}},
	})
	return true
}

// sortedTransactions must be called with l.mu held.
func (l *Ledger) sortedTransactions() []*LedgerTransaction {
	txns := make([]*LedgerTransaction, 0, len(l.transactions))
	for _, t := range l.transactions {
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool {
		if txns[i].Date != txns[j].Date {
			return txns[i].Date < txns[j].Date
		}
		return txns[i].ID < txns[j].ID
	})
	return txns
}

func (t *LedgerTransaction) wire() map[string]any {
	return map[string]any{
		"id":          t.ID,
		"date":        t.Date,
		"amount":      t.Amount,
		"payee_id":    nullable(t.PayeeID),
		"category_id": nullable(t.CategoryID),
		"cleared":     t.Cleared,
		"reconciled":  t.Reconciled,
		"notes":       nullable(t.Notes),
	}
}

func listEnvelope[T any](items []T, next string) map[string]any {
	if items == nil {
		items = []T{}
	}
	return map[string]any{"data": items, "next_cursor": nullable(next)}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseBoolParam(s string) (bool, bool) {
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return v, true
}
