package emulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const tenantHeader = "Accounting-Tenant-Id"

// AccountingAccount is a seeded destination account.
type AccountingAccount struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// AccountingLine is a line of a posted document.
type AccountingLine struct {
	Description string          `json:"description,omitempty"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// AccountingInvoice is a posted invoice or bill.
type AccountingInvoice struct {
	ID        string           `json:"id"`
	Number    string           `json:"number"`
	Type      string           `json:"type"`
	ContactID string           `json:"contact_id,omitempty"`
	Reference string           `json:"reference"`
	Date      string           `json:"date"`
	Currency  string           `json:"currency,omitempty"`
	Status    string           `json:"status"`
	Total     decimal.Decimal  `json:"total"`
	LineItems []AccountingLine `json:"line_items"`
	CreatedAt time.Time        `json:"created_at"`
}

// Accounting emulates the accounting API and its OAuth2 token endpoint.
type Accounting struct {
	*faults
	tokens *tokens

	clientID     string
	clientSecret string
	tenantID     string

	mu       sync.Mutex
	accounts []AccountingAccount
	invoices []AccountingInvoice
}

// NewAccounting creates an accounting emulator for one tenant.
func NewAccounting(clientID, clientSecret, tenantID string) *Accounting {
	return &Accounting{
		faults:       newFaults(),
		tokens:       newTokens(),
		clientID:     clientID,
		clientSecret: clientSecret,
		tenantID:     tenantID,
	}
}

// AddAccount seeds an account. An empty status is treated as active.
func (a *Accounting) AddAccount(acc AccountingAccount) {
	if acc.Status == "" {
		acc.Status = "active"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = append(a.accounts, acc)
}

// Invoices returns every posted document in creation order.
func (a *Accounting) Invoices() []AccountingInvoice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AccountingInvoice(nil), a.invoices...)
}

// RevokeTokens expires every issued access token.
func (a *Accounting) RevokeTokens() {
	a.tokens.revokeAll()
}

// Handler returns the HTTP handler for the accounting API.
func (a *Accounting) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/oauth/token", a.handleToken)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.tokens.middleware)
		r.Use(a.tenantMiddleware)

		r.Get("/accounts", a.handleListAccounts)
		r.Get("/invoices", a.handleListInvoices)
		r.Post("/invoices", a.handleCreateInvoice)
	})

	return r
}

func (a *Accounting) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tenantHeader) != a.tenantID {
			writeJSONError(w, http.StatusBadRequest, "invalid_tenant", "Missing or unknown tenant")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Accounting) handleToken(w http.ResponseWriter, r *http.Request) {
	if a.intercept("token", w) {
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to parse form")
		return
	}
	if r.FormValue("grant_type") != "client_credentials" {
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "Only client_credentials is supported")
		return
	}

	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.FormValue("client_id"), r.FormValue("client_secret")
	}
	if id != a.clientID || secret != a.clientSecret {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "Client authentication failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": a.tokens.issue(),
		"token_type":   "Bearer",
		"expires_in":   1800,
	})
}

// handleListAccounts matches name loosely: case-insensitive substring.
func (a *Accounting) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if a.intercept("find_accounts", w) {
		return
	}

	name := strings.ToLower(r.URL.Query().Get("name"))

	a.mu.Lock()
	var accounts []AccountingAccount
	for _, acc := range a.accounts {
		if name == "" || strings.Contains(strings.ToLower(acc.Name), name) {
			accounts = append(accounts, acc)
		}
	}
	a.mu.Unlock()

	page, next := paginate(accounts, r, 50)
	if page == nil {
		page = []AccountingAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": page, "next_cursor": next})
}

func (a *Accounting) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	if a.intercept("find_invoice", w) {
		return
	}

	reference := r.URL.Query().Get("reference")

	a.mu.Lock()
	invoices := []AccountingInvoice{}
	for _, inv := range a.invoices {
		if reference == "" || inv.Reference == reference {
			invoices = append(invoices, inv)
		}
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices, "next_cursor": ""})
}

func (a *Accounting) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	if a.intercept("create_invoice", w) {
		return
	}

	var req AccountingInvoice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Type != "ACCREC" && req.Type != "ACCPAY" {
		writeJSONError(w, http.StatusUnprocessableEntity, "validation_failed", "type must be ACCREC or ACCPAY")
		return
	}
	if len(req.LineItems) == 0 {
		writeJSONError(w, http.StatusUnprocessableEntity, "validation_failed", "line_items is required")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	total := decimal.Zero
	for _, line := range req.LineItems {
		if !a.activeAccountLocked(line.AccountID) {
			writeJSONError(w, http.StatusUnprocessableEntity, "validation_failed", "Unknown or archived account "+line.AccountID)
			return
		}
		total = total.Add(line.Amount)
	}

	inv := req
	inv.ID = uuid.NewString()
	inv.Number = invoiceNumber(req.Type, len(a.invoices)+1)
	inv.Status = "AUTHORISED"
	inv.Total = total
	inv.CreatedAt = time.Now().UTC()
	a.invoices = append(a.invoices, inv)

	writeJSON(w, http.StatusCreated, map[string]any{"invoice": inv})
}

func (a *Accounting) activeAccountLocked(id string) bool {
	for _, acc := range a.accounts {
		if acc.ID == id {
			return acc.Status == "active"
		}
	}
	return false
}

func invoiceNumber(docType string, seq int) string {
	prefix := "INV"
	if docType == "ACCPAY" {
		prefix = "BILL"
	}
	return fmt.Sprintf("%s-%04d", prefix, seq)
}
