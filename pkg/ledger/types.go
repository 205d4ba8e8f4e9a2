// Package ledger provides the ledger API client, its types and the marker
// protocol stored in a transaction's notes.
package ledger

import (
	"github.com/shopspring/decimal"
)

// Transaction is a ledger transaction. Amount is positive for inflows and
// negative for outflows.
type Transaction struct {
	ID         string
	Date       string // YYYY-MM-DD
	Amount     decimal.Decimal
	PayeeID    string
	CategoryID string
	Cleared    bool
	Reconciled bool
	Notes      string
}

// Markers returns the marker tokens carried by the transaction.
func (t Transaction) Markers() []string {
	return ParseMarkers(t.Notes)
}

// HasMarker reports whether the transaction carries token.
func (t Transaction) HasMarker(token string) bool {
	return HasMarker(t.Notes, token)
}

// Category is a ledger budget category.
type Category struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID string `json:"group_id,omitempty"`
}

// CategoryGroup groups categories.
type CategoryGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TransactionFilter narrows ListTransactions. Nil booleans are not sent.
type TransactionFilter struct {
	Since      string // YYYY-MM-DD, inclusive
	Until      string // YYYY-MM-DD, inclusive
	Cleared    *bool
	Reconciled *bool
}

// transactionJSON is the wire shape; amounts are integer minor units.
type transactionJSON struct {
	ID         string  `json:"id"`
	Date       string  `json:"date"`
	Amount     int64   `json:"amount"`
	PayeeID    *string `json:"payee_id"`
	CategoryID *string `json:"category_id"`
	Cleared    bool    `json:"cleared"`
	Reconciled bool    `json:"reconciled"`
	Notes      *string `json:"notes"`
}

func (t transactionJSON) toTransaction() Transaction {
	return Transaction{
		ID:         t.ID,
		Date:       t.Date,
		Amount:     decimal.New(t.Amount, -2),
		PayeeID:    deref(t.PayeeID),
		CategoryID: deref(t.CategoryID),
		Cleared:    t.Cleared,
		Reconciled: t.Reconciled,
		Notes:      deref(t.Notes),
	}
}

type loginResponse struct {
	Data struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	} `json:"data"`
}

type budgetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

type transactionResponse struct {
	Data transactionJSON `json:"data"`
}

type transactionListResponse struct {
	Data       []transactionJSON `json:"data"`
	NextCursor *string           `json:"next_cursor"`
}

type categoryResponse struct {
	Data Category `json:"data"`
}

type categoryListResponse struct {
	Data       []Category `json:"data"`
	NextCursor *string    `json:"next_cursor"`
}

type categoryGroupListResponse struct {
	Data       []CategoryGroup `json:"data"`
	NextCursor *string         `json:"next_cursor"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
