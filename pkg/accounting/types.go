// Package accounting provides the accounting API client and types.
package accounting

import (
	"github.com/shopspring/decimal"
)

// Account represents a destination account in the accounting system.
type Account struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Type   string `json:"type"`             // revenue, expense, ...
	Status string `json:"status,omitempty"` // active or archived
}

// DocumentType selects between a sales invoice and a purchase bill.
type DocumentType string

const (
	// DocumentInvoice is an accounts-receivable invoice (money in).
	DocumentInvoice DocumentType = "ACCREC"
	// DocumentBill is an accounts-payable bill (money out).
	DocumentBill DocumentType = "ACCPAY"
)

// LineItem represents a line of an invoice or bill.
type LineItem struct {
	Description string          `json:"description,omitempty"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// InvoiceRequest is the body of POST /api/v1/invoices.
type InvoiceRequest struct {
	Type      DocumentType `json:"type"`
	ContactID string       `json:"contact_id,omitempty"`
	Date      string       `json:"date"` // YYYY-MM-DD
	Reference string       `json:"reference"`
	Currency  string       `json:"currency,omitempty"`
	LineItems []LineItem   `json:"line_items"`
}

// Invoice represents a created invoice or bill.
type Invoice struct {
	ID        string          `json:"id"`
	Number    string          `json:"number,omitempty"`
	Type      DocumentType    `json:"type"`
	Reference string          `json:"reference"`
	Date      string          `json:"date"`
	Status    string          `json:"status,omitempty"`
	Total     decimal.Decimal `json:"total"`
}

// AccountsResponse represents the response from /api/v1/accounts.
type AccountsResponse struct {
	Accounts   []Account `json:"accounts"`
	NextCursor string    `json:"next_cursor"`
}

// InvoiceResponse wraps a single invoice.
type InvoiceResponse struct {
	Invoice Invoice `json:"invoice"`
}

// InvoicesResponse represents the response from GET /api/v1/invoices.
type InvoicesResponse struct {
	Invoices   []Invoice `json:"invoices"`
	NextCursor string    `json:"next_cursor"`
}
