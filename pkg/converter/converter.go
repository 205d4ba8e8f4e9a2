// Package converter turns ledger transactions into staged store records and
// staged records into accounting documents.
package converter

import (
	"fmt"
	"strings"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/accounting"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/store"
)

// DefaultCurrency is used when no currency is configured.
const DefaultCurrency = "USD"

// Converter converts between the three systems' shapes.
type Converter struct {
	currency string
}

// NewConverter creates a new Converter.
func NewConverter(currency string) *Converter {
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Converter{currency: strings.ToUpper(currency)}
}

// Currency returns the currency documents are posted in.
func (c *Converter) Currency() string {
	return c.currency
}

// ToRecord builds the staged record of a mapped transaction.
func (c *Converter) ToRecord(txn ledger.Transaction, accountID, contactID string) store.Record {
	return store.Record{
		ID:                   txn.ID,
		Date:                 txn.Date,
		Amount:               txn.Amount,
		PayeeID:              txn.PayeeID,
		CategoryID:           txn.CategoryID,
		DestinationAccountID: accountID,
		ContactID:            contactID,
		Description:          Description(txn),
		Status:               store.StatusStaged,
	}
}

// ToInvoice builds the accounting document of a staged record. Inflows
// become invoices and outflows become bills; the line amount is always
// positive. The record id is the document reference.
func (c *Converter) ToInvoice(rec store.Record) (accounting.InvoiceRequest, error) {
	if rec.DestinationAccountID == "" {
		return accounting.InvoiceRequest{}, fmt.Errorf("record %s has no destination account", rec.ID)
	}
	if rec.Amount.IsZero() {
		return accounting.InvoiceRequest{}, fmt.Errorf("record %s has a zero amount", rec.ID)
	}

	docType := accounting.DocumentBill
	if rec.Amount.IsPositive() {
		docType = accounting.DocumentInvoice
	}

	return accounting.InvoiceRequest{
		Type:      docType,
		ContactID: rec.ContactID,
		Date:      rec.Date,
		Reference: rec.ID,
		Currency:  c.currency,
		LineItems: []accounting.LineItem{{
			Description: rec.Description,
			AccountID:   rec.DestinationAccountID,
			Amount:      rec.Amount.Abs(),
		}},
	}, nil
}

// Description returns the notes of txn without marker words.
func Description(txn ledger.Transaction) string {
	var words []string
	for _, w := range strings.Fields(txn.Notes) {
		if len(w) > 1 && w[0] == '#' {
			continue
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return "ledger transaction " + txn.ID
	}
	return strings.Join(words, " ")
}
