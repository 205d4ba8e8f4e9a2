// Package reconcile drives ledger transactions through mapping, staging,
// posting and marking, and re-drives the stages that failed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/accounting"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/store"
)

const dateLayout = "2006-01-02"

// Ledger is the part of the ledger client the engine uses.
type Ledger interface {
	CheckBudget(ctx context.Context) error
	ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (ledger.Transaction, error)
	AppendMarkers(ctx context.Context, id string, tokens ...string) (ledger.Transaction, error)
}

// Store is the part of the store client the engine uses.
type Store interface {
	Upsert(ctx context.Context, rec store.Record) (store.Record, error)
	Get(ctx context.Context, id string) (store.Record, error)
	UpdateStatus(ctx context.Context, id string, update store.StatusUpdate) (store.Record, error)
}

// Accounting is the part of the accounting client the engine uses.
type Accounting interface {
	CreateInvoice(ctx context.Context, req accounting.InvoiceRequest) (accounting.Invoice, error)
	FindInvoiceByReference(ctx context.Context, reference string) (*accounting.Invoice, error)
}

// Mapper resolves destination accounts. A new Mapper is created per run so
// its cache lives exactly as long as the run.
type Mapper interface {
	Resolve(ctx context.Context, categoryID string) (string, error)
	Contact(payeeID string) string
}

// Window is an inclusive range of ledger dates.
type Window struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// Validate checks both bounds are dates and Since is not after Until.
func (w Window) Validate() error {
	since, err := time.Parse(dateLayout, w.Since)
	if err != nil {
		return fmt.Errorf("invalid window start %q: %w", w.Since, err)
	}
	until, err := time.Parse(dateLayout, w.Until)
	if err != nil {
		return fmt.Errorf("invalid window end %q: %w", w.Until, err)
	}
	if since.After(until) {
		return fmt.Errorf("window start %s is after window end %s", w.Since, w.Until)
	}
	return nil
}

// Contains reports whether the YYYY-MM-DD date falls inside w.
func (w Window) Contains(date string) bool {
	return date >= w.Since && date <= w.Until
}

func (w Window) String() string {
	return w.Since + ".." + w.Until
}

// ErrGraceExpired cancels in-flight work when a shutdown outlasts the grace
// period.
var ErrGraceExpired = errors.New("shutdown grace period expired")

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// stateError marks a failure of the local state store. It aborts the run:
// without the queue and the completion records nothing can be recorded
// safely.
type stateError struct {
	err error
}

func (e *stateError) Error() string { return "state store: " + e.err.Error() }
func (e *stateError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var se *stateError
	return apiclient.IsFatal(err) || errors.As(err, &se)
}

func isPermanent(err error) bool {
	var pe *permanentError
	return apiclient.IsPermanent(err) || errors.As(err, &pe)
}
