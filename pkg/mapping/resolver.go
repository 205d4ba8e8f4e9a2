// Package mapping resolves ledger categories to accounting destination
// accounts.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/accounting"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/ledger"
)

// ErrMappingUnresolved is matched by every *UnresolvedError.
var ErrMappingUnresolved = errors.New("mapping unresolved")

// UnresolvedError reports a category without exactly one destination.
type UnresolvedError struct {
	CategoryID   string
	CategoryName string
	Matches      int
	Reason       string
}

func (e *UnresolvedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mapping unresolved for category %q: %s", e.CategoryID, e.Reason)
	}
	return fmt.Sprintf("mapping unresolved for category %q (%s): %d matching accounts", e.CategoryID, e.CategoryName, e.Matches)
}

// Is reports whether target is ErrMappingUnresolved.
func (e *UnresolvedError) Is(target error) bool {
	return target == ErrMappingUnresolved
}

// CategorySource reads ledger categories.
type CategorySource interface {
	GetCategory(ctx context.Context, id string) (ledger.Category, error)
}

// AccountDirectory searches destination accounts by name.
type AccountDirectory interface {
	FindAccountsByName(ctx context.Context, name string) ([]accounting.Account, error)
}

type entry struct {
	accountID  string
	unresolved *UnresolvedError
}

// Resolver maps category ids to account ids. Resolved and unresolvable
// categories are cached for the lifetime of the Resolver, which is one run.
// It is safe for concurrent use.
type Resolver struct {
	categories CategorySource
	accounts   AccountDirectory
	pins       *Pins
	logger     *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]entry
}

// NewResolver creates a Resolver. pins may be nil.
func NewResolver(categories CategorySource, accounts AccountDirectory, pins *Pins, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		categories: categories,
		accounts:   accounts,
		pins:       pins,
		logger:     logger,
		cache:      make(map[string]entry),
	}
}

// Resolve returns the destination account of categoryID. It returns an
// *UnresolvedError when zero or several accounts carry the category's exact
// name; other errors come from the clients.
func (r *Resolver) Resolve(ctx context.Context, categoryID string) (string, error) {
	if categoryID == "" {
		return "", &UnresolvedError{Reason: "transaction has no category"}
	}
	if id, ok := r.pins.Account(categoryID); ok {
		return id, nil
	}

	if e, ok := r.cached(categoryID); ok {
		return e.result()
	}

	// The shared lookup outlives any single caller; each caller stops
	// waiting when its own ctx ends.
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(categoryID, func() (any, error) {
		if e, ok := r.cached(categoryID); ok {
			return e, nil
		}
		e, err := r.lookup(lookupCtx, categoryID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[categoryID] = e
		r.mu.Unlock()
		return e, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(entry).result()
	}
}

// Contact returns the accounting contact of a payee, if one is pinned.
func (r *Resolver) Contact(payeeID string) string {
	return r.pins.Contact(payeeID)
}

func (r *Resolver) cached(categoryID string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[categoryID]
	return e, ok
}

func (r *Resolver) lookup(ctx context.Context, categoryID string) (entry, error) {
	category, err := r.categories.GetCategory(ctx, categoryID)
	if errors.Is(err, apiclient.ErrNotFound) {
		return entry{unresolved: &UnresolvedError{CategoryID: categoryID, Reason: "category does not exist"}}, nil
	}
	if err != nil {
		return entry{}, fmt.Errorf("failed to read category %s: %w", categoryID, err)
	}

	candidates, err := r.accounts.FindAccountsByName(ctx, category.Name)
	if err != nil {
		return entry{}, fmt.Errorf("failed to look up accounts named %q: %w", category.Name, err)
	}

	// The server matches loosely; only exact, case-sensitive names count.
	var matches []accounting.Account
	for _, acc := range candidates {
		if acc.Name == category.Name && acc.Status != "archived" {
			matches = append(matches, acc)
		}
	}

	if len(matches) != 1 {
		r.logger.Warn("category mapping unresolved",
			"category_id", categoryID,
			"category_name", category.Name,
			"matches", len(matches),
		)
		return entry{unresolved: &UnresolvedError{
			CategoryID:   categoryID,
			CategoryName: category.Name,
			Matches:      len(matches),
		}}, nil
	}

	r.logger.Debug("category mapped", "category_id", categoryID, "account_id", matches[0].ID)
	return entry{accountID: matches[0].ID}, nil
}

func (e entry) result() (string, error) {
	if e.unresolved != nil {
		return "", e.unresolved
	}
	return e.accountID, nil
}
