package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
)

const (
	serviceName = "ledger"
	pageSize    = 100
)

// ErrLedgerNotLoaded is returned when the configured budget does not exist
// on the ledger server.
var ErrLedgerNotLoaded = errors.New("ledger budget not loaded")

// ClientConfig represents the configuration for the ledger API client.
type ClientConfig struct {
	APIURL   string
	Password string
	BudgetID string
	Timeout  time.Duration // Default: 30 seconds
}

// Client is a ledger API client.
type Client struct {
	api      *apiclient.Client
	login    *apiclient.Client
	password string
	budgetID string
}

// NewClient creates a new ledger API client. The options are applied to the
// underlying transport of both the login and the data endpoints.
func NewClient(config ClientConfig, opts ...apiclient.Option) (*Client, error) {
	c, err := newContract()
	if err != nil {
		return nil, err
	}

	opts = append(opts, apiclient.WithResponseValidator(c.validate))

	client := &Client{
		password: config.Password,
		budgetID: config.BudgetID,
	}
	client.login = apiclient.New(apiclient.Config{
		Service: serviceName,
		BaseURL: config.APIURL,
		Timeout: config.Timeout,
	}, opts...)
	client.api = apiclient.New(apiclient.Config{
		Service: serviceName,
		BaseURL: config.APIURL,
		Timeout: config.Timeout,
		Auth:    apiclient.AuthenticatorFunc(client.Authenticate),
	}, opts...)

	return client, nil
}

// Authenticate exchanges the configured password for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (apiclient.Credential, error) {
	var resp loginResponse
	err := c.login.Request(ctx, apiclient.Op{
		Name:   opLogin,
		Method: http.MethodPost,
		Path:   "/v1/auth/login",
		Body:   map[string]string{"password": c.password},
	}, &resp)
	if err != nil {
		return apiclient.Credential{}, err
	}

	cred := apiclient.Credential{Token: resp.Data.Token}
	if resp.Data.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(resp.Data.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// CheckBudget verifies that the configured budget is loaded on the server.
func (c *Client) CheckBudget(ctx context.Context) error {
	var resp budgetResponse
	err := c.api.Request(ctx, apiclient.Op{
		Name:   opGetBudget,
		Method: http.MethodGet,
		Path:   c.budgetPath(""),
	}, &resp)
	if errors.Is(err, apiclient.ErrNotFound) {
		return fmt.Errorf("%w: budget %q: %w", ErrLedgerNotLoaded, c.budgetID, err)
	}
	return err
}

// ListCategoryGroups lists every category group.
func (c *Client) ListCategoryGroups(ctx context.Context) ([]CategoryGroup, error) {
	return apiclient.Paginate(ctx, func(ctx context.Context, cursor string) (apiclient.Page[CategoryGroup], error) {
		var resp categoryGroupListResponse
		err := c.api.Request(ctx, apiclient.Op{
			Name:   opListGroups,
			Method: http.MethodGet,
			Path:   c.budgetPath("/category-groups"),
			Query:  pageQuery(cursor),
		}, &resp)
		if err != nil {
			return apiclient.Page[CategoryGroup]{}, err
		}
		return apiclient.Page[CategoryGroup]{Items: resp.Data, NextCursor: deref(resp.NextCursor)}, nil
	})
}

// ListCategories lists categories, optionally restricted to one group.
func (c *Client) ListCategories(ctx context.Context, groupID string) ([]Category, error) {
	return apiclient.Paginate(ctx, func(ctx context.Context, cursor string) (apiclient.Page[Category], error) {
		query := pageQuery(cursor)
		if groupID != "" {
			query.Set("group_id", groupID)
		}

		var resp categoryListResponse
		err := c.api.Request(ctx, apiclient.Op{
			Name:   opListCategories,
			Method: http.MethodGet,
			Path:   c.budgetPath("/categories"),
			Query:  query,
		}, &resp)
		if err != nil {
			return apiclient.Page[Category]{}, err
		}
		return apiclient.Page[Category]{Items: resp.Data, NextCursor: deref(resp.NextCursor)}, nil
	})
}

// GetCategory reads one category.
func (c *Client) GetCategory(ctx context.Context, id string) (Category, error) {
	var resp categoryResponse
	err := c.api.Request(ctx, apiclient.Op{
		Name:   opGetCategory,
		Method: http.MethodGet,
		Path:   c.budgetPath("/categories/" + url.PathEscape(id)),
	}, &resp)
	if err != nil {
		return Category{}, err
	}
	return resp.Data, nil
}

// ListTransactions fetches all transactions matching filter.
func (c *Client) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	raw, err := apiclient.Paginate(ctx, func(ctx context.Context, cursor string) (apiclient.Page[transactionJSON], error) {
		query := pageQuery(cursor)
		if filter.Since != "" {
			query.Set("since", filter.Since)
		}
		if filter.Until != "" {
			query.Set("until", filter.Until)
		}
		if filter.Cleared != nil {
			query.Set("cleared", strconv.FormatBool(*filter.Cleared))
		}
		if filter.Reconciled != nil {
			query.Set("reconciled", strconv.FormatBool(*filter.Reconciled))
		}

		var resp transactionListResponse
		err := c.api.Request(ctx, apiclient.Op{
			Name:   opListTransaction,
			Method: http.MethodGet,
			Path:   c.budgetPath("/transactions"),
			Query:  query,
		}, &resp)
		if err != nil {
			return apiclient.Page[transactionJSON]{}, err
		}
		return apiclient.Page[transactionJSON]{Items: resp.Data, NextCursor: deref(resp.NextCursor)}, nil
	})
	if err != nil {
		return nil, err
	}

	txns := make([]Transaction, 0, len(raw))
	for _, t := range raw {
		txns = append(txns, t.toTransaction())
	}
	return txns, nil
}

// GetTransaction reads one transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp transactionResponse
	err := c.api.Request(ctx, apiclient.Op{
		Name:   opGetTransaction,
		Method: http.MethodGet,
		Path:   c.budgetPath("/transactions/" + url.PathEscape(id)),
	}, &resp)
	if err != nil {
		return Transaction{}, err
	}
	return resp.Data.toTransaction(), nil
}

// UpdateNotes replaces a transaction's notes field.
func (c *Client) UpdateNotes(ctx context.Context, id, notes string) (Transaction, error) {
	var resp transactionResponse
	err := c.api.Request(ctx, apiclient.Op{
		Name:   opUpdateNotes,
		Method: http.MethodPatch,
		Path:   c.budgetPath("/transactions/" + url.PathEscape(id)),
		Body:   map[string]string{"notes": notes},
	}, &resp)
	if err != nil {
		return Transaction{}, err
	}
	return resp.Data.toTransaction(), nil
}

// AppendMarkers reads the transaction, merges tokens into its notes and
// writes them back when something was missing. Callers must serialize calls
// for the same id.
func (c *Client) AppendMarkers(ctx context.Context, id string, tokens ...string) (Transaction, error) {
	txn, err := c.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to read transaction %s: %w", id, err)
	}

	notes, changed := MergeMarkers(txn.Notes, tokens...)
	if !changed {
		return txn, nil
	}

	updated, err := c.UpdateNotes(ctx, id, notes)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to write markers on %s: %w", id, err)
	}
	return updated, nil
}

func (c *Client) budgetPath(suffix string) string {
	return "/v1/budgets/" + url.PathEscape(c.budgetID) + suffix
}

func pageQuery(cursor string) url.Values {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	return query
}
