// Package store provides the middleware store client used to stage records
// before they are posted to the accounting system.
package store

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
)

const (
	serviceName = "store"
	pageSize    = 100

	// DefaultRequestsPerMinute is used when no quota is configured.
	DefaultRequestsPerMinute = 60
)

// Status is the lifecycle state of a staged record.
type Status string

const (
	StatusStaged Status = "staged"
	StatusPosted Status = "posted"
	StatusFailed Status = "failed"
)

// Record is a ledger transaction queued for posting. ID is the ledger
// transaction id.
type Record struct {
	ID                   string          `json:"id"`
	Date                 string          `json:"date"`
	Amount               decimal.Decimal `json:"amount"`
	PayeeID              string          `json:"payee_id,omitempty"`
	CategoryID           string          `json:"category_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	ContactID            string          `json:"contact_id,omitempty"`
	Description          string          `json:"description,omitempty"`
	Status               Status          `json:"status"`
	DocumentID           string          `json:"document_id,omitempty"`
	LastError            string          `json:"last_error,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at,omitempty"`
}

// StatusUpdate is the PATCH body for a record.
type StatusUpdate struct {
	Status     Status `json:"status"`
	DocumentID string `json:"document_id,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// ClientConfig represents the configuration for the store client.
type ClientConfig struct {
	APIURL            string
	APIKey            string
	RequestsPerMinute int
	Timeout           time.Duration // Default: 30 seconds
}

// Client is a middleware store client. All of its calls, including the
// token exchange, share one rate limiter.
type Client struct {
	api    *apiclient.Client
	login  *apiclient.Client
	apiKey string
}

// NewClient creates a new store client.
func NewClient(config ClientConfig, opts ...apiclient.Option) *Client {
	rpm := config.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	opts = append(opts, apiclient.WithLimiter(apiclient.NewMinuteLimiter(rpm)))

	client := &Client{apiKey: config.APIKey}
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
	return client
}

// Authenticate exchanges the API key for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (apiclient.Credential, error) {
	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	err := c.login.Request(ctx, apiclient.Op{
		Name:   "authenticate",
		Method: http.MethodPost,
		Path:   "/v1/auth/token",
		Body:   map[string]string{"api_key": c.apiKey},
	}, &resp)
	if err != nil {
		return apiclient.Credential{}, err
	}

	cred := apiclient.Credential{Token: resp.Token}
	if resp.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// Upsert creates or replaces the record keyed by rec.ID.
func (c *Client) Upsert(ctx context.Context, rec Record) (Record, error) {
	var resp recordEnvelope
	err := c.api.Request(ctx, apiclient.Op{
		Name:   "upsert_record",
		Method: http.MethodPut,
		Path:   "/v1/records/" + url.PathEscape(rec.ID),
		Body:   recordEnvelope{Record: rec},
	}, &resp)
	if err != nil {
		return Record{}, err
	}
	return resp.Record, nil
}

// Get reads one record.
func (c *Client) Get(ctx context.Context, id string) (Record, error) {
	var resp recordEnvelope
	err := c.api.Request(ctx, apiclient.Op{
		Name:   "get_record",
		Method: http.MethodGet,
		Path:   "/v1/records/" + url.PathEscape(id),
	}, &resp)
	if err != nil {
		return Record{}, err
	}
	return resp.Record, nil
}

// UpdateStatus patches the status of a record.
func (c *Client) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (Record, error) {
	var resp recordEnvelope
	err := c.api.Request(ctx, apiclient.Op{
		Name:   "update_record_status",
		Method: http.MethodPatch,
		Path:   "/v1/records/" + url.PathEscape(id),
		Body:   update,
	}, &resp)
	if err != nil {
		return Record{}, err
	}
	return resp.Record, nil
}

// List returns every record, optionally filtered by status.
func (c *Client) List(ctx context.Context, status Status) ([]Record, error) {
	return apiclient.Paginate(ctx, func(ctx context.Context, cursor string) (apiclient.Page[Record], error) {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		if status != "" {
			query.Set("status", string(status))
		}

		var resp recordListResponse
		err := c.api.Request(ctx, apiclient.Op{
			Name:   "list_records",
			Method: http.MethodGet,
			Path:   "/v1/records",
			Query:  query,
		}, &resp)
		if err != nil {
			return apiclient.Page[Record]{}, err
		}
		return apiclient.Page[Record]{Items: resp.Records, NextCursor: resp.NextCursor}, nil
	})
}

type recordEnvelope struct {
	Record Record `json:"record"`
}

type recordListResponse struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor"`
}
