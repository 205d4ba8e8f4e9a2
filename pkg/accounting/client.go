package accounting

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
)

const (
	serviceName = "accounting"

	// TenantHeader scopes every API call to one organisation.
	TenantHeader = "Accounting-Tenant-Id"
)

// ClientConfig represents the configuration for the accounting API client.
type ClientConfig struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	TenantID     string
	Scopes       []string
	Timeout      time.Duration // Default: 30 seconds
}

// Client is an accounting API client authenticated with the OAuth2
// client-credentials flow.
type Client struct {
	api        *apiclient.Client
	oauth      *clientcredentials.Config
	httpClient *http.Client
}

// NewClient creates a new accounting API client.
func NewClient(config ClientConfig, opts ...apiclient.Option) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := &Client{
		oauth: &clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     config.TokenURL,
			Scopes:       config.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: &http.Client{Timeout: timeout},
	}

	opts = append(opts, apiclient.WithHeader(TenantHeader, config.TenantID))
	client.api = apiclient.New(apiclient.Config{
		Service: serviceName,
		BaseURL: config.APIURL,
		Timeout: timeout,
		Auth:    apiclient.AuthenticatorFunc(client.Authenticate),
	}, opts...)

	return client
}

// Authenticate obtains a new access token from the token endpoint.
func (c *Client) Authenticate(ctx context.Context) (apiclient.Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauth.Token(ctx)
	if err != nil {
		return apiclient.Credential{}, classifyTokenError(err)
	}
	return apiclient.Credential{Token: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

func classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		kind := apiclient.KindAuthentication
		if retrieveErr.Response.StatusCode >= 500 {
			kind = apiclient.KindServer
		}
		return &apiclient.Error{
			Kind:    kind,
			Service: serviceName,
			Op:      "token",
			Status:  retrieveErr.Response.StatusCode,
			Message: retrieveErr.ErrorCode,
			Err:     err,
		}
	}
	return &apiclient.Error{Kind: apiclient.KindServer, Service: serviceName, Op: "token", Message: "token request failed", Err: err}
}

// FindAccountsByName returns the accounts the server reports for name. The
// server may match loosely; callers that need exact matches must filter.
func (c *Client) FindAccountsByName(ctx context.Context, name string) ([]Account, error) {
	return apiclient.Paginate(ctx, func(ctx context.Context, cursor string) (apiclient.Page[Account], error) {
		query := url.Values{}
		query.Set("name", name)
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp AccountsResponse
		err := c.api.Request(ctx, apiclient.Op{
			Name:   "find_accounts",
			Method: http.MethodGet,
			Path:   "/api/v1/accounts",
			Query:  query,
		}, &resp)
		if err != nil {
			return apiclient.Page[Account]{}, err
		}
		return apiclient.Page[Account]{Items: resp.Accounts, NextCursor: resp.NextCursor}, nil
	})
}

// CreateInvoice creates an invoice or bill.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	var resp InvoiceResponse
	err := c.api.Request(ctx, apiclient.Op{
		Name:   "create_invoice",
		Method: http.MethodPost,
		Path:   "/api/v1/invoices",
		Body:   req,
	}, &resp)
	if err != nil {
		return Invoice{}, err
	}
	if resp.Invoice.ID == "" {
		return Invoice{}, &apiclient.Error{Kind: apiclient.KindContract, Service: serviceName, Op: "create_invoice", Message: "response carries no invoice id"}
	}
	return resp.Invoice, nil
}

// FindInvoiceByReference returns the document created for reference, or nil
// if there is none.
func (c *Client) FindInvoiceByReference(ctx context.Context, reference string) (*Invoice, error) {
	query := url.Values{}
	query.Set("reference", reference)

	var resp InvoicesResponse
	err := c.api.Request(ctx, apiclient.Op{
		Name:   "find_invoice",
		Method: http.MethodGet,
		Path:   "/api/v1/invoices",
		Query:  query,
	}, &resp)
	if err != nil {
		return nil, err
	}

	for _, inv := range resp.Invoices {
		if inv.Reference == reference {
			found := inv
			return &found, nil
		}
	}
	return nil, nil
}
