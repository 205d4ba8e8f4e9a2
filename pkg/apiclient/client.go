// Package apiclient provides the transport shared by the ledger, store and
// accounting clients: credential caching with one transparent
// re-authentication, bounded retries with backoff, Retry-After handling,
// optional token-bucket rate limiting, a circuit breaker and cursor
// pagination.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	expiryBuffer   = 30 * time.Second
	maxBodyBytes   = 8 << 20
)

// Credential is what an Authenticator hands back.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credential can still be used at now.
func (c Credential) Valid(now time.Time) bool {
	if c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt.Add(-expiryBuffer))
}

// Authenticator obtains a fresh credential.
type Authenticator interface {
	Authenticate(ctx context.Context) (Credential, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (Credential, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// Op describes one API operation.
type Op struct {
	Name   string
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Config holds the mandatory client settings.
type Config struct {
	Service string
	BaseURL string
	Timeout time.Duration
	// Auth is nil for unauthenticated endpoints such as a login call.
	Auth Authenticator
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit limits the client to perMinute HTTP calls per minute.
// Callers block until a token is available.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute > 0 {
			c.limiter = NewMinuteLimiter(perMinute)
		}
	}
}

// WithLimiter shares an existing limiter, so several clients talking to the
// same quota draw from one bucket.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithCircuitBreaker trips after consecutive transient failures and stays
// open for openTimeout.
func WithCircuitBreaker(consecutiveFailures uint32, openTimeout time.Duration) Option {
	return func(c *Client) {
		if consecutiveFailures == 0 {
			return
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    c.service,
			Timeout: openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= consecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !KindOf(err).Transient()
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state changed", "service", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithSleeper replaces the wait used between retries.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithResponseValidator checks every successful response body before it is
// decoded. A returned error is reported as a contract violation.
func WithResponseValidator(v func(op Op, body []byte) error) Option {
	return func(c *Client) { c.validate = v }
}

// Client is the shared HTTP transport.
type Client struct {
	service    string
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
	headers    http.Header
	retry      RetryPolicy
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	validate   func(op Op, body []byte) error
	now        func() time.Time

	mu   sync.Mutex
	cred Credential
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		service:    cfg.Service,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       cfg.Auth,
		headers:    make(http.Header),
		retry:      DefaultRetryPolicy(),
		logger:     slog.Default(),
		sleep:      SleepWithContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewMinuteLimiter returns a token bucket refilling perMinute tokens per
// minute with a burst of one, so no rolling 60s window admits more than
// perMinute calls.
func NewMinuteLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Service returns the service name used in errors and logs.
func (c *Client) Service() string {
	return c.service
}

// Authenticate forces a fresh credential and caches it.
func (c *Client) Authenticate(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) (Credential, error) {
	if c.auth == nil {
		return Credential{}, nil
	}

	cred, err := c.auth.Authenticate(ctx)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) || ctx.Err() != nil {
			return Credential{}, err
		}
		return Credential{}, &Error{Kind: KindAuthentication, Service: c.service, Op: "authenticate", Err: err}
	}
	if cred.Token == "" {
		return Credential{}, &Error{Kind: KindAuthentication, Service: c.service, Op: "authenticate", Message: "empty token"}
	}

	c.cred = cred
	return cred, nil
}

func (c *Client) credential(ctx context.Context) (Credential, error) {
	if c.auth == nil {
		return Credential{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred.Valid(c.now()) {
		return c.cred, nil
	}
	return c.authenticateLocked(ctx)
}

// invalidate drops the cached credential unless another caller already
// replaced it.
func (c *Client) invalidate(stale Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred.Token == stale.Token {
		c.cred = Credential{}
	}
}

// Request performs op and decodes a JSON response into out (when non-nil).
func (c *Client) Request(ctx context.Context, op Op, out any) error {
	var body []byte
	if op.Body != nil {
		data, err := json.Marshal(op.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op.Name, err)
		}
		body = data
	}

	reauthenticated := false
	honoredRetryAfter := false
	attempt := 0

	for {
		cred, err := c.credential(ctx)
		if err != nil {
			return err
		}

		data, err := c.attempt(ctx, op, body, cred)
		if err == nil {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return &Error{Kind: KindContract, Service: c.service, Op: op.Name, Message: "undecodable response", Err: err}
			}
			return nil
		}

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			return err
		}

		switch {
		case apiErr.Kind == KindAuthentication && apiErr.Status == http.StatusUnauthorized && c.auth != nil && !reauthenticated:
			reauthenticated = true
			c.logger.Info("credential rejected, re-authenticating", "service", c.service, "op", op.Name)
			c.invalidate(cred)

		case apiErr.Kind == KindRateLimited && apiErr.RetryAfter > 0:
			if honoredRetryAfter {
				return apiErr
			}
			honoredRetryAfter = true
			c.logger.Warn("rate limited, honoring Retry-After", "service", c.service, "op", op.Name, "retry_after", apiErr.RetryAfter)
			if err := c.sleep(ctx, apiErr.RetryAfter); err != nil {
				return err
			}

		case apiErr.Kind.Transient() && apiErr.Kind != KindUnavailable:
			if attempt >= c.retry.MaxRetries {
				return apiErr
			}
			delay := c.retry.Delay(attempt)
			attempt++
			c.logger.Warn("transient failure, retrying", "service", c.service, "op", op.Name, "attempt", attempt, "delay", delay, "error", apiErr)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}

		default:
			return apiErr
		}
	}
}

func (c *Client) attempt(ctx context.Context, op Op, body []byte, cred Credential) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if c.breaker == nil {
		return c.send(ctx, op, body, cred)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, op, body, cred)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: KindUnavailable, Service: c.service, Op: op.Name, Message: "circuit breaker open", Err: err}
	}
	if err != nil {
		return nil, err
	}
	data, _ := out.([]byte)
	return data, nil
}

func (c *Client) send(ctx context.Context, op Op, body []byte, cred Credential) ([]byte, error) {
	endpoint := c.baseURL + op.Path
	if len(op.Query) > 0 {
		endpoint += "?" + op.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	c.logger.Debug("api request", "service", c.service, "op", op.Name, "method", op.Method, "path", op.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &Error{Kind: KindTimeout, Service: c.service, Op: op.Name, Err: err}
		}
		return nil, &Error{Kind: KindServer, Service: c.service, Op: op.Name, Message: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindServer, Service: c.service, Op: op.Name, Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if c.validate != nil && len(data) > 0 {
			if err := c.validate(op, data); err != nil {
				return nil, &Error{Kind: KindContract, Service: c.service, Op: op.Name, Status: resp.StatusCode, Err: err}
			}
		}
		return data, nil
	}

	return nil, c.classify(op, resp, data)
}

// classify maps a non-2xx response onto the error taxonomy.
func (c *Client) classify(op Op, resp *http.Response, body []byte) error {
	apiErr := &Error{
		Service: c.service,
		Op:      op.Name,
		Status:  resp.StatusCode,
		Message: errorMessage(body),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.Kind = KindAuthentication
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Kind = KindNotFound
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		apiErr.Kind = KindTimeout
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	case resp.StatusCode >= 500:
		apiErr.Kind = KindServer
	default:
		apiErr.Kind = KindClient
	}
	return apiErr
}

// errorMessage extracts a human readable message from a JSON error body.
func errorMessage(body []byte) string {
	var errResp struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return msg
	}

	switch {
	case errResp.ErrorDescription != "":
		return fmt.Sprintf("%s - %s", errResp.Error, errResp.ErrorDescription)
	case errResp.Message != "":
		return errResp.Message
	}
	return errResp.Error
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
