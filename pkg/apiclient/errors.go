package apiclient

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed call.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindServer         Kind = "server_error"
	KindNotFound       Kind = "not_found"
	KindClient         Kind = "client_error"
	KindUnavailable    Kind = "unavailable"
	KindContract       Kind = "contract_violation"
)

// Sentinel errors matched by *Error through errors.Is.
var (
	ErrAuthentication = errors.New("authentication failure")
	ErrRateLimited    = errors.New("rate limited")
	ErrTimeout        = errors.New("timeout")
	ErrServer         = errors.New("server error")
	ErrNotFound       = errors.New("not found")
	ErrClient         = errors.New("client error")
	ErrUnavailable    = errors.New("service unavailable")
	ErrContract       = errors.New("response contract violation")
)

var sentinels = map[Kind]error{
	KindAuthentication: ErrAuthentication,
	KindRateLimited:    ErrRateLimited,
	KindTimeout:        ErrTimeout,
	KindServer:         ErrServer,
	KindNotFound:       ErrNotFound,
	KindClient:         ErrClient,
	KindUnavailable:    ErrUnavailable,
	KindContract:       ErrContract,
}

// Error is the typed error returned by every client call.
type Error struct {
	Kind       Kind
	Service    string
	Op         string
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Service, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// Transient reports whether the failure class is retried inside the client.
func (k Kind) Transient() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindServer, KindUnavailable:
		return true
	}
	return false
}

// IsFatal reports whether err must abort a whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrContract)
}

// IsPermanent reports whether err will not go away by retrying the same
// request later.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrClient) || errors.Is(err, ErrNotFound)
}

// KindOf returns the Kind carried by err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
