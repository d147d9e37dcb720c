package smartmeter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// AuthReason classifies where in the login handshake things went wrong.
type AuthReason int

const (
	ReasonLoginPageUnreachable AuthReason = iota + 1
	ReasonMalformedLoginPage
	ReasonInvalidCredentials
	ReasonTokenExchangeFailed
	ReasonAPIKeyNotFound
	ReasonAPIKeyFetchFailed
)

func (r AuthReason) String() string {
	switch r {
	case ReasonLoginPageUnreachable:
		return "login page unreachable"
	case ReasonMalformedLoginPage:
		return "malformed login page"
	case ReasonInvalidCredentials:
		return "invalid credentials"
	case ReasonTokenExchangeFailed:
		return "token exchange failed"
	case ReasonAPIKeyNotFound:
		return "gateway API key not found"
	case ReasonAPIKeyFetchFailed:
		return "gateway API key fetch failed"
	}
	return fmt.Sprintf("auth error %d", int(r))
}

// AuthError is returned for any failure during the login handshake.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// DataReason classifies failures while talking to the data gateway.
type DataReason int

const (
	ReasonNoReadingAvailable DataReason = iota + 1
	ReasonMalformedResponse
	ReasonTimeout
)

func (r DataReason) String() string {
	switch r {
	case ReasonNoReadingAvailable:
		return "no meter reading available"
	case ReasonMalformedResponse:
		return "malformed gateway response"
	case ReasonTimeout:
		return "request timed out"
	}
	return fmt.Sprintf("data error %d", int(r))
}

// DataError is returned for any failure during a gateway data call.
type DataError struct {
	Reason DataReason
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason.String()
}

func (e *DataError) Unwrap() error { return e.Err }

// IsInvalidCredentials reports whether err means the provider rejected the
// username/password, as opposed to a transport problem. The setup flow shows
// an "invalid credentials" message only for the former.
func IsInvalidCredentials(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Reason == ReasonInvalidCredentials
}

// wrapTransport maps transport-level failures onto the error taxonomy.
// Timeouts are surfaced distinctly so the caller can tell a slow provider
// from a down one; everything else passes through wrapped in fallback.
func wrapTransport(err error, fallback func(error) error) error {
	if isTimeout(err) {
		return &DataError{Reason: ReasonTimeout, Err: err}
	}
	return fallback(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
