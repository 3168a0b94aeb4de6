package kis

import (
	"errors"
	"fmt"
)

// Business codes the request primitive treats as transient. Everything else
// with a non-zero rt_cd is a deterministic rejection and is never retried.
const (
	// msgCodeExpiredToken forces one token refresh followed by a single retry.
	msgCodeExpiredToken = "EGW00123"
	// msgCodeThroughput is the gateway throughput-exceeded rejection.
	msgCodeThroughput = "EGW00201"
	// msgCodeAccountCheck is the transient "invalid account check" rejection
	// the venue emits during its own nightly housekeeping.
	msgCodeAccountCheck = "APBK0013"
)

// AuthError is a token issuance or signing failure. No broker call may
// proceed while one of these is outstanding.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("kis auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-zero business response from the KIS gateway. It carries
// the machine code so callers can distinguish deterministic rejections from
// the narrow transient set.
type APIError struct {
	Status int
	RtCd   string
	MsgCd  string
	Msg    string
	Path   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kis api %s: %s (rt_cd=%s msg_cd=%s status=%d)", e.Path, e.Msg, e.RtCd, e.MsgCd, e.Status)
}

// Retryable reports whether the business code is on the transient allow-list.
func (e *APIError) Retryable() bool {
	switch e.MsgCd {
	case msgCodeThroughput, msgCodeAccountCheck:
		return true
	}
	return false
}

// ExpiredToken reports whether the gateway rejected the bearer token.
func (e *APIError) ExpiredToken() bool {
	return e.MsgCd == msgCodeExpiredToken
}

// OrderError wraps a failure during order placement or cancellation. It is
// always surfaced to the caller, never swallowed.
type OrderError struct {
	Ticker string
	Side   string
	Err    error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s %s: %v", e.Side, e.Ticker, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// ErrNoReferencePrice is returned when a market order cannot be rewritten
// into a limit order because no live quote is available. The call fails
// closed.
var ErrNoReferencePrice = errors.New("no reference price available for market order rewrite")

// IsAPIError extracts an *APIError from an error chain.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsAuthError reports whether the error chain contains an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
