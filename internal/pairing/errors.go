package pairing

import "errors"

var (
	// ErrCodeNotFoundOrExpired indicates the code is absent, expired, or
	// already claimed. The three cases are deliberately indistinguishable
	// to the caller.
	ErrCodeNotFoundOrExpired = errors.New("pairing: code not found or expired")

	// ErrClaimFailed indicates the claim was rejected, typically a token
	// mismatch on a token-protected code.
	ErrClaimFailed = errors.New("pairing: claim failed")

	// ErrInvalidCode indicates a code that is not six digits.
	ErrInvalidCode = errors.New("pairing: invalid code format")

	// ErrInvalidTTL indicates a non-positive pairing lifetime.
	ErrInvalidTTL = errors.New("pairing: invalid ttl")
)
