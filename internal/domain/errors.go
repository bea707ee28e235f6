package domain

import "errors"

var (
	// ErrInvalidIdentifier is returned when an actor identifier is not a
	// recognised DID form.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrInvalidLike is returned when a like is missing its subject URI or
	// creation time.
	ErrInvalidLike = errors.New("invalid like")

	// ErrUnsupportedFeed is returned for feed URIs this service does not serve.
	ErrUnsupportedFeed = errors.New("unsupported feed")

	// ErrUpstreamDataMissing is returned when the social graph API omits a
	// field it is expected to return.
	ErrUpstreamDataMissing = errors.New("upstream data missing")

	// ErrAuthFailure is the parent of every token verification failure.
	ErrAuthFailure = errors.New("auth failure")

	// ErrAuthExpired, ErrAudienceMismatch and ErrSignatureInvalid wrap ErrAuthFailure.
	ErrAuthExpired      = &authError{reason: "token expired"}
	ErrAudienceMismatch = &authError{reason: "audience mismatch"}
	ErrSignatureInvalid = &authError{reason: "signature invalid"}
)

type authError struct {
	reason string
}

func (e *authError) Error() string { return "auth failure: " + e.reason }

func (e *authError) Unwrap() error { return ErrAuthFailure }
