// Package common defines shared constants and sentinel errors used across
// the server layers of smartbin. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// ErrStoreUnavailable marks failures caused by an unreachable persistent
	// store. Operations seeing it take the degraded path.
	ErrStoreUnavailable = errors.New("store unavailable")

	// Service-level errors.
	ErrorUnauthorized = errors.New("unauthorized")

	// ErrorValidation wraps malformed or missing caller input.
	ErrorValidation = errors.New("validation error")

	// Device token errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// ErrUpstreamTimeout is reported when the recognition scorer does not
	// answer within its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)
