// Package handlers defines the HTTP-layer error codes used across all API
// endpoints. Codes are lowercase snake_case; generic codes mirror common
// HTTP status semantics, domain-specific codes cover pipeline outcomes
// that status alone cannot convey.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeBadDateRange     = "bad_date_range"
	ErrCodeIngestFailed     = "ingest_failed"
	ErrCodeSubmitFailed     = "submit_failed"
	ErrCodeChartFailed      = "chart_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
