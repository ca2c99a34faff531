// Package errors classifies failures raised by the score agent so callers can
// decide whether to retry, skip an account, or surface an HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/score-agent/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryDatabase   ErrorCategory = "database"
	CategoryCache      ErrorCategory = "cache"
	CategoryChain      ErrorCategory = "chain"
	CategoryScoring    ErrorCategory = "scoring"
	CategoryConfig     ErrorCategory = "config"
	CategorySystem     ErrorCategory = "system"
)

// categoryTraits holds the defaults a category gives its errors
type categoryTraits struct {
	status    int
	retryable bool
}

var categories = map[ErrorCategory]categoryTraits{
	CategoryValidation: {status: http.StatusBadRequest},
	CategoryNotFound:   {status: http.StatusNotFound},
	CategoryRateLimit:  {status: http.StatusTooManyRequests},
	CategoryDatabase:   {status: http.StatusInternalServerError, retryable: true},
	CategoryCache:      {status: http.StatusInternalServerError, retryable: true},
	CategoryChain:      {status: http.StatusBadGateway, retryable: true},
	CategoryScoring:    {status: http.StatusInternalServerError},
	CategoryConfig:     {status: http.StatusInternalServerError},
	CategorySystem:     {status: http.StatusInternalServerError},
}

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

func newError(category ErrorCategory, code, message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   category,
		StatusCode: categories[category].status,
		Code:       code,
		Message:    message,
		Cause:      cause,
	}
}

// With adds one detail and returns e
func (e *CategorizedError) With(key string, value interface{}) *CategorizedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire error shape
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidAddressError rejects a malformed account address
func NewInvalidAddressError(address string) *CategorizedError {
	return newError(CategoryValidation, "INVALID_ADDRESS", fmt.Sprintf("invalid address format: %s", address), nil).
		With("address", address)
}

func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return newError(CategoryValidation, "INVALID_PARAMETER", fmt.Sprintf("invalid parameter '%s': %s", param, reason), nil).
		With("parameter", param).
		With("reason", reason)
}

func NewNotFoundError(resource string, id string) *CategorizedError {
	return newError(CategoryNotFound, "NOT_FOUND", fmt.Sprintf("%s not found: %s", resource, id), nil).
		With("resource", resource).
		With("id", id)
}

// NewRateLimitError tells an API client to come back after retryAfter seconds
func NewRateLimitError(retryAfter int) *CategorizedError {
	return newError(CategoryRateLimit, "RATE_LIMIT_EXCEEDED", "rate limit exceeded", nil).
		With("retryAfter", retryAfter)
}

func NewInternalError(message string, cause error) *CategorizedError {
	return newError(CategorySystem, "INTERNAL_ERROR", message, cause)
}

// NewDatabaseError wraps a failed indexer-database operation
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return newError(CategoryDatabase, "DATABASE_ERROR", fmt.Sprintf("database error during %s", operation), cause).
		With("operation", operation)
}

// NewCacheError wraps a failed Redis operation (cycle lock, breakdown cache)
func NewCacheError(operation string, cause error) *CategorizedError {
	return newError(CategoryCache, "CACHE_ERROR", fmt.Sprintf("cache error during %s", operation), cause).
		With("operation", operation)
}

// NewChainWriteError wraps a node failure while writing to the registry. It is retryable;
// transactions the registry rejects must not use it.
func NewChainWriteError(operation string, cause error) *CategorizedError {
	return newError(CategoryChain, "CHAIN_WRITE_ERROR", fmt.Sprintf("registry write failed during %s", operation), cause).
		With("operation", operation)
}

// NewScoringError marks one account that could not be scored. The cycle skips it.
func NewScoringError(address string, cause error) *CategorizedError {
	return newError(CategoryScoring, "SCORING_ERROR", fmt.Sprintf("failed to score account %s", address), cause).
		With("address", address)
}

func NewConfigError(message string, cause error) *CategorizedError {
	return newError(CategoryConfig, "CONFIG_ERROR", message, cause)
}

// NewServiceUnavailableError reports an optional backend that is not configured or not reachable
func NewServiceUnavailableError(service string) *CategorizedError {
	err := newError(CategorySystem, "SERVICE_UNAVAILABLE", fmt.Sprintf("service unavailable: %s", service), nil).
		With("service", service)
	err.StatusCode = http.StatusServiceUnavailable
	return err
}

// serviceCodes maps wire codes back to categories
var serviceCodes = map[string]ErrorCategory{
	"INVALID_ADDRESS":        CategoryValidation,
	"INVALID_ADDRESS_FORMAT": CategoryValidation,
	"INVALID_PARAMETER":      CategoryValidation,
	"ACCOUNT_NOT_FOUND":      CategoryNotFound,
	"NOT_FOUND":              CategoryNotFound,
	"RATE_LIMIT_EXCEEDED":    CategoryRateLimit,
}

// Categorize returns the CategorizedError in err's chain, deriving one from a
// ServiceError, or an internal error for anything else
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		category, ok := serviceCodes[svcErr.Code]
		if !ok {
			category = CategorySystem
		}
		out := newError(category, svcErr.Code, svcErr.Message, nil)
		out.Details = svcErr.Details
		return out
	}

	return NewInternalError("unexpected error", err)
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == category
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether repeating the operation may succeed
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	if catErr.StatusCode == http.StatusServiceUnavailable || catErr.StatusCode == http.StatusGatewayTimeout {
		return true
	}
	return categories[catErr.Category].retryable
}

// IsUserError reports a 4xx error
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
