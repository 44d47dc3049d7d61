package errors

import (
	"errors"
	"strings"
)

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to a target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// HasCode checks if an error is an IssuerError with specific code
func HasCode(err error, code ErrorCode) bool {
	var issuerErr *IssuerError
	if errors.As(err, &issuerErr) {
		return issuerErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first IssuerError in the chain, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var issuerErr *IssuerError
	if errors.As(err, &issuerErr) {
		return issuerErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var issuerErr *IssuerError
	if errors.As(err, &issuerErr) {
		return issuerErr.IsRetryable()
	}

	// Check for common retryable error patterns
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}

	var issuerErr *IssuerError
	if errors.As(err, &issuerErr) {
		return issuerErr.Severity
	}
	return SeverityHigh
}
