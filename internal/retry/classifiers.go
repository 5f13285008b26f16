package retry

import (
	"strings"
)

// ClassifyJob classifies a job failure for the worker loop.
// Auth markers take precedence and are never retried; everything else
// is treated as retryable until the attempt budget runs out.
func ClassifyJob(err error) ErrorType {
	if err == nil {
		return Permanent // No error, shouldn't happen but be safe
	}

	errStr := strings.ToLower(err.Error())

	// Authentication failures are permanent - retrying cannot help
	// until the token is replaced
	if strings.Contains(errStr, "oauth") ||
		strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "invalid grant") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "bad credentials") ||
		strings.Contains(errStr, "401") {
		return Auth
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") {
		return RateLimited
	}

	// Everything that is not an auth failure is transient until
	// MAX_ATTEMPTS is exhausted
	return Retryable
}

// ClassifyHost classifies errors from the repo host API
func ClassifyHost(err error) ErrorType {
	if err == nil {
		return Permanent
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "bad credentials") ||
		strings.Contains(errStr, "unauthorized") {
		return Auth
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") {
		return RateLimited
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return Retryable
	}

	return Permanent
}

// recoverablePatterns are last_error fragments the supervisor treats as
// environmental: the job failed for reasons that a fresh attempt with a
// reset budget can fix
var recoverablePatterns = []string{
	"connection reset",
	"econnreset",
	"network",
	"etimedout",
	"install failed",
	"npm install",
	"dependency install",
	"oauth token not available",
}

// IsRecoverable reports whether a job's last_error matches a pattern
// the supervisor health sweep may requeue with a fresh attempt budget
func IsRecoverable(lastError string) bool {
	errStr := strings.ToLower(lastError)
	for _, p := range recoverablePatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
