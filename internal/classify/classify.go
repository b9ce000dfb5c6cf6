// Package classify maps raw scrape errors and HTTP statuses onto a
// retry decision, as a small ordered table of rules rather than an
// inheritance hierarchy of error types — new error families are
// additions to the table, not new branches scattered through callers.
package classify

import (
	"strconv"
	"strings"
)

// Result is the outcome of classifying a failure.
type Result struct {
	Retryable       bool
	Temporary       bool
	Reason          string
	SyntheticStatus int // 0 means "no synthetic status, use the real one"
}

// HTTPStatus classifies a completed HTTP response by status code.
func HTTPStatus(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{Retryable: false, Temporary: false, Reason: "success"}
	case status == 408 || status == 429:
		return Result{Retryable: true, Temporary: true, Reason: httpReason(status)}
	case status >= 400 && status < 500:
		return Result{Retryable: false, Temporary: false, Reason: httpReason(status)}
	case status >= 500 && status < 600:
		return Result{Retryable: true, Temporary: true, Reason: httpReason(status)}
	default:
		return Result{Retryable: true, Temporary: true, Reason: httpReason(status)}
	}
}

func httpReason(status int) string {
	switch status {
	case 400:
		return "HTTP 400: Bad Request"
	case 401:
		return "HTTP 401: Unauthorized"
	case 403:
		return "HTTP 403: Forbidden"
	case 404:
		return "HTTP 404: Not Found"
	case 408:
		return "HTTP 408: Request Timeout"
	case 429:
		return "HTTP 429: Too Many Requests"
	case 500:
		return "Server error 500: Internal Server Error"
	case 502:
		return "Server error 502: Bad Gateway"
	case 503:
		return "Server error 503: Service Unavailable"
	case 504:
		return "Server error 504: Gateway Timeout"
	default:
		if status >= 500 {
			return "Server error " + strconv.Itoa(status)
		}
		return "HTTP " + strconv.Itoa(status)
	}
}

// rawErrorRule matches a substring found in a raw browser/network
// error message and maps it to a classification.
type rawErrorRule struct {
	substr          string
	retryable       bool
	temporary       bool
	reason          string
	syntheticStatus int
}

// rawErrorTable is evaluated in order; the first matching substring wins.
var rawErrorTable = []rawErrorRule{
	{"ERR_CONNECTION_REFUSED", true, true, "Connection refused", 503},
	{"ERR_CONNECTION_TIMED_OUT", true, true, "Connection timed out", 408},
	{"ERR_TIMED_OUT", true, true, "Timed out", 408},
	{"ERR_NAME_NOT_RESOLVED", false, false, "DNS resolution failed", 404},
	{"ERR_CERT_", false, false, "Certificate error", 502},
	{"ERR_NETWORK_CHANGED", true, true, "Network changed", 503},
	{"ERR_INTERNET_DISCONNECTED", true, true, "Internet disconnected", 503},
}

// posixCodes maps POSIX-style error codes, as surfaced by Go's net
// package, to classifications.
var posixCodes = map[string]Result{
	"ENOTFOUND":    {Retryable: false, Temporary: false, Reason: "Host not found"},
	"ECONNREFUSED": {Retryable: true, Temporary: true, Reason: "Connection refused"},
	"ECONNRESET":   {Retryable: true, Temporary: true, Reason: "Connection reset"},
	"ETIMEDOUT":    {Retryable: true, Temporary: true, Reason: "Timed out"},
}

// RawError classifies a raw error message with an optional POSIX-style
// error code (as would be attached to a net.OpError).
func RawError(message, code string) Result {
	if code != "" {
		if r, ok := posixCodes[code]; ok {
			return r
		}
	}

	for _, rule := range rawErrorTable {
		if strings.Contains(message, rule.substr) {
			return Result{
				Retryable:       rule.retryable,
				Temporary:       rule.temporary,
				Reason:          rule.reason,
				SyntheticStatus: rule.syntheticStatus,
			}
		}
	}

	if strings.Contains(message, "ERR_") {
		return Result{Retryable: true, Temporary: true, Reason: "Chrome network error", SyntheticStatus: 503}
	}

	if isTimeoutNamed(message) {
		return Result{Retryable: true, Temporary: true, Reason: "Timed out", SyntheticStatus: 408}
	}

	// Unknown errors default to retryable; the retry cap bounds the cost
	// of being optimistic here.
	return Result{Retryable: true, Temporary: true, Reason: message}
}

func isTimeoutNamed(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}
