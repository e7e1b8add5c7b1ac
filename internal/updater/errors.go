package updater

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why an update attempt failed.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindTransient
	KindAuthentication
	KindHTTP
	KindParse
	KindSchema
	KindValidation
	KindConfigWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindAuthentication:
		return "authentication"
	case KindHTTP:
		return "http"
	case KindParse:
		return "parse"
	case KindSchema:
		return "schema"
	case KindValidation:
		return "validation"
	case KindConfigWrite:
		return "config_write"
	}
	return "unknown"
}

// Retryable reports whether an attempt failing with k may be retried.
// Authentication failures stay retryable; credentials are not refreshed
// between attempts.
func (k Kind) Retryable() bool {
	switch k {
	case KindConfiguration, KindConfigWrite:
		return false
	}
	return true
}

// Error is the typed failure of one step of a run.
type Error struct {
	Kind       Kind
	StatusCode int // HTTP status for authentication and HTTP kinds
	Err        error

	// extra log context, never part of the message
	detail map[string]any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Kind.String() + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// TaskFailure is returned when every allowed attempt failed.
type TaskFailure struct {
	Attempts int
	Last     error
}

func (f *TaskFailure) Error() string {
	return fmt.Sprintf("all %d attempts failed, last error: %v", f.Attempts, f.Last)
}

func (f *TaskFailure) Unwrap() error { return f.Last }

// reason is the metrics label for a failed attempt.
func reason(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "other"
	}
	switch e.Kind {
	case KindTransient:
		return classifyNetwork(e.Err)
	case KindHTTP:
		if e.StatusCode >= 500 {
			return "http_5xx"
		}
		if e.StatusCode == 429 {
			return "http_429"
		}
		return "http_4xx"
	}
	return e.Kind.String()
}

func classifyNetwork(err error) string {
	if err == nil {
		return "network"
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}
