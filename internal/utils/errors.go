package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category classifies a backend failure so callers can decide retry
// behaviour without matching on error text.
type Category string

const (
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryAuth        Category = "auth"
	CategoryQuery       Category = "query"
	CategoryCircuitOpen Category = "circuit_open"
	CategoryUnknown     Category = "unknown"
)

// Retryable reports whether failures of this category are worth retrying.
// Auth and query failures are deterministic; circuit-open is handled by the gate.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryUnknown:
		return true
	default:
		return false
	}
}

// QueryError wraps an operation name, failure category, and underlying error.
type QueryError struct {
	Op       string
	Category Category
	Err      error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError constructs a QueryError with an explicit category.
func NewQueryError(op string, category Category, err error) error {
	return &QueryError{Op: op, Category: category, Err: err}
}

// CategoryOf extracts the tagged category from err, falling back to Categorize.
func CategoryOf(err error) Category {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Category
	}
	return Categorize(err)
}

// Categorize infers a category for errors produced outside this codebase.
// Backend-specific categorization (HTTP status codes etc.) happens at the
// call site that detects the failure.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return CategoryUnknown
}
