package hottier

import (
	"errors"
	"fmt"
)

// Category classifies hot-tier failures so callers can decide between
// fallback, retry, and surfacing.
type Category string

const (
	CategoryConnectivity   Category = "connectivity"
	CategoryNotFound       Category = "not-found"
	CategoryUnsupported    Category = "command-unsupported"
	CategoryIndexExists    Category = "index-exists"
	CategoryLockContention Category = "lock-contention"
)

// Error wraps an underlying hot-tier failure with its category and the
// operation that produced it.
type Error struct {
	Category  Category
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("hottier.%s: %s", e.Operation, e.Category)
	}
	return fmt.Sprintf("hottier.%s: %s: %v", e.Operation, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(category Category, operation string, cause error) error {
	return &Error{Category: category, Operation: operation, Err: cause}
}

// HasCategory reports whether err is a hot-tier error of the given category.
func HasCategory(err error, category Category) bool {
	var hotErr *Error
	if errors.As(err, &hotErr) {
		return hotErr.Category == category
	}
	return false
}
