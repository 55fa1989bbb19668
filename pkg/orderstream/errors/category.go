// Package errors is the failure taxonomy of the orderstream pipeline.
//
// Every component reports failures with the types in this package so that
// callers decide the same way: caller errors go back to the requester,
// transient failures are retried (in process by Retry, across processes by
// queue redelivery) and poison messages end up in a dead-letter store.
package errors

import (
	"errors"
	"fmt"
)

// Category says how a failure should be handled.
type Category int

const (
	// CategoryTransient failures may succeed on a later attempt: queue
	// sends, push timeouts, store contention.
	CategoryTransient Category = iota

	// CategoryPermanent failures will not improve with retries.
	CategoryPermanent

	// CategoryInvalid marks a caller contract violation.
	CategoryInvalid

	// CategoryPoison marks a message whose retry budget is spent or that
	// can never be processed; it belongs in a dead-letter store.
	CategoryPoison
)

var categoryNames = [...]string{
	CategoryTransient: "transient",
	CategoryPermanent: "permanent",
	CategoryInvalid:   "invalid",
	CategoryPoison:    "poison",
}

// String returns the category name.
func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// CategorizedError pins a category on an error.
type CategorizedError struct {
	Err      error
	Category Category

	// Retries is the number of calls made before giving up.
	Retries int

	// Context names the operation that failed.
	Context string
}

func (e *CategorizedError) Error() string {
	msg := fmt.Sprint(e.Err)
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	return fmt.Sprintf("%s [%s, %d attempt(s)]", msg, e.Category, e.Retries)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// NewCategorized wraps err with a category.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

func as[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// classifiers map taxonomy types to categories, first match wins.
var classifiers = []struct {
	match    func(error) bool
	category Category
}{
	{func(err error) bool { return errors.Is(err, ErrInvalidOrder) || errors.Is(err, ErrMissingParameter) }, CategoryInvalid},
	{as[*TransientDeliveryFailure], CategoryTransient},
	{as[*PoisonMessage], CategoryPoison},
}

// Categorize classifies err. An explicit CategorizedError wins; unknown
// errors, nil and NotFoundError are permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	for _, c := range classifiers {
		if c.match(err) {
			return c.category
		}
	}
	return CategoryPermanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsCallerError reports whether err is the caller's fault and should be
// returned synchronously without retry.
func IsCallerError(err error) bool {
	return Categorize(err) == CategoryInvalid
}
