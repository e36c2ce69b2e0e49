package linkwatch

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence marks failures of the relational store. They abort a cycle.
	ErrPersistence = errors.New("persistence failure")
	// ErrExtraction marks malformed selectors or documents. They skip one target.
	ErrExtraction = errors.New("extraction failed")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDisallowed marks a URL that robots.txt excludes.
	ErrDisallowed = errors.New("disallowed by robots.txt")
)

// FetchError reports that a target's content could not be retrieved.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s): status %d", e.URL, kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a FetchError worth retrying next cycle.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// PersistenceError wraps err so errors.Is(err, ErrPersistence) holds.
func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// ExtractionError wraps err so errors.Is(err, ErrExtraction) holds.
func ExtractionError(err error) error {
	return fmt.Errorf("%w: %w", ErrExtraction, err)
}
