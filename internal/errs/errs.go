package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the poll loop must react to it
type Kind int

const (
	// KindTransientIO covers network failures on fetch or send. Retried with
	// backoff up to a fixed attempt cap.
	KindTransientIO Kind = iota + 1
	// KindDataQuality covers divergent channel pairs and missing fields.
	// Absorbed into confidence scoring, never aborts a cycle.
	KindDataQuality
	// KindConfiguration covers missing credentials or invalid settings.
	// Fatal at startup.
	KindConfiguration
	// KindPersistence covers unreadable or missing cooldown records.
	// Recovered by synthesizing a default.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindDataQuality:
		return "data_quality"
	case KindConfiguration:
		return "configuration"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying the failing operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as a retryable I/O failure
func Transient(op string, err error) error {
	return New(KindTransientIO, op, err)
}

// DataQuality marks err as a sensor data problem
func DataQuality(op string, err error) error {
	return New(KindDataQuality, op, err)
}

// Configuration marks err as a fatal startup problem
func Configuration(op string, err error) error {
	return New(KindConfiguration, op, err)
}

// Persistence marks err as a cooldown storage problem
func Persistence(op string, err error) error {
	return New(KindPersistence, op, err)
}

// Is reports whether any error in err's chain is classified as kind
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient is a retry predicate accepting only transient I/O errors
func IsTransient(err error) bool {
	return Is(err, KindTransientIO)
}
