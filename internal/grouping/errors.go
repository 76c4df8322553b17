// Package grouping partitions keywords into semantically coherent groups:
// embed, pick a group count, run seeded k-means, assemble labelled groups.
package grouping

import (
	"errors"
	"fmt"

	"github.com/thebtf/kwgroup/internal/embedding"
)

// Sentinel errors. Every failure returned by this package matches exactly
// one of them with errors.Is.
var (
	ErrInvalidInput         = embedding.ErrInvalidInput
	ErrEmbeddingUnavailable = embedding.ErrUnavailable
	ErrEmptyKeywordSet      = errors.New("empty keyword set")
	ErrGroupingTimeout      = errors.New("grouping timed out")
)

// InputError identifies the offending keyword or vector.
type InputError struct {
	Wrapped error
	Value   string
	Reason  string
	Index   int
}

func (e *InputError) Error() string {
	msg := fmt.Sprintf("invalid input: item %d", e.Index)
	if e.Value != "" {
		msg += fmt.Sprintf(" (%q)", e.Value)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Is makes every InputError match ErrInvalidInput.
func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

func (e *InputError) Unwrap() error { return e.Wrapped }

// NewInputError creates an InputError.
func NewInputError(index int, value, reason string, wrapped error) *InputError {
	return &InputError{Index: index, Value: value, Reason: reason, Wrapped: wrapped}
}

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) && !embedding.IsPermanent(err)
}

// Kind returns a short stable name for the error class, used in logs and
// metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrGroupingTimeout):
		return "timeout"
	case errors.Is(err, ErrEmptyKeywordSet):
		return "empty"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	default:
		return "internal"
	}
}
