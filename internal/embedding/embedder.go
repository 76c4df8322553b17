// Package embedding turns keyword texts into fixed-size vectors.
//
// Every backend returns one vector per input text, in input order, and is
// deterministic for a fixed ModelVersion. Backends never substitute zero
// vectors for failed texts; a failure fails the whole call with ErrUnavailable.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for texts a backend must never see.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable is returned when the backend cannot produce vectors.
	ErrUnavailable = errors.New("embedding service unavailable")
	// ErrRejected is wrapped together with ErrUnavailable when the backend
	// refuses the request outright (bad credentials, unknown model).
	// Retrying the same call will not help.
	ErrRejected = errors.New("request rejected")
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed returns one vector per text, in the same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size, or 0 if not known yet.
	Dimensions() int

	// ModelVersion identifies the model. Vectors from different versions
	// are not comparable.
	ModelVersion() string
}

// checkTexts rejects empty strings before they reach a backend.
func checkTexts(texts []string) error {
	for i, t := range texts {
		if t == "" {
			return fmt.Errorf("%w: text %d is empty", ErrInvalidInput, i)
		}
	}
	return nil
}

// unavailable wraps a backend failure.
// IsPermanent reports whether err is a backend failure that retrying the
// same call cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrInvalidInput)
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
