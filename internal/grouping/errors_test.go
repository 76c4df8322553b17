package grouping

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/kwgroup/internal/embedding"
	"github.com/thebtf/kwgroup/internal/keywords"
)

func TestInputError(t *testing.T) {
	err := NewInputError(2, "x", "too long", keywords.ErrKeywordTooLong)

	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, keywords.ErrKeywordTooLong)
	assert.Contains(t, err.Error(), "item 2")
	assert.Contains(t, err.Error(), `"x"`)

	var ie *InputError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &ie))
	assert.Equal(t, 2, ie.Index)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "unavailable", err: fmt.Errorf("%w: down", ErrEmbeddingUnavailable), want: true},
		{name: "rejected", err: fmt.Errorf("%w: %w: status 401", ErrEmbeddingUnavailable, embedding.ErrRejected), want: false},
		{name: "timeout", err: ErrGroupingTimeout, want: false},
		{name: "empty", err: ErrEmptyKeywordSet, want: false},
		{name: "invalid", err: NewInputError(0, "", "", nil), want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "none", Kind(nil))
	assert.Equal(t, "timeout", Kind(fmt.Errorf("%w after 1s", ErrGroupingTimeout)))
	assert.Equal(t, "empty", Kind(ErrEmptyKeywordSet))
	assert.Equal(t, "invalid_input", Kind(NewInputError(0, "", "", nil)))
	assert.Equal(t, "embedding_unavailable", Kind(ErrEmbeddingUnavailable))
	assert.Equal(t, "internal", Kind(context.Canceled))
}
