package keywords

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator(t *testing.T) {
	v, err := NewValidator(8)
	require.NoError(t, err)

	assert.NoError(t, v.Validate("seo tips"))
	assert.ErrorIs(t, v.Validate(""), ErrEmptyKeyword)
	assert.ErrorIs(t, v.Validate(strings.Repeat("sourdough ", 40)), ErrKeywordTooLong)

	n, err := v.Tokens("seo tips")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestValidator_NoLimit(t *testing.T) {
	v, err := NewValidator(0)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(strings.Repeat("bread ", 500)))
}
