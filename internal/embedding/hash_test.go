package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/kwgroup/pkg/similarity"
)

func TestNewHashEmbedder_InvalidDims(t *testing.T) {
	_, err := NewHashEmbedder(0)
	assert.Error(t, err)
}

func TestHashEmbedder_Embed(t *testing.T) {
	e, err := NewHashEmbedder(256)
	require.NoError(t, err)

	texts := []string{"seo tips", "seo strategy", "baking bread", "sourdough recipe"}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for _, v := range vecs {
		assert.Len(t, v, 256)
		assert.False(t, similarity.IsZero(v))
		assert.InDelta(t, 1.0, similarity.CosineSimilarity(v, v), 1e-5)
	}

	again, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, vecs, again, "embedding must be deterministic")

	// Shared words pull vectors together.
	assert.Greater(t,
		similarity.CosineSimilarity(vecs[0], vecs[1]),
		similarity.CosineSimilarity(vecs[0], vecs[2]))
}

func TestHashEmbedder_RejectsEmptyText(t *testing.T) {
	e, err := NewHashEmbedder(64)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"seo", ""})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHashEmbedder_Metadata(t *testing.T) {
	e, err := NewHashEmbedder(384)
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimensions())
	assert.Equal(t, "hash-xxh64-v1-d384", e.ModelVersion())
}

func TestHashEmbedder_CancelledContext(t *testing.T) {
	e, err := NewHashEmbedder(64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Embed(ctx, []string{"seo"})
	assert.ErrorIs(t, err, context.Canceled)
}
