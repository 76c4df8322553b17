package gorm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/kwgroup/internal/embedding"
)

func TestEmbeddingCacheStore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	cache := NewEmbeddingCacheStore(store, "v1", time.Hour)

	k1, k2 := embedding.CacheKey("v1", "seo"), embedding.CacheKey("v1", "bread")
	require.NoError(t, cache.PutMany(ctx, map[string][]float32{k1: {1, 2}, k2: {3, 4}}))
	require.NoError(t, cache.PutMany(ctx, map[string][]float32{k1: {5, 6}}))

	got, err := cache.GetMany(ctx, []string{k1, k2, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, got[k1])
	assert.Equal(t, []float32{3, 4}, got[k2])
	assert.NotContains(t, got, "missing")

	other := NewEmbeddingCacheStore(store, "v2", 0)
	got, err = other.GetMany(ctx, []string{k1})
	require.NoError(t, err)
	assert.Empty(t, got, "entries are scoped to their model version")

	pruned, err := other.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
}

func TestEmbeddingCacheStore_Expiry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	cache := NewEmbeddingCacheStore(store, "v1", time.Millisecond)

	require.NoError(t, cache.PutMany(ctx, map[string][]float32{"k": {1}}))
	time.Sleep(5 * time.Millisecond)

	got, err := cache.GetMany(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEmbeddingCacheStore_WithCachedEmbedder(t *testing.T) {
	store := testStore(t)
	hash, err := embedding.NewHashEmbedder(16)
	require.NoError(t, err)
	cached := embedding.NewCachedEmbedder(hash, NewEmbeddingCacheStore(store, hash.ModelVersion(), 0))

	first, err := cached.Embed(context.Background(), []string{"seo tips"})
	require.NoError(t, err)
	second, err := cached.Embed(context.Background(), []string{"seo tips"})
	require.NoError(t, err)

	assert.InDeltaSlice(t, first[0], second[0], 1e-6)
	assert.Equal(t, int64(1), cached.Stats().Hits)
}
