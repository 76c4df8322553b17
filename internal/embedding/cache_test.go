package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu      sync.Mutex
	data    map[string][]float32
	failGet bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]float32)}
}

func (m *memoryCache) GetMany(_ context.Context, keys []string) (map[string][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("cache down")
	}
	out := make(map[string][]float32)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryCache) PutMany(_ context.Context, entries map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.data[k] = v
	}
	return nil
}

type countingEmbedder struct {
	inner Embedder
	calls [][]string
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, append([]string(nil), texts...))
	return c.inner.Embed(ctx, texts)
}
func (c *countingEmbedder) Dimensions() int      { return c.inner.Dimensions() }
func (c *countingEmbedder) ModelVersion() string { return c.inner.ModelVersion() }

func TestCacheKey(t *testing.T) {
	a := CacheKey("v1", "seo")
	assert.Len(t, a, 64)
	assert.Equal(t, a, CacheKey("v1", "seo"))
	assert.NotEqual(t, a, CacheKey("v2", "seo"))
	assert.NotEqual(t, a, CacheKey("v1", "seo "))
}

func TestCachedEmbedder(t *testing.T) {
	hash, err := NewHashEmbedder(32)
	require.NoError(t, err)
	inner := &countingEmbedder{inner: hash}
	cache := newMemoryCache()
	e := NewCachedEmbedder(inner, cache)

	first, err := e.Embed(context.Background(), []string{"seo", "bread"})
	require.NoError(t, err)
	require.Len(t, inner.calls, 1)

	second, err := e.Embed(context.Background(), []string{"bread", "cake", "seo"})
	require.NoError(t, err)
	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"cake"}, inner.calls[1])

	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
	assert.Equal(t, hash.ModelVersion(), e.ModelVersion())
	assert.Equal(t, 32, e.Dimensions())
}

func TestCachedEmbedder_CacheFailureFallsThrough(t *testing.T) {
	hash, err := NewHashEmbedder(16)
	require.NoError(t, err)
	cache := newMemoryCache()
	cache.failGet = true
	e := NewCachedEmbedder(hash, cache)

	vecs, err := e.Embed(context.Background(), []string{"seo"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, int64(1), e.Stats().Errors)
}

func TestCachedEmbedder_RejectsEmptyText(t *testing.T) {
	hash, err := NewHashEmbedder(16)
	require.NoError(t, err)
	e := NewCachedEmbedder(hash, newMemoryCache())

	_, err = e.Embed(context.Background(), []string{""})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
