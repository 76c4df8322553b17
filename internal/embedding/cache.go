package embedding

import (
	"context"
	"encoding/hex"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

// Cache stores vectors by content key. Implementations: RedisCache and the
// database-backed cache in internal/db/gorm.
type Cache interface {
	// GetMany returns the cached vectors for the keys it has.
	GetMany(ctx context.Context, keys []string) (map[string][]float32, error)
	// PutMany stores vectors by key.
	PutMany(ctx context.Context, entries map[string][]float32) error
}

// CacheKey derives the content key for text under a model version.
func CacheKey(modelVersion, text string) string {
	sum := blake2b.Sum256([]byte(modelVersion + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// CachedEmbedder serves repeated texts from a Cache and embeds only misses.
// Cache failures degrade to calling the inner embedder.
type CachedEmbedder struct {
	inner  Embedder
	cache  Cache
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewCachedEmbedder wraps inner with cache.
func NewCachedEmbedder(inner Embedder, cache Cache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

// Dimensions implements Embedder.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelVersion implements Embedder.
func (c *CachedEmbedder) ModelVersion() string { return c.inner.ModelVersion() }

// Stats returns the cache counters.
func (c *CachedEmbedder) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errors.Load()}
}

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	version := c.inner.ModelVersion()
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = CacheKey(version, t)
	}

	cached, err := c.cache.GetMany(ctx, keys)
	if err != nil {
		c.errors.Add(1)
		log.Warn().Err(err).Msg("Embedding cache lookup failed")
		cached = nil
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, k := range keys {
		if v, ok := cached[k]; ok && len(v) > 0 {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, texts[i])
		missIdx = append(missIdx, i)
	}
	c.hits.Add(int64(len(texts) - len(missTexts)))
	c.misses.Add(int64(len(missTexts)))

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	entries := make(map[string][]float32, len(vecs))
	for j, v := range vecs {
		out[missIdx[j]] = v
		entries[keys[missIdx[j]]] = v
	}
	if err := c.cache.PutMany(ctx, entries); err != nil {
		c.errors.Add(1)
		log.Warn().Err(err).Int("entries", len(entries)).Msg("Embedding cache store failed")
	}
	return out, nil
}
