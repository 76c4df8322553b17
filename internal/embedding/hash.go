package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/thebtf/kwgroup/pkg/similarity"
)

// Feature weights for the hashing embedder.
const (
	wordWeight    = 1.0
	bigramWeight  = 0.7
	trigramWeight = 0.4
)

// HashEmbedder is a local, dependency-free backend using signed feature
// hashing over words, word bigrams and character trigrams. It captures
// lexical overlap only, which is enough for offline use and tests.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hashing embedder producing dims-sized vectors.
func NewHashEmbedder(dims int) (*HashEmbedder, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("hash embedder: dimensions must be positive, got %d", dims)
	}
	return &HashEmbedder{dims: dims}, nil
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// ModelVersion implements Embedder.
func (h *HashEmbedder) ModelVersion() string {
	return fmt.Sprintf("hash-xxh64-v1-d%d", h.dims)
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dims)
	words := strings.Fields(text)
	for i, w := range words {
		h.add(v, "w:"+w, wordWeight)
		if i > 0 {
			h.add(v, "b:"+words[i-1]+" "+w, bigramWeight)
		}
		padded := []rune("#" + w + "#")
		for j := 0; j+3 <= len(padded); j++ {
			h.add(v, "c:"+string(padded[j:j+3]), trigramWeight)
		}
	}
	if similarity.IsZero(v) {
		// All features cancelled out; fall back to the whole text.
		h.add(v, "t:"+text, wordWeight)
	}
	similarity.Normalize(v)
	return v
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	idx := sum % uint64(h.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}
