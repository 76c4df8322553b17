package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/kwgroup/pkg/models"
)

// EmbeddingCacheStore is a database-backed embedding cache.
type EmbeddingCacheStore struct {
	db           *gorm.DB
	modelVersion string
	ttl          time.Duration
}

// NewEmbeddingCacheStore creates a cache for vectors of one model version.
// ttl <= 0 keeps entries forever.
func NewEmbeddingCacheStore(store *Store, modelVersion string, ttl time.Duration) *EmbeddingCacheStore {
	return &EmbeddingCacheStore{db: store.DB, modelVersion: modelVersion, ttl: ttl}
}

// GetMany returns unexpired vectors for the keys present.
func (s *EmbeddingCacheStore) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var rows []EmbeddingCacheEntry
	err := s.db.WithContext(ctx).
		Where("cache_key IN ? AND model_version = ?", keys, s.modelVersion).
		Where("expires_at_epoch = 0 OR expires_at_epoch > ?", time.Now().UnixMilli()).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.Key] = []float32(r.Vector)
	}
	return out, nil
}

// PutMany upserts vectors.
func (s *EmbeddingCacheStore) PutMany(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now()
	var expires int64
	if s.ttl > 0 {
		expires = now.Add(s.ttl).UnixMilli()
	}
	rows := make([]EmbeddingCacheEntry, 0, len(entries))
	for k, v := range entries {
		rows = append(rows, EmbeddingCacheEntry{
			Key:            k,
			ModelVersion:   s.modelVersion,
			Vector:         models.JSONFloat32Array(v),
			CreatedAtEpoch: now.UnixMilli(),
			ExpiresAtEpoch: expires,
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(&rows, 200).Error
}

// Prune deletes expired entries and entries of other model versions.
func (s *EmbeddingCacheStore) Prune(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("model_version <> ? OR (expires_at_epoch > 0 AND expires_at_epoch <= ?)",
			s.modelVersion, time.Now().UnixMilli()).
		Delete(&EmbeddingCacheEntry{})
	return res.RowsAffected, res.Error
}
