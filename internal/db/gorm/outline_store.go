package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/thebtf/kwgroup/pkg/models"
)

// OutlineStore provides outline history operations using GORM.
type OutlineStore struct {
	db *gorm.DB
}

// NewOutlineStore creates a new outline store.
func NewOutlineStore(store *Store) *OutlineStore {
	return &OutlineStore{db: store.DB}
}

// SaveBatch stores a batch and sets its ID.
func (s *OutlineStore) SaveBatch(ctx context.Context, batch *models.OutlineBatch) (int64, error) {
	row := &OutlineBatch{
		Owner:          batch.Owner,
		RunID:          batch.RunID,
		Outlines:       JSONOutlines(batch.Outlines),
		CreatedAt:      batch.CreatedAt,
		CreatedAtEpoch: batch.CreatedAtEpoch,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, err
	}
	batch.ID = row.ID
	batch.CreatedAt = row.CreatedAt
	batch.CreatedAtEpoch = row.CreatedAtEpoch
	return row.ID, nil
}

// LatestBatch returns the owner's newest batch, or nil if there is none.
func (s *OutlineStore) LatestBatch(ctx context.Context, owner string) (*models.OutlineBatch, error) {
	var row OutlineBatch
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at_epoch DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelBatch(&row), nil
}

// History returns the owner's last limit batches, newest first.
func (s *OutlineStore) History(ctx context.Context, owner string, limit int) ([]*models.OutlineBatch, error) {
	var rows []OutlineBatch
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at_epoch DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]*models.OutlineBatch, len(rows))
	for i := range rows {
		result[i] = toModelBatch(&rows[i])
	}
	return result, nil
}

func toModelBatch(b *OutlineBatch) *models.OutlineBatch {
	return &models.OutlineBatch{
		ID:             b.ID,
		Owner:          b.Owner,
		RunID:          b.RunID,
		Outlines:       []models.Outline(b.Outlines),
		CreatedAt:      b.CreatedAt,
		CreatedAtEpoch: b.CreatedAtEpoch,
	}
}
