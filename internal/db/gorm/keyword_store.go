package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/kwgroup/pkg/models"
)

// ErrSnapshotConflict is returned by MarkGrouped when some keywords of the
// run were consumed by another run in the meantime.
var ErrSnapshotConflict = errors.New("keywords already grouped by another run")

// KeywordStore provides keyword-related database operations using GORM.
type KeywordStore struct {
	db *gorm.DB
}

// NewKeywordStore creates a new keyword store.
func NewKeywordStore(store *Store) *KeywordStore {
	return &KeywordStore{db: store.DB}
}

// AddKeywords stores keywords for owner. Texts already waiting to be grouped
// for the same owner are skipped. Returns the stored records and the number
// skipped.
func (s *KeywordStore) AddKeywords(ctx context.Context, owner string, keywords []*models.Keyword) ([]models.Keyword, int, error) {
	if len(keywords) == 0 {
		return nil, 0, nil
	}

	texts := make([]string, len(keywords))
	for i, k := range keywords {
		texts[i] = k.Text
	}

	var stored []models.Keyword
	skipped := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&Keyword{}).
			Where("owner = ? AND grouped_run_id IS NULL AND text IN ?", owner, texts).
			Pluck("text", &existing).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(existing)+len(keywords))
		for _, t := range existing {
			seen[t] = struct{}{}
		}

		rows := make([]Keyword, 0, len(keywords))
		for _, k := range keywords {
			if _, dup := seen[k.Text]; dup {
				skipped++
				continue
			}
			seen[k.Text] = struct{}{}
			rows = append(rows, Keyword{
				Owner:          owner,
				Text:           k.Text,
				Raw:            k.Raw,
				CreatedAt:      k.CreatedAt,
				CreatedAtEpoch: k.CreatedAtEpoch,
			})
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&rows, 200).Error; err != nil {
			return err
		}
		stored = toModelKeywords(rows)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return stored, skipped, nil
}

// FetchUnprocessedKeywords returns the owner's keywords not yet consumed by a
// run, in insertion order.
func (s *KeywordStore) FetchUnprocessedKeywords(ctx context.Context, owner string) ([]models.Keyword, error) {
	var rows []Keyword
	err := s.db.WithContext(ctx).
		Where("owner = ? AND grouped_run_id IS NULL", owner).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelKeywords(rows), nil
}

// CountUnprocessed returns how many keywords await grouping for owner.
func (s *KeywordStore) CountUnprocessed(ctx context.Context, owner string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Keyword{}).
		Where("owner = ? AND grouped_run_id IS NULL", owner).
		Count(&count).Error
	return count, err
}

// MarkGrouped persists the run with its groups and marks the consumed
// keywords, atomically. If any keyword was already consumed, nothing is
// written and ErrSnapshotConflict is returned.
func (s *KeywordStore) MarkGrouped(ctx context.Context, owner string, result *models.GroupingResult) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("mark grouped: missing run")
	}
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run := &GroupRun{
			ID:             result.RunID,
			Owner:          owner,
			ModelVersion:   result.ModelVersion,
			Seed:           int64(result.Seed),
			Inertia:        result.Inertia,
			K:              result.K,
			Iterations:     result.Iterations,
			Converged:      result.Converged,
			KeywordCount:   len(result.KeywordIDs),
			CreatedAt:      createdAt.Format(time.RFC3339),
			CreatedAtEpoch: createdAt.UnixMilli(),
		}
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("create run: %w", err)
		}

		groups := make([]KeywordGroup, len(result.Groups))
		for i, g := range result.Groups {
			groups[i] = KeywordGroup{
				RunID:    result.RunID,
				GroupID:  g.GroupID,
				Label:    g.Label,
				Members:  g.Members,
				Centroid: models.JSONFloat32Array(g.Centroid),
			}
		}
		if len(groups) > 0 {
			if err := tx.Create(&groups).Error; err != nil {
				return fmt.Errorf("create groups: %w", err)
			}
		}

		if len(result.KeywordIDs) == 0 {
			return nil
		}
		res := tx.Model(&Keyword{}).
			Where("owner = ? AND id IN ? AND grouped_run_id IS NULL", owner, result.KeywordIDs).
			Update("grouped_run_id", result.RunID)
		if res.Error != nil {
			return fmt.Errorf("mark keywords: %w", res.Error)
		}
		if res.RowsAffected != int64(len(result.KeywordIDs)) {
			return fmt.Errorf("%w: marked %d of %d", ErrSnapshotConflict, res.RowsAffected, len(result.KeywordIDs))
		}
		return nil
	})
}

func toModelKeyword(k *Keyword) models.Keyword {
	return models.Keyword{
		ID:             k.ID,
		Owner:          k.Owner,
		Text:           k.Text,
		Raw:            k.Raw,
		GroupedRunID:   k.GroupedRunID,
		CreatedAt:      k.CreatedAt,
		CreatedAtEpoch: k.CreatedAtEpoch,
	}
}

func toModelKeywords(rows []Keyword) []models.Keyword {
	result := make([]models.Keyword, len(rows))
	for i := range rows {
		result[i] = toModelKeyword(&rows[i])
	}
	return result
}
