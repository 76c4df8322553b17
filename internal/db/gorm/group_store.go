package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/kwgroup/pkg/models"
)

// GroupStore reads persisted grouping runs.
type GroupStore struct {
	db *gorm.DB
}

// NewGroupStore creates a new group store.
func NewGroupStore(store *Store) *GroupStore {
	return &GroupStore{db: store.DB}
}

// LatestRun returns the owner's most recent run, or nil if there is none.
func (s *GroupStore) LatestRun(ctx context.Context, owner string) (*models.GroupingResult, error) {
	var run GroupRun
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at_epoch DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.load(ctx, &run)
}

// GetRun returns a run by id, or nil if it does not exist.
func (s *GroupStore) GetRun(ctx context.Context, runID string) (*models.GroupingResult, error) {
	var run GroupRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.load(ctx, &run)
}

// ListRuns returns the owner's runs newest first, without groups.
func (s *GroupStore) ListRuns(ctx context.Context, owner string, limit int) ([]*models.GroupingResult, error) {
	var runs []GroupRun
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at_epoch DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	result := make([]*models.GroupingResult, len(runs))
	for i := range runs {
		result[i] = toModelRun(&runs[i])
	}
	return result, nil
}

func (s *GroupStore) load(ctx context.Context, run *GroupRun) (*models.GroupingResult, error) {
	var groups []KeywordGroup
	err := s.db.WithContext(ctx).
		Where("run_id = ?", run.ID).
		Order("group_id ASC").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}

	var ids []int64
	err = s.db.WithContext(ctx).
		Model(&Keyword{}).
		Where("grouped_run_id = ?", run.ID).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	result := toModelRun(run)
	result.KeywordIDs = ids
	result.Groups = make([]models.KeywordGroup, len(groups))
	for i, g := range groups {
		members := g.Members
		if members == nil {
			members = models.JSONStringArray{}
		}
		result.Groups[i] = models.KeywordGroup{
			GroupID:  g.GroupID,
			Label:    g.Label,
			Members:  members,
			Centroid: []float32(g.Centroid),
		}
	}
	return result, nil
}

func toModelRun(r *GroupRun) *models.GroupingResult {
	return &models.GroupingResult{
		RunID:        r.ID,
		Owner:        r.Owner,
		ModelVersion: r.ModelVersion,
		Seed:         uint64(r.Seed),
		Inertia:      r.Inertia,
		K:            r.K,
		Iterations:   r.Iterations,
		Converged:    r.Converged,
		CreatedAt:    time.UnixMilli(r.CreatedAtEpoch).UTC(),
	}
}
