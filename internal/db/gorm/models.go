package gorm

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/thebtf/kwgroup/pkg/models"
)

// GORM Models

// Keyword is a stored keyword. GroupedRunID stays NULL until a run consumes it.
type Keyword struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	Owner          string         `gorm:"index:idx_keywords_owner_run,priority:1;not null"`
	Text           string         `gorm:"type:text;not null"`
	Raw            string         `gorm:"type:text"`
	GroupedRunID   sql.NullString `gorm:"index:idx_keywords_owner_run,priority:2"`
	CreatedAt      string         `gorm:"not null"`
	CreatedAtEpoch int64          `gorm:"index:idx_keywords_created,sort:desc;not null"`
}

func (Keyword) TableName() string { return "keywords" }

// BeforeCreate hook to ensure timestamps are set.
func (k *Keyword) BeforeCreate(tx *gorm.DB) error {
	if k.CreatedAtEpoch == 0 {
		k.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if k.CreatedAt == "" {
		k.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// GroupRun is one persisted grouping run.
type GroupRun struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	Owner          string `gorm:"index:idx_group_runs_owner_created,priority:1;not null"`
	ModelVersion   string `gorm:"not null"`
	Seed           int64
	Inertia        float64
	K              int `gorm:"not null"`
	Iterations     int
	Converged      bool
	KeywordCount   int
	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"index:idx_group_runs_owner_created,priority:2,sort:desc;not null"`
}

func (GroupRun) TableName() string { return "group_runs" }

// BeforeCreate hook to ensure timestamps are set.
func (r *GroupRun) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAtEpoch == 0 {
		r.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if r.CreatedAt == "" {
		r.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// KeywordGroup is one group of a run, empty groups included.
type KeywordGroup struct {
	ID       int64                   `gorm:"primaryKey;autoIncrement"`
	RunID    string                  `gorm:"index:idx_keyword_groups_run,priority:1;type:varchar(36);not null"`
	GroupID  int                     `gorm:"index:idx_keyword_groups_run,priority:2;not null"`
	Label    string                  `gorm:"type:text"`
	Members  models.JSONStringArray  `gorm:"type:text"` // JSON array
	Centroid models.JSONFloat32Array `gorm:"type:text"` // JSON array
}

func (KeywordGroup) TableName() string { return "keyword_groups" }

// OutlineBatch is a stored set of outlines for one run.
type OutlineBatch struct {
	ID             int64        `gorm:"primaryKey;autoIncrement"`
	Owner          string       `gorm:"index:idx_outline_batches_owner_created,priority:1;not null"`
	RunID          string       `gorm:"type:varchar(36)"`
	Outlines       JSONOutlines `gorm:"type:text"` // JSON array
	CreatedAt      string       `gorm:"not null"`
	CreatedAtEpoch int64        `gorm:"index:idx_outline_batches_owner_created,priority:2,sort:desc;not null"`
}

func (OutlineBatch) TableName() string { return "outline_batches" }

// BeforeCreate hook to ensure timestamps are set.
func (b *OutlineBatch) BeforeCreate(tx *gorm.DB) error {
	if b.CreatedAtEpoch == 0 {
		b.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if b.CreatedAt == "" {
		b.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// UserPreference holds per-owner settings.
type UserPreference struct {
	Owner          string `gorm:"primaryKey"`
	Email          string `gorm:"type:text"`
	UpdatedAt      string `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"not null"`
}

func (UserPreference) TableName() string { return "user_preferences" }

// EmbeddingCacheEntry is a cached vector keyed by content hash.
type EmbeddingCacheEntry struct {
	Key            string                  `gorm:"column:cache_key;primaryKey;type:varchar(64)"`
	ModelVersion   string                  `gorm:"index;not null"`
	Vector         models.JSONFloat32Array `gorm:"type:text;not null"` // JSON array
	CreatedAtEpoch int64                   `gorm:"not null"`
	ExpiresAtEpoch int64                   `gorm:"index"` // 0 = never
}

func (EmbeddingCacheEntry) TableName() string { return "embedding_cache" }

// JSONOutlines is a []models.Outline stored as a JSON text column.
type JSONOutlines []models.Outline

// Scan implements sql.Scanner.
func (o *JSONOutlines) Scan(value interface{}) error {
	if value == nil {
		*o = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONOutlines: %T", value)
	}
	if len(data) == 0 {
		*o = nil
		return nil
	}
	return json.Unmarshal(data, o)
}

// Value implements driver.Valuer.
func (o JSONOutlines) Value() (driver.Value, error) {
	if o == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]models.Outline(o))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
