package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Keywords
		{
			ID: "001_keywords",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Keyword{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("keywords")
			},
		},

		// Migration 002: Grouping runs and their groups
		{
			ID: "002_group_runs",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&GroupRun{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&KeywordGroup{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("keyword_groups", "group_runs")
			},
		},

		// Migration 003: Outline history
		{
			ID: "003_outline_batches",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&OutlineBatch{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("outline_batches")
			},
		},

		// Migration 004: User preferences
		{
			ID: "004_user_preferences",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&UserPreference{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("user_preferences")
			},
		},

		// Migration 005: Embedding cache
		{
			ID: "005_embedding_cache",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&EmbeddingCacheEntry{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("embedding_cache")
			},
		},
	})

	return m.Migrate()
}
