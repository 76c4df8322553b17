package gorm

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidEmail is returned for addresses that do not parse.
var ErrInvalidEmail = errors.New("invalid email address")

// UserStore provides per-owner preference operations using GORM.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore creates a new user store.
func NewUserStore(store *Store) *UserStore {
	return &UserStore{db: store.DB}
}

// SetEmail validates and stores the delivery address for owner.
func (s *UserStore) SetEmail(ctx context.Context, owner, email string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}

	now := time.Now()
	pref := &UserPreference{
		Owner:          owner,
		Email:          addr.Address,
		UpdatedAt:      now.Format(time.RFC3339),
		UpdatedAtEpoch: now.UnixMilli(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at", "updated_at_epoch"}),
	}).Create(pref).Error
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

// GetEmail returns the stored address, or "" if none is set.
func (s *UserStore) GetEmail(ctx context.Context, owner string) (string, error) {
	var pref UserPreference
	err := s.db.WithContext(ctx).First(&pref, "owner = ?", owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return pref.Email, nil
}
