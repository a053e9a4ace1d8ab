package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"camsignal/internal/domain"
)

type PairingStore struct{ db *gorm.DB }

func (s *Store) Pairings() *PairingStore { return &PairingStore{db: s.DB} }

func (p *PairingStore) Create(ctx context.Context, code *domain.PairingCode) error {
	return p.db.WithContext(ctx).Create(code).Error
}

// CodeExists reports whether code is already taken, used or not. Callers
// regenerate until the code is globally unique.
func (p *PairingStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&domain.PairingCode{}).
		Where("code = ?", code).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetValid returns the pairing code row if it is unused and unexpired.
func (p *PairingStore) GetValid(ctx context.Context, code string) (*domain.PairingCode, error) {
	var pc domain.PairingCode
	err := p.db.WithContext(ctx).
		Where("code = ? AND is_used = ? AND expires_at > ?", code, false, time.Now().UTC()).
		First(&pc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &pc, nil
}

func (p *PairingStore) MarkUsed(ctx context.Context, id int64) error {
	return p.db.WithContext(ctx).Model(&domain.PairingCode{}).
		Where("id = ?", id).
		Update("is_used", true).Error
}
