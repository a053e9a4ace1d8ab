package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"camsignal/internal/domain"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Create(ctx context.Context, dev *domain.Device) error {
	return d.db.WithContext(ctx).Create(dev).Error
}

func (d *DeviceStore) GetByDeviceID(ctx context.Context, deviceID string) (*domain.Device, error) {
	var dev domain.Device
	if err := d.db.WithContext(ctx).First(&dev, "device_id = ?", deviceID).Error; err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

func (d *DeviceStore) GetByID(ctx context.Context, id int64) (*domain.Device, error) {
	var dev domain.Device
	if err := d.db.WithContext(ctx).First(&dev, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

// ListByOwner returns all devices the user owns, through device_ownership.
func (d *DeviceStore) ListByOwner(ctx context.Context, userID int64) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Joins("JOIN device_ownership ON device_ownership.device_id = devices.id").
		Where("device_ownership.user_id = ?", userID).
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// SetOnline refreshes the denormalized online projection. LastSeen is always
// bumped, whether the device is coming up or going away.
func (d *DeviceStore) SetOnline(ctx context.Context, deviceID string, online bool) error {
	now := time.Now().UTC()
	return d.db.WithContext(ctx).Model(&domain.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{"is_online": online, "last_seen": now}).Error
}

type OwnershipStore struct{ db *gorm.DB }

func (s *Store) Ownerships() *OwnershipStore { return &OwnershipStore{db: s.DB} }

func (o *OwnershipStore) Create(ctx context.Context, own *domain.DeviceOwnership) error {
	return o.db.WithContext(ctx).Create(own).Error
}

// Exists reports whether the user owns the device identified by its external
// device id.
func (o *OwnershipStore) Exists(ctx context.Context, userID int64, deviceID string) (bool, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&domain.DeviceOwnership{}).
		Joins("JOIN devices ON devices.id = device_ownership.device_id").
		Where("device_ownership.user_id = ? AND devices.device_id = ?", userID, deviceID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
