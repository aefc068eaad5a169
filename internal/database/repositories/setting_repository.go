package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/anthillco/uwb-tracker/internal/database/models"
)

// SettingRepository handles the generic settings key/value table.
type SettingRepository struct {
	db *gorm.DB
}

// NewSettingRepository creates a new SettingRepository.
func NewSettingRepository(db *gorm.DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// FindAll returns every setting.
func (r *SettingRepository) FindAll(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	result := r.db.WithContext(ctx).Order("key ASC").Find(&settings)
	return settings, result.Error
}

// FindByKey returns a setting by key, or nil if unset.
func (r *SettingRepository) FindByKey(ctx context.Context, key string) (*models.Setting, error) {
	var s models.Setting
	result := r.db.WithContext(ctx).First(&s, "key = ?", key)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &s, nil
}

// Upsert creates or updates a setting by key.
func (r *SettingRepository) Upsert(ctx context.Context, key, value string) error {
	return r.db.WithContext(ctx).Save(&models.Setting{Key: key, Value: value}).Error
}

// Delete removes a setting by key.
func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Delete(&models.Setting{}, "key = ?", key).Error
}

// DeviceSettingRepository handles per-(device,key) settings used to push
// apply_settings commands (e.g. range corrections) to anchors.
type DeviceSettingRepository struct {
	db *gorm.DB
}

// NewDeviceSettingRepository creates a new DeviceSettingRepository.
func NewDeviceSettingRepository(db *gorm.DB) *DeviceSettingRepository {
	return &DeviceSettingRepository{db: db}
}

// Upsert creates or updates a (device,key) setting.
func (r *DeviceSettingRepository) Upsert(ctx context.Context, deviceID, key, value string) error {
	return r.db.WithContext(ctx).Save(&models.DeviceSetting{
		DeviceID: deviceID,
		Key:      key,
		Value:    value,
	}).Error
}

// FindByDevice returns all settings for one device.
func (r *DeviceSettingRepository) FindByDevice(ctx context.Context, deviceID string) ([]models.DeviceSetting, error) {
	var settings []models.DeviceSetting
	result := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Find(&settings)
	return settings, result.Error
}
