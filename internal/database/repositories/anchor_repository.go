package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/anthillco/uwb-tracker/internal/database/models"
)

// AnchorRepository handles anchor data access.
type AnchorRepository struct {
	db *gorm.DB
}

// NewAnchorRepository creates a new AnchorRepository.
func NewAnchorRepository(db *gorm.DB) *AnchorRepository {
	return &AnchorRepository{db: db}
}

// FindByID returns an anchor by its canonical MAC, or nil if unknown.
func (r *AnchorRepository) FindByID(ctx context.Context, id string) (*models.Anchor, error) {
	var a models.Anchor
	result := r.db.WithContext(ctx).First(&a, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &a, nil
}

// FindAll returns every known anchor.
func (r *AnchorRepository) FindAll(ctx context.Context) ([]models.Anchor, error) {
	var anchors []models.Anchor
	result := r.db.WithContext(ctx).Order("id ASC").Find(&anchors)
	return anchors, result.Error
}

// Upsert creates the anchor row if it doesn't exist yet (first-seen), or
// does nothing to its position if it does — position is mutated only via
// UpdatePosition so that state-manager guards can intercept it.
func (r *AnchorRepository) Upsert(ctx context.Context, id string) (*models.Anchor, error) {
	existing, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	a := &models.Anchor{ID: id, Status: "UNKNOWN"}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// UpdatePosition sets an anchor's base position.
func (r *AnchorRepository) UpdatePosition(ctx context.Context, id string, xCm, yCm, zCm float64) error {
	return r.db.WithContext(ctx).Model(&models.Anchor{}).
		Where("id = ?", id).
		Updates(map[string]any{"x_cm": xCm, "y_cm": yCm, "z_cm": zCm}).Error
}

// UpdateLastSeen records a fresh last-seen timestamp and online status.
func (r *AnchorRepository) UpdateLastSeen(ctx context.Context, id string, lastSeenMs int64, online bool) error {
	status := "OFFLINE"
	if online {
		status = "ONLINE"
	}
	return r.db.WithContext(ctx).Model(&models.Anchor{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_seen_ms": lastSeenMs, "status": status}).Error
}

// Delete removes an anchor and cascades to its device_settings and offset.
func (r *AnchorRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.DeviceSetting{}, "device_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.AnchorPositionOffset{}, "anchor_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.RangeCorrection{}, "anchor_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Anchor{}, "id = ?", id).Error
	})
}

// CountOnline returns the number of anchors currently marked ONLINE.
func (r *AnchorRepository) CountOnline(ctx context.Context) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Anchor{}).
		Where("status = ?", "ONLINE").
		Count(&count)
	return count, result.Error
}

// FindOffset returns the calibration offset for an anchor, or nil if none.
func (r *AnchorRepository) FindOffset(ctx context.Context, anchorID string) (*models.AnchorPositionOffset, error) {
	var off models.AnchorPositionOffset
	result := r.db.WithContext(ctx).First(&off, "anchor_id = ?", anchorID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &off, nil
}

// FindAllOffsets returns every anchor's calibration offset.
func (r *AnchorRepository) FindAllOffsets(ctx context.Context) ([]models.AnchorPositionOffset, error) {
	var offs []models.AnchorPositionOffset
	result := r.db.WithContext(ctx).Find(&offs)
	return offs, result.Error
}

// UpsertOffset writes a calibration-derived position offset for an anchor.
func (r *AnchorRepository) UpsertOffset(ctx context.Context, off models.AnchorPositionOffset) error {
	return r.db.WithContext(ctx).Save(&off).Error
}

// FindRangeCorrection returns the per-anchor range correction, or nil.
func (r *AnchorRepository) FindRangeCorrection(ctx context.Context, anchorID string) (*models.RangeCorrection, error) {
	var rc models.RangeCorrection
	result := r.db.WithContext(ctx).First(&rc, "anchor_id = ?", anchorID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &rc, nil
}

// FindAllRangeCorrections returns every anchor's range correction.
func (r *AnchorRepository) FindAllRangeCorrections(ctx context.Context) ([]models.RangeCorrection, error) {
	var rcs []models.RangeCorrection
	result := r.db.WithContext(ctx).Find(&rcs)
	return rcs, result.Error
}

// UpsertRangeCorrection writes a per-anchor range correction.
func (r *AnchorRepository) UpsertRangeCorrection(ctx context.Context, rc models.RangeCorrection) error {
	return r.db.WithContext(ctx).Save(&rc).Error
}
