package repositories

import (
	"context"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/anthillco/uwb-tracker/internal/database/models"
)

// CalibrationRepository handles calibration-run data access.
type CalibrationRepository struct {
	db *gorm.DB
}

// NewCalibrationRepository creates a new CalibrationRepository.
func NewCalibrationRepository(db *gorm.DB) *CalibrationRepository {
	return &CalibrationRepository{db: db}
}

// Create creates a new calibration run, assigning a cuid if ID is empty.
func (r *CalibrationRepository) Create(ctx context.Context, run *models.CalibrationRun) error {
	if run.ID == "" {
		run.ID = cuid.New()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

// Update persists changes to an existing calibration run.
func (r *CalibrationRepository) Update(ctx context.Context, run *models.CalibrationRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// FindByID returns a calibration run by ID, or nil if unknown.
func (r *CalibrationRepository) FindByID(ctx context.Context, id string) (*models.CalibrationRun, error) {
	var run models.CalibrationRun
	result := r.db.WithContext(ctx).First(&run, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &run, nil
}

// FindActive returns the currently-running calibration run, if any.
func (r *CalibrationRepository) FindActive(ctx context.Context) (*models.CalibrationRun, error) {
	var run models.CalibrationRun
	result := r.db.WithContext(ctx).Where("status = ?", "running").First(&run)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &run, nil
}

// FindAll returns every calibration run, most recent first.
func (r *CalibrationRepository) FindAll(ctx context.Context) ([]models.CalibrationRun, error) {
	var runs []models.CalibrationRun
	result := r.db.WithContext(ctx).Order("started_ms DESC").Find(&runs)
	return runs, result.Error
}

// FindFinishedForTag returns finished runs for a tag, most recent first.
func (r *CalibrationRepository) FindFinishedForTag(ctx context.Context, tagID string) ([]models.CalibrationRun, error) {
	var runs []models.CalibrationRun
	result := r.db.WithContext(ctx).
		Where("tag_id = ? AND status = ?", tagID, "finished").
		Order("started_ms DESC").
		Find(&runs)
	return runs, result.Error
}

// FindOKNonInvalidated returns every run with result=OK and no invalidation
// timestamp — the set readiness checks for a non-empty result from.
func (r *CalibrationRepository) FindOKNonInvalidated(ctx context.Context) ([]models.CalibrationRun, error) {
	var runs []models.CalibrationRun
	result := r.db.WithContext(ctx).
		Where("result = ? AND invalidated_ms IS NULL", "OK").
		Find(&runs)
	return runs, result.Error
}

// InvalidateAllOK sets invalidated_ms = atMs on every OK, non-invalidated run.
func (r *CalibrationRepository) InvalidateAllOK(ctx context.Context, atMs int64) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.CalibrationRun{}).
		Where("result = ? AND invalidated_ms IS NULL", "OK").
		Update("invalidated_ms", atMs)
	return result.RowsAffected, result.Error
}
