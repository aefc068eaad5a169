package repositories

import (
	"context"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/anthillco/uwb-tracker/internal/database/models"
)

// FixtureRepository handles fixture and fixture-profile data access.
type FixtureRepository struct {
	db *gorm.DB
}

// NewFixtureRepository creates a new FixtureRepository.
func NewFixtureRepository(db *gorm.DB) *FixtureRepository {
	return &FixtureRepository{db: db}
}

// FindAll returns every fixture, ordered by universe then address.
func (r *FixtureRepository) FindAll(ctx context.Context) ([]models.Fixture, error) {
	var fixtures []models.Fixture
	result := r.db.WithContext(ctx).
		Order("universe ASC, base_dmx_address ASC").
		Find(&fixtures)
	return fixtures, result.Error
}

// FindEnabled returns every enabled fixture.
func (r *FixtureRepository) FindEnabled(ctx context.Context) ([]models.Fixture, error) {
	var fixtures []models.Fixture
	result := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("universe ASC, base_dmx_address ASC").
		Find(&fixtures)
	return fixtures, result.Error
}

// FindByID returns a fixture by ID, or nil if unknown.
func (r *FixtureRepository) FindByID(ctx context.Context, id string) (*models.Fixture, error) {
	var f models.Fixture
	result := r.db.WithContext(ctx).First(&f, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &f, nil
}

// Create creates a new fixture, assigning a cuid if ID is empty.
func (r *FixtureRepository) Create(ctx context.Context, f *models.Fixture) error {
	if f.ID == "" {
		f.ID = cuid.New()
	}
	return r.db.WithContext(ctx).Create(f).Error
}

// Update persists changes to an existing fixture.
func (r *FixtureRepository) Update(ctx context.Context, f *models.Fixture) error {
	return r.db.WithContext(ctx).Save(f).Error
}

// Delete removes a fixture by ID.
func (r *FixtureRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.Fixture{}, "id = ?", id).Error
}

// CountEnabled returns the number of enabled fixtures.
func (r *FixtureRepository) CountEnabled(ctx context.Context) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Fixture{}).
		Where("enabled = ?", true).
		Count(&count)
	return count, result.Error
}

// FindProfileByKey returns a fixture profile by key, or nil if unknown.
func (r *FixtureRepository) FindProfileByKey(ctx context.Context, key string) (*models.FixtureProfile, error) {
	var p models.FixtureProfile
	result := r.db.WithContext(ctx).First(&p, "key = ?", key)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &p, nil
}

// FindAllProfiles returns every known fixture profile.
func (r *FixtureRepository) FindAllProfiles(ctx context.Context) ([]models.FixtureProfile, error) {
	var profiles []models.FixtureProfile
	result := r.db.WithContext(ctx).Order("key ASC").Find(&profiles)
	return profiles, result.Error
}

// UpsertProfile creates or replaces a fixture profile by key.
func (r *FixtureRepository) UpsertProfile(ctx context.Context, p *models.FixtureProfile) error {
	return r.db.WithContext(ctx).Save(p).Error
}
