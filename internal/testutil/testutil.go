// Package testutil provides a shared in-memory database setup for tests
// across the core packages.
package testutil

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/database/repositories"
)

// TestDB holds an in-memory database and every repository, ready for use
// in a test.
type TestDB struct {
	DB               *gorm.DB
	AnchorRepo       *repositories.AnchorRepository
	FixtureRepo      *repositories.FixtureRepository
	SettingRepo      *repositories.SettingRepository
	DeviceSettingRepo *repositories.DeviceSettingRepository
	CalibrationRepo  *repositories.CalibrationRepository
	EventRepo        *repositories.EventRepository
}

// SetupTestDB creates a fresh in-memory SQLite database with every model
// migrated, and returns a cleanup function.
func SetupTestDB(t *testing.T) (*TestDB, func()) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	err = db.AutoMigrate(
		&models.Anchor{},
		&models.AnchorPositionOffset{},
		&models.RangeCorrection{},
		&models.DeviceSetting{},
		&models.FixtureProfile{},
		&models.Fixture{},
		&models.Setting{},
		&models.CalibrationRun{},
		&models.EventLogEntry{},
	)
	if err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	testDB := &TestDB{
		DB:                db,
		AnchorRepo:        repositories.NewAnchorRepository(db),
		FixtureRepo:       repositories.NewFixtureRepository(db),
		SettingRepo:       repositories.NewSettingRepository(db),
		DeviceSettingRepo: repositories.NewDeviceSettingRepository(db),
		CalibrationRepo:   repositories.NewCalibrationRepository(db),
		EventRepo:         repositories.NewEventRepository(db),
	}

	cleanup := func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	}

	return testDB, cleanup
}
