package repositories

import (
	"context"

	"github.com/lucsky/cuid"
	"gorm.io/gorm"

	"github.com/anthillco/uwb-tracker/internal/database/models"
)

// EventRepository handles the append-only operator-visible event log.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append writes a new event row. dataJSON may be nil.
func (r *EventRepository) Append(ctx context.Context, kind, message string, dataJSON *string) error {
	entry := &models.EventLogEntry{
		ID:       cuid.New(),
		Kind:     kind,
		Message:  message,
		DataJSON: dataJSON,
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindRecent returns the most recent events, newest first, limited to n.
func (r *EventRepository) FindRecent(ctx context.Context, n int) ([]models.EventLogEntry, error) {
	var events []models.EventLogEntry
	result := r.db.WithContext(ctx).Order("created_at DESC").Limit(n).Find(&events)
	return events, result.Error
}
