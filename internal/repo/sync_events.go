package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/domain"
)

// CreateSyncEvent journals one transfer attempt. ID and CreatedAt are filled
// in when empty.
func CreateSyncEvent(ctx context.Context, db *gorm.DB, ev *domain.SyncEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(ev).Error
}

// CountSyncEvents returns the journal size.
func CountSyncEvents(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.SyncEvent{}).Count(&total).Error
	return total, err
}

// ListSyncEventsPage returns a page of the journal, newest first.
func ListSyncEventsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.SyncEvent, error) {
	var out []domain.SyncEvent
	err := db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
