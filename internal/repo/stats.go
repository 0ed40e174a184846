// Package repo implements the persistence layer for the submission-attempt
// cache and the sync journal. This file provides small aggregate queries used
// by the stats endpoint and for ETag generation in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/domain"
)

// AttemptCountsByState returns the number of attempts per state. States with
// no rows are reported as 0.
func AttemptCountsByState(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		State string
		N     int64
	}
	err := db.WithContext(ctx).
		Model(&domain.SubmissionAttempt{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[string]int64{
		domain.AttemptGenerated: 0,
		domain.AttemptPersisted: 0,
		domain.AttemptSynced:    0,
		domain.AttemptFailed:    0,
	}
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// SyncEventsStats returns the journal size and the newest CreatedAt, or nil
// when the journal is empty.
func SyncEventsStats(ctx context.Context, db *gorm.DB) (count int64, latest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.SyncEvent{})

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
