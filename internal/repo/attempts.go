// Package repo implements the persistence layer for the submission-attempt
// cache and the sync journal. This file provides the attempt helpers that
// back per-submission memoization and manual retry.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a live attempt already exists for the given
// (session_id, key) pair.
var ErrDuplicate = errors.New("duplicate")

// GetAttempt returns the non-expired attempt for (sessionID, key) or
// ErrNotFound.
func GetAttempt(ctx context.Context, db *gorm.DB, sessionID, key string, now time.Time) (*domain.SubmissionAttempt, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var a domain.SubmissionAttempt
	err := db.WithContext(ctx).
		Where("session_id = ? AND key = ? AND expires_at > ?", sessionID, key, now).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAttempt inserts a new attempt in state "generated" that expires after
// ttl. An expired row for the same pair is replaced. A live one yields
// ErrDuplicate.
func CreateAttempt(ctx context.Context, db *gorm.DB, sessionID, key, prefix, sampleID string, payload []byte, ttl time.Duration) (*domain.SubmissionAttempt, error) {
	now := time.Now().UTC()
	a := &domain.SubmissionAttempt{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Key:       key,
		Prefix:    prefix,
		SampleID:  sampleID,
		State:     domain.AttemptGenerated,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ? AND key = ? AND expires_at <= ?", sessionID, key, now).
			Delete(&domain.SubmissionAttempt{}).Error; err != nil {
			return err
		}
		return tx.Create(a).Error
	})
	if err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return a, nil
}

// MarkAttempt moves an attempt to state, recording the assigned record ID
// (when > 0) and the last error message (cleared when empty).
func MarkAttempt(ctx context.Context, db *gorm.DB, id, state string, recordID int, lastErr string) error {
	updates := map[string]any{
		"state":      state,
		"last_error": lastErr,
		"updated_at": time.Now().UTC(),
	}
	if recordID > 0 {
		updates["record_id"] = recordID
	}
	res := db.WithContext(ctx).Model(&domain.SubmissionAttempt{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpiredAttempts deletes attempts whose TTL passed and which no longer
// hold work. Failed attempts are kept until retried and persisted ones until
// their upload succeeds.
func PurgeExpiredAttempts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ? AND state NOT IN ?", now, []string{domain.AttemptFailed, domain.AttemptPersisted}).
		Delete(&domain.SubmissionAttempt{})
	return res.RowsAffected, res.Error
}

// ListFailedAttempts returns attempts whose persistence failed, oldest first.
func ListFailedAttempts(ctx context.Context, db *gorm.DB, limit int) ([]domain.SubmissionAttempt, error) {
	var out []domain.SubmissionAttempt
	q := db.WithContext(ctx).
		Where("state = ?", domain.AttemptFailed).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListAttemptIDs returns the IDs of every attempt in state, expired or not,
// oldest first.
func ListAttemptIDs(ctx context.Context, db *gorm.DB, state string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.SubmissionAttempt{}).
		Where("state = ?", state).
		Order("created_at ASC, id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// MarkAttemptsSynced moves the listed attempts from "persisted" to "synced".
// Attempts in any other state are left alone.
func MarkAttemptsSynced(ctx context.Context, db *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Model(&domain.SubmissionAttempt{}).
		Where("id IN ? AND state = ?", ids, domain.AttemptPersisted).
		Updates(map[string]any{"state": domain.AttemptSynced, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}
