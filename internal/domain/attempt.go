// Package domain defines the core models of the intake service: the
// identifier ledger row, the questionnaire response record, the error
// taxonomy, and the GORM models that back the submission-attempt cache and the
// sync journal.
package domain

import "time"

// Attempt states.
const (
	AttemptGenerated = "generated" // identifier allocated, record not yet persisted
	AttemptPersisted = "persisted" // record appended locally, upload incomplete
	AttemptSynced    = "synced"    // record appended and both mirrors uploaded
	AttemptFailed    = "failed"    // persistence failed; payload kept for retry
)

// SubmissionAttempt memoizes one logical submission, keyed by
// (session_id, key). It holds the allocated sample identifier so that a
// re-entrant call never allocates a second ledger row, and the record payload
// so that a failed persistence can be retried without the form.
type SubmissionAttempt struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	SessionID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_session_key,priority:1"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_session_key,priority:2"`
	Prefix    string    `gorm:"type:TEXT NOT NULL"`
	SampleID  string    `gorm:"type:TEXT NOT NULL;index"`
	RecordID  int       `gorm:"type:INTEGER NOT NULL;default:0"`
	State     string    `gorm:"type:TEXT NOT NULL;index"`
	Payload   []byte    `gorm:"type:BLOB"`
	LastError string    `gorm:"type:TEXT"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoUpdateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (SubmissionAttempt) TableName() string { return "submission_attempts" }

// Done reports whether the record behind the attempt was already appended.
func (a SubmissionAttempt) Done() bool {
	return a.State == AttemptPersisted || a.State == AttemptSynced
}
