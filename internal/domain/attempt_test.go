package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (SubmissionAttempt{}).TableName() != "submission_attempts" {
		t.Fatalf("SubmissionAttempt.TableName() = %q", (SubmissionAttempt{}).TableName())
	}
	if (SyncEvent{}).TableName() != "sync_events" {
		t.Fatalf("SyncEvent.TableName() = %q", (SyncEvent{}).TableName())
	}
}

func TestSubmissionAttempt_Migration_UniqueSessionKey(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&SubmissionAttempt{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasIndex(&SubmissionAttempt{}, "ux_session_key") {
		t.Fatalf("expected composite index ux_session_key")
	}

	now := time.Now().UTC()
	first := &SubmissionAttempt{
		ID: "a1", SessionID: "s1", Key: "k1", Prefix: "PB", SampleID: "PB000001",
		State: AttemptGenerated, ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(first).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := &SubmissionAttempt{
		ID: "a2", SessionID: "s1", Key: "k1", Prefix: "PB", SampleID: "PB000002",
		State: AttemptGenerated, ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on (session_id, key)")
	}

	// Same key in another session is a different submission.
	other := &SubmissionAttempt{
		ID: "a3", SessionID: "s2", Key: "k1", Prefix: "CB", SampleID: "CB000002",
		State: AttemptGenerated, ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(other).Error; err != nil {
		t.Fatalf("insert other session: %v", err)
	}
}

func TestSubmissionAttempt_Done(t *testing.T) {
	cases := map[string]bool{
		AttemptGenerated: false,
		AttemptFailed:    false,
		AttemptPersisted: true,
		AttemptSynced:    true,
	}
	for state, want := range cases {
		if got := (SubmissionAttempt{State: state}).Done(); got != want {
			t.Errorf("Done() for %s = %v; want %v", state, got, want)
		}
	}
}

func TestSyncEvent_DirectionCheck(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&SyncEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ok := &SyncEvent{ID: "e1", Direction: DirectionUpload, RemoteName: "r.xlsx", LocalPath: "/tmp/r.xlsx", OK: true}
	if err := db.Create(ok).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	bad := &SyncEvent{ID: "e2", Direction: "sideways", RemoteName: "r.xlsx", LocalPath: "/tmp/r.xlsx"}
	if err := db.Create(bad).Error; err == nil {
		t.Fatalf("expected CHECK violation for direction")
	}
}
