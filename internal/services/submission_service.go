// Package services – SubmissionService
//
// This file implements the submission coordinator. One submission walks
// Idle → SyncingDown → Collecting → Generating → Persisting → SyncingUp → Done,
// with Error reachable from every state but Done. Collecting is owned by the
// form front-end: the record arrives already filled in.
//
// A submission is identified by (session id, key). The attempt row written to
// the database right after the identifier is allocated is the re-entrancy
// guard: a second call with the same pair never allocates a second ledger row.
//
// Remote failures never abort a submission; they come back as warnings and
// the local files stay authoritative until the next successful upload.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/observability"
	"github.com/tbourn/biobank-intake/internal/repo"
)

// File kinds accepted by PushFile.
const (
	FileRecords = "records"
	FileLedger  = "ledger"
)

// Default remote names of the two mirrors.
const (
	DefaultRecordsRemote = "respuestas.xlsx"
	DefaultLedgerRemote  = "identificacion.csv"
)

// Phase is a state of the submission state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSyncingDown Phase = "syncing_down"
	PhaseCollecting  Phase = "collecting"
	PhaseGenerating  Phase = "generating"
	PhasePersisting  Phase = "persisting"
	PhaseSyncingUp   Phase = "syncing_up"
	PhaseDone        Phase = "done"
	PhaseError       Phase = "error"
)

// IdentifierLedger allocates sample identifiers.
type IdentifierLedger interface {
	EnsureInitialized(ctx context.Context) error
	Next(ctx context.Context, prefix string) (domain.SampleIdentifier, error)
	Path() string
	Replace(ctx context.Context, content []byte) error
}

// RecordStore appends questionnaire responses to the local table.
type RecordStore interface {
	// AppendOnce appends rec unless a row with its sample identifier exists,
	// in which case that row's ID is returned with existed set.
	AppendOnce(ctx context.Context, rec domain.ResponseRecord) (id int, existed bool, err error)
	Path() string
	Replace(ctx context.Context, content []byte) error
}

// SyncGateway opens sessions against the remote mirror.
type SyncGateway interface {
	Enabled() bool
	Connect(ctx context.Context) (SyncSession, error)
}

// SyncSession transfers files within one remote session.
type SyncSession interface {
	Download(ctx context.Context, name, localPath string) (int64, error)
	Upload(ctx context.Context, localPath, name string) (int64, error)
	Close() error
}

// Locker runs fn while holding the lock shared with the ledger and the store.
type Locker interface {
	With(ctx context.Context, fn func() error) error
}

// Notifier is told about every successful upload of a mirror.
type Notifier interface {
	Enabled() bool
	FileUpdated(kind, localPath string) error
}

// AttemptRepo persists submission attempts and the transfer journal.
type AttemptRepo interface {
	// GetAttempt returns the live attempt for (sessionID, key) or
	// gorm.ErrRecordNotFound.
	GetAttempt(ctx context.Context, db *gorm.DB, sessionID, key string, now time.Time) (*domain.SubmissionAttempt, error)

	// CreateAttempt registers a new attempt in the "generated" state.
	CreateAttempt(ctx context.Context, db *gorm.DB, sessionID, key, prefix, sampleID string, payload []byte, ttl time.Duration) (*domain.SubmissionAttempt, error)

	// MarkAttempt moves an attempt to state.
	MarkAttempt(ctx context.Context, db *gorm.DB, id, state string, recordID int, lastErr string) error

	// ListAttemptIDs returns the IDs of all attempts in state.
	ListAttemptIDs(ctx context.Context, db *gorm.DB, state string) ([]string, error)

	// MarkAttemptsSynced moves the listed persisted attempts to "synced".
	MarkAttemptsSynced(ctx context.Context, db *gorm.DB, ids []string) (int64, error)

	// CreateSyncEvent journals one transfer.
	CreateSyncEvent(ctx context.Context, db *gorm.DB, ev *domain.SyncEvent) error
}

// SubmitRequest is one completed questionnaire.
type SubmitRequest struct {
	SessionID string
	Key       string
	Prefix    string
	Origin    string
	Record    domain.ResponseRecord
}

// Outcome describes where a submission ended up.
type Outcome struct {
	SessionID string   `json:"session_id"`
	Key       string   `json:"key"`
	SampleID  string   `json:"sample_id"`
	RecordID  int      `json:"record_id,omitempty"`
	State     string   `json:"state"`
	Replayed  bool     `json:"replayed"`
	Warnings  []string `json:"warnings,omitempty"`
	Phases    []Phase  `json:"phases"`
}

// SubmissionService coordinates the ledger, the record store and the remote
// mirror for each submission.
type SubmissionService struct {
	DB       *gorm.DB
	Repo     AttemptRepo
	Ledger   IdentifierLedger
	Store    RecordStore
	Gateway  SyncGateway
	Notifier Notifier

	// Lock, when set, is held while a download replaces a local file so that
	// it never interleaves with an append.
	Lock Locker

	RecordsRemote string
	LedgerRemote  string
	AttemptTTL    time.Duration

	// Now is the clock used for attempt expiry. Defaults to time.Now.
	Now func() time.Time

	keys keyedMutex
}

// NewSubmissionService wires a coordinator with the default remote names and
// a 24h attempt TTL.
func NewSubmissionService(db *gorm.DB, r AttemptRepo, l IdentifierLedger, st RecordStore, gw SyncGateway, n Notifier) *SubmissionService {
	return &SubmissionService{
		DB:            db,
		Repo:          r,
		Ledger:        l,
		Store:         st,
		Gateway:       gw,
		Notifier:      n,
		RecordsRemote: DefaultRecordsRemote,
		LedgerRemote:  DefaultLedgerRemote,
		AttemptTTL:    24 * time.Hour,
	}
}

// Submit runs the full pipeline for one questionnaire. When the (session, key)
// pair already persisted its record, the stored outcome is returned without
// touching any file. When it only got as far as allocating an identifier, that
// identifier is reused.
//
// A non-nil Outcome is returned alongside persistence errors so that callers
// can report the identifier kept for Retry.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	ctx, span := otel.Tracer("services/SubmissionService").Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("submission.key", req.Key),
		),
	)
	defer span.End()

	sessionID, key := strings.TrimSpace(req.SessionID), strings.TrimSpace(req.Key)
	if sessionID == "" || key == "" {
		return nil, ErrMissingSession
	}
	prefix, err := domain.NormalizePrefix(domain.PrefixForOrigin(req.Origin, req.Prefix))
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req.Record)
	if err != nil {
		return nil, fmt.Errorf("%w: encode record: %w", domain.ErrValidation, err)
	}

	unlock := s.keys.lock(sessionID + "\x00" + key)
	defer unlock()

	out := &Outcome{SessionID: sessionID, Key: key, Phases: []Phase{PhaseIdle}}
	run := &syncRun{svc: s}
	defer run.close()

	att, err := s.Repo.GetAttempt(ctx, s.DB, sessionID, key, s.now())
	switch {
	case err == nil && att.Done():
		return s.replay(out, att), nil

	case err == nil:
		// The local ledger is already ahead of the remote copy, so there is no
		// sync-down for a resumed attempt.
		out.Phases = append(out.Phases, PhaseCollecting, PhaseGenerating)
		rec := req.Record
		if rec.Len() == 0 {
			if rec, err = decodePayload(att.Payload); err != nil {
				return s.fail(ctx, span, out, att, err)
			}
		}
		log.Info().Str("session", sessionID).Str("sample_id", att.SampleID).Str("state", att.State).
			Msg("reusing identifier of unfinished attempt")
		return s.persist(ctx, span, run, out, att, rec)

	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("%w: load attempt: %w", domain.ErrStorage, err)
	}

	out.Phases = append(out.Phases, PhaseSyncingDown)
	s.syncDown(ctx, run)

	out.Phases = append(out.Phases, PhaseCollecting, PhaseGenerating)
	id, err := s.Ledger.Next(ctx, prefix)
	if err != nil {
		return s.fail(ctx, span, out, nil, err)
	}
	out.SampleID = id.String()
	span.SetAttributes(attribute.String("sample.id", id.String()))

	att, err = s.Repo.CreateAttempt(ctx, s.DB, sessionID, key, prefix, id.String(), payload, s.AttemptTTL)
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Str("sample_id", id.String()).
			Msg("identifier allocated but attempt not recorded")
		if errors.Is(err, repo.ErrDuplicate) {
			return s.fail(ctx, span, out, nil, ErrAttemptConflict)
		}
		return s.fail(ctx, span, out, nil, fmt.Errorf("%w: record attempt: %w", domain.ErrStorage, err))
	}
	return s.persist(ctx, span, run, out, att, req.Record)
}

// Retry re-runs persistence and sync-up for an attempt that failed, using the
// payload and identifier stored with it.
func (s *SubmissionService) Retry(ctx context.Context, sessionID, key string) (*Outcome, error) {
	ctx, span := otel.Tracer("services/SubmissionService").Start(ctx, "Retry",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("submission.key", key),
		),
	)
	defer span.End()

	sessionID, key = strings.TrimSpace(sessionID), strings.TrimSpace(key)
	if sessionID == "" || key == "" {
		return nil, ErrMissingSession
	}

	unlock := s.keys.lock(sessionID + "\x00" + key)
	defer unlock()

	att, err := s.Repo.GetAttempt(ctx, s.DB, sessionID, key, s.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load attempt: %w", domain.ErrStorage, err)
	}

	out := &Outcome{SessionID: sessionID, Key: key, SampleID: att.SampleID, Phases: []Phase{PhaseIdle}}
	if att.Done() {
		return s.replay(out, att), nil
	}
	rec, err := decodePayload(att.Payload)
	if err != nil {
		return s.fail(ctx, span, out, att, err)
	}

	run := &syncRun{svc: s}
	defer run.close()
	return s.persist(ctx, span, run, out, att, rec)
}

// SyncDown refreshes both local mirrors from the remote directory and makes
// sure a ledger exists. Transfer problems are returned as warnings.
func (s *SubmissionService) SyncDown(ctx context.Context) ([]string, error) {
	ctx, span := otel.Tracer("services/SubmissionService").Start(ctx, "SyncDown")
	defer span.End()

	run := &syncRun{svc: s}
	defer run.close()
	s.syncDown(ctx, run)
	if err := s.Ledger.EnsureInitialized(ctx); err != nil {
		span.RecordError(err)
		return run.warnings, err
	}
	return run.warnings, nil
}

// SyncUp pushes both local mirrors to the remote directory. When both uploads
// succeed, attempts that were waiting for an upload become "synced".
func (s *SubmissionService) SyncUp(ctx context.Context) ([]string, error) {
	ctx, span := otel.Tracer("services/SubmissionService").Start(ctx, "SyncUp")
	defer span.End()

	run := &syncRun{svc: s}
	defer run.close()
	s.syncUp(ctx, run)
	return run.warnings, nil
}

// PushFile replaces one local mirror with content, uploads it and notifies
// the configured recipients.
func (s *SubmissionService) PushFile(ctx context.Context, kind string, content []byte) ([]string, error) {
	ctx, span := otel.Tracer("services/SubmissionService").Start(ctx, "PushFile",
		trace.WithAttributes(attribute.String("file.kind", kind)),
	)
	defer span.End()

	var (
		local, remote, label string
		err                  error
	)
	switch kind {
	case FileRecords:
		err = s.Store.Replace(ctx, content)
		local, remote, label = s.Store.Path(), s.RecordsRemote, "XLSX"
	case FileLedger:
		err = s.Ledger.Replace(ctx, content)
		local, remote, label = s.Ledger.Path(), s.LedgerRemote, "CSV"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFileKind, kind)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	run := &syncRun{svc: s}
	defer run.close()
	if sess := run.session(ctx); sess != nil && s.upload(ctx, run, sess, local, remote) {
		s.notify(run, label, local)
	}
	return run.warnings, nil
}

// persist appends rec under the attempt's identifier and pushes the mirrors.
func (s *SubmissionService) persist(ctx context.Context, span trace.Span, run *syncRun, out *Outcome, att *domain.SubmissionAttempt, rec domain.ResponseRecord) (*Outcome, error) {
	out.SampleID = att.SampleID
	out.Phases = append(out.Phases, PhasePersisting)

	rec = rec.Clone()
	rec.Set(domain.FieldSampleID, att.SampleID)
	recordID, existed, err := s.Store.AppendOnce(ctx, rec)
	if err != nil {
		return s.fail(ctx, span, out, att, err)
	}
	if existed {
		// An earlier run appended the row but never recorded it.
		log.Warn().Str("session", out.SessionID).Str("sample_id", att.SampleID).Int("record_id", recordID).
			Msg("record already in table; reusing its row")
	}
	out.RecordID = recordID
	out.State = domain.AttemptPersisted
	s.mark(ctx, att, domain.AttemptPersisted, recordID, "")

	out.Phases = append(out.Phases, PhaseSyncingUp)
	if s.syncUp(ctx, run) {
		out.State = domain.AttemptSynced
		s.mark(ctx, att, domain.AttemptSynced, recordID, "")
	}
	out.Phases = append(out.Phases, PhaseDone)
	out.Warnings = run.warnings

	log.Info().
		Str("session", out.SessionID).
		Str("sample_id", out.SampleID).
		Int("record_id", recordID).
		Str("state", out.State).
		Int("warnings", len(out.Warnings)).
		Msg("submission completed")
	observability.ObserveSubmission(out.State)
	return out, nil
}

// fail moves the submission to the error phase. The attempt, when there is
// one, keeps its payload so Retry can pick it up.
func (s *SubmissionService) fail(ctx context.Context, span trace.Span, out *Outcome, att *domain.SubmissionAttempt, err error) (*Outcome, error) {
	span.RecordError(err)
	out.Phases = append(out.Phases, PhaseError)
	out.State = domain.AttemptFailed
	if att != nil {
		s.mark(ctx, att, domain.AttemptFailed, 0, err.Error())
	}
	log.Error().Err(err).Str("session", out.SessionID).Str("sample_id", out.SampleID).Msg("submission failed")
	observability.ObserveSubmission(domain.AttemptFailed)
	return out, err
}

func (s *SubmissionService) replay(out *Outcome, att *domain.SubmissionAttempt) *Outcome {
	out.SampleID = att.SampleID
	out.RecordID = att.RecordID
	out.State = att.State
	out.Replayed = true
	out.Phases = append(out.Phases, PhaseDone)
	observability.ObserveSubmission("replayed")
	return out
}

func (s *SubmissionService) mark(ctx context.Context, att *domain.SubmissionAttempt, state string, recordID int, lastErr string) {
	if err := s.Repo.MarkAttempt(ctx, s.DB, att.ID, state, recordID, lastErr); err != nil {
		log.Warn().Err(err).Str("attempt", att.ID).Str("state", state).Msg("update submission attempt")
		return
	}
	att.State, att.RecordID, att.LastError = state, recordID, lastErr
}

// syncDown downloads the record table, then the ledger. When some persisted
// record has not reached the remote yet the local files are ahead, so they
// are pushed first; if that push fails the download is skipped.
func (s *SubmissionService) syncDown(ctx context.Context, run *syncRun) {
	sess := run.session(ctx)
	if sess == nil {
		return
	}
	pending, err := s.Repo.ListAttemptIDs(ctx, s.DB, domain.AttemptPersisted)
	if err != nil {
		run.warn(fmt.Errorf("%w: list unsynced attempts: %w; download skipped", domain.ErrStorage, err))
		return
	}
	if len(pending) > 0 {
		log.Info().Int("pending", len(pending)).Msg("local mirrors ahead of remote; pushing before download")
		if !s.syncUp(ctx, run) {
			run.warn(fmt.Errorf("%w: %d unsynced record(s) kept locally; download skipped", domain.ErrTransfer, len(pending)))
			return
		}
	}
	s.download(ctx, run, sess, s.RecordsRemote, s.Store.Path())
	s.download(ctx, run, sess, s.LedgerRemote, s.Ledger.Path())
}

// syncUp uploads the record table, then the ledger, and reports whether both
// made it. Attempts persisted before the upload started are contained in the
// uploaded files, so on success exactly those are marked synced.
func (s *SubmissionService) syncUp(ctx context.Context, run *syncRun) bool {
	sess := run.session(ctx)
	if sess == nil {
		return false
	}
	pending, err := s.Repo.ListAttemptIDs(ctx, s.DB, domain.AttemptPersisted)
	if err != nil {
		log.Warn().Err(err).Msg("list unsynced attempts")
	}

	recordsOK := s.upload(ctx, run, sess, s.Store.Path(), s.RecordsRemote)
	if recordsOK {
		s.notify(run, "XLSX", s.Store.Path())
	}
	ledgerOK := s.upload(ctx, run, sess, s.Ledger.Path(), s.LedgerRemote)
	if !recordsOK || !ledgerOK {
		return false
	}
	if n, err := s.Repo.MarkAttemptsSynced(ctx, s.DB, pending); err != nil {
		log.Warn().Err(err).Int("pending", len(pending)).Msg("mark attempts synced")
	} else if n > 0 {
		log.Info().Int64("attempts", n).Msg("pending uploads completed")
	}
	return true
}

func (s *SubmissionService) download(ctx context.Context, run *syncRun, sess SyncSession, name, local string) bool {
	var n int64
	err := s.withLock(ctx, func() error {
		var err error
		n, err = sess.Download(ctx, name, local)
		return err
	})
	s.journal(ctx, domain.DirectionDownload, name, local, n, err)
	if err != nil {
		run.warn(fmt.Errorf("download %s: %w", name, err))
		return false
	}
	return true
}

func (s *SubmissionService) upload(ctx context.Context, run *syncRun, sess SyncSession, local, name string) bool {
	n, err := sess.Upload(ctx, local, name)
	s.journal(ctx, domain.DirectionUpload, name, local, n, err)
	if err != nil {
		run.warn(fmt.Errorf("upload %s: %w", name, err))
		return false
	}
	return true
}

func (s *SubmissionService) notify(run *syncRun, label, local string) {
	if s.Notifier == nil || !s.Notifier.Enabled() {
		return
	}
	if err := s.Notifier.FileUpdated(label, local); err != nil {
		run.warn(fmt.Errorf("notification for %s not queued: %w", label, err))
	}
}

func (s *SubmissionService) journal(ctx context.Context, direction, name, local string, n int64, err error) {
	observability.ObserveTransfer(direction, n, err)
	ev := &domain.SyncEvent{
		Direction:  direction,
		RemoteName: name,
		LocalPath:  local,
		OK:         err == nil,
		Bytes:      n,
		CreatedAt:  s.now(),
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Bytes = 0
	}
	if jerr := s.Repo.CreateSyncEvent(ctx, s.DB, ev); jerr != nil {
		log.Warn().Err(jerr).Str("remote", name).Msg("journal sync event")
	}
}

func (s *SubmissionService) withLock(ctx context.Context, fn func() error) error {
	if s.Lock == nil {
		return fn()
	}
	return s.Lock.With(ctx, fn)
}

func (s *SubmissionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func decodePayload(b []byte) (domain.ResponseRecord, error) {
	var rec domain.ResponseRecord
	if len(b) == 0 {
		return rec, fmt.Errorf("%w: attempt has no stored record", domain.ErrStorage)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("%w: decode stored record: %w", domain.ErrStorage, err)
	}
	return rec, nil
}

// syncRun holds the remote session of one operation. The connection is
// attempted once; after a failure the operation stays local-only.
type syncRun struct {
	svc      *SubmissionService
	sess     SyncSession
	tried    bool
	warnings []string
}

func (r *syncRun) session(ctx context.Context) SyncSession {
	if r.tried {
		return r.sess
	}
	r.tried = true
	gw := r.svc.Gateway
	if gw == nil || !gw.Enabled() {
		r.warn(fmt.Errorf("%w: remote not configured, working on local files only", domain.ErrConnection))
		return nil
	}
	sess, err := gw.Connect(ctx)
	if err != nil {
		r.warn(err)
		return nil
	}
	r.sess = sess
	return sess
}

func (r *syncRun) warn(err error) {
	log.Warn().Err(err).Msg("sync degraded")
	r.warnings = append(r.warnings, err.Error())
}

func (r *syncRun) close() {
	if r.sess == nil {
		return
	}
	if err := r.sess.Close(); err != nil {
		log.Warn().Err(err).Msg("close remote session")
	}
	r.sess = nil
}

// keyedMutex serializes callers sharing a key. Entries are dropped once no
// caller holds or waits for them. The zero value is ready to use.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyedEntry)
	}
	e, ok := k.m[key]
	if !ok {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
