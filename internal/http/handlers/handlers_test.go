package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/filelock"
	"github.com/tbourn/biobank-intake/internal/http/middleware"
	"github.com/tbourn/biobank-intake/internal/ledger"
	"github.com/tbourn/biobank-intake/internal/records"
	"github.com/tbourn/biobank-intake/internal/repo"
	"github.com/tbourn/biobank-intake/internal/services"
)

// ---------- fakes ----------

type fakeCoordinator struct {
	mu sync.Mutex

	submitOut *services.Outcome
	submitErr error
	lastReq   services.SubmitRequest

	retryOut     *services.Outcome
	retryErr     error
	retrySession string
	retryKey     string

	syncWarnings []string
	syncErr      error
	downCalls    int
	upCalls      int

	pushKind string
	pushBody []byte
	pushErr  error
}

func (f *fakeCoordinator) Submit(_ context.Context, req services.SubmitRequest) (*services.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	return f.submitOut, f.submitErr
}

func (f *fakeCoordinator) Retry(_ context.Context, sessionID, key string) (*services.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrySession, f.retryKey = sessionID, key
	return f.retryOut, f.retryErr
}

func (f *fakeCoordinator) SyncDown(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downCalls++
	return f.syncWarnings, f.syncErr
}

func (f *fakeCoordinator) SyncUp(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upCalls++
	return f.syncWarnings, f.syncErr
}

func (f *fakeCoordinator) PushFile(_ context.Context, kind string, content []byte) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushKind, f.pushBody = kind, content
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if kind != services.FileRecords && kind != services.FileLedger {
		return nil, services.ErrUnknownFileKind
	}
	return f.syncWarnings, nil
}

// ---------- fixtures ----------

type fixture struct {
	svc    *fakeCoordinator
	store  *records.Store
	ledger *ledger.Ledger
	db     *gorm.DB
	router *gin.Engine
}

func newHandlersDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	lock := filelock.New(filepath.Join(dir, "intake.lock"), time.Second)
	f := &fixture{
		svc:    &fakeCoordinator{},
		store:  records.New(filepath.Join(dir, "respuestas.xlsx"), lock),
		ledger: ledger.New(filepath.Join(dir, "identificacion.csv"), lock),
		db:     newHandlersDB(t),
	}

	h := New(f.svc, f.store, f.ledger, f.db)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.SubmissionIdentity(middleware.SubmissionOptions{}, nil))
	r.POST("/submissions", h.Submit)
	r.POST("/submissions/:key/retry", h.Retry)
	r.GET("/records", h.ListRecords)
	r.GET("/identifiers/last", h.LastIdentifier)
	r.GET("/files/:kind", h.DownloadFile)
	r.PUT("/files/:kind", h.UploadFile)
	r.POST("/sync/pull", h.Pull)
	r.POST("/sync/push", h.Push)
	r.GET("/sync/events", h.ListSyncEvents)
	r.GET("/stats", h.Stats)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) appendRecords(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := domain.NewResponseRecord(
			domain.Field{Name: domain.FieldSampleID, Value: id},
			domain.Field{Name: "Origen", Value: "Paciente"},
		)
		if _, err := f.store.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v (body=%s)", err, w.Body.String())
	}
	return v
}

var identity = map[string]string{
	middleware.HeaderSessionID:      "sess-1",
	middleware.HeaderIdempotencyKey: "form-1",
	"Content-Type":                  "application/json",
}

// ---------- submissions ----------

func TestSubmit_CreatedPassesIdentityAndPayload(t *testing.T) {
	f := newFixture(t)
	f.svc.submitOut = &services.Outcome{SessionID: "sess-1", Key: "form-1", SampleID: "PB000003", RecordID: 1, State: domain.AttemptSynced}

	body := []byte(`{"prefix":"PB","origin":"Paciente","responses":{"Nombre":"Ana","Edad":41}}`)
	w := f.do(t, http.MethodPost, "/submissions", body, identity)

	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	out := decode[services.Outcome](t, w)
	if out.SampleID != "PB000003" || out.RecordID != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	req := f.svc.lastReq
	if req.SessionID != "sess-1" || req.Key != "form-1" || req.Prefix != "PB" || req.Origin != "Paciente" {
		t.Fatalf("unexpected request: %+v", req)
	}
	fields := req.Record.Fields()
	if len(fields) != 2 || fields[0].Name != "Nombre" || fields[1].Name != "Edad" {
		t.Fatalf("field order lost: %+v", fields)
	}
}

func TestSubmit_ReplayIs200(t *testing.T) {
	f := newFixture(t)
	f.svc.submitOut = &services.Outcome{SampleID: "PB000003", State: domain.AttemptSynced, Replayed: true}

	w := f.do(t, http.MethodPost, "/submissions", []byte(`{"prefix":"PB","responses":{}}`), identity)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSubmit_BadJSON(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/submissions", []byte(`{`), identity)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decode[ErrorResponse](t, w); er.Code != ErrCodeBadRequest {
		t.Fatalf("code=%s", er.Code)
	}
}

func TestSubmit_StorageFailureKeepsIdentifierInDetails(t *testing.T) {
	f := newFixture(t)
	f.svc.submitOut = &services.Outcome{SampleID: "CB000007", State: domain.AttemptFailed}
	f.svc.submitErr = fmt.Errorf("%w: workbook locked by another program", domain.ErrStorage)

	w := f.do(t, http.MethodPost, "/submissions", []byte(`{"prefix":"CB","responses":{}}`), identity)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	er := decode[struct {
		Code    string           `json:"code"`
		Details services.Outcome `json:"details"`
	}](t, w)
	if er.Code != ErrCodeStorage || er.Details.SampleID != "CB000007" || er.Details.State != domain.AttemptFailed {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestSubmit_LockTimeoutHasRetryAfter(t *testing.T) {
	f := newFixture(t)
	f.svc.submitErr = fmt.Errorf("%w: 10s", domain.ErrLockTimeout)

	w := f.do(t, http.MethodPost, "/submissions", []byte(`{"prefix":"PB","responses":{}}`), identity)
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") != lockRetryAfter {
		t.Fatalf("status=%d retry-after=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestRetry_KeyFromPath(t *testing.T) {
	f := newFixture(t)
	f.svc.retryOut = &services.Outcome{SampleID: "PB000009", State: domain.AttemptSynced}

	w := f.do(t, http.MethodPost, "/submissions/form-9/retry", nil, map[string]string{middleware.HeaderSessionID: "sess-9"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if f.svc.retrySession != "sess-9" || f.svc.retryKey != "form-9" {
		t.Fatalf("retry got (%q,%q)", f.svc.retrySession, f.svc.retryKey)
	}
}

func TestRetry_NotFound(t *testing.T) {
	f := newFixture(t)
	f.svc.retryErr = services.ErrAttemptNotFound

	w := f.do(t, http.MethodPost, "/submissions/nope/retry", nil, map[string]string{middleware.HeaderSessionID: "sess-9"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decode[ErrorResponse](t, w); er.Code != ErrCodeNoAttempt {
		t.Fatalf("code=%s", er.Code)
	}
}

// ---------- mirrors ----------

func TestListRecords_MissingWorkbookIsEmpty(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/records", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Header().Get("ETag") != "" {
		t.Fatalf("no ETag expected without a workbook")
	}
	resp := decode[RecordsResponse](t, w)
	if len(resp.Records) != 0 || resp.Pagination.Total != 0 {
		t.Fatalf("unexpected: %+v", resp)
	}
}

func TestListRecords_PaginationFilterAndETag(t *testing.T) {
	f := newFixture(t)
	f.appendRecords(t, "PB000001", "CB000002", "PB000003")

	w := f.do(t, http.MethodGet, "/records?page=2&page_size=2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var page struct {
		Columns    []string         `json:"columns"`
		Records    []map[string]any `json:"records"`
		Pagination Pagination       `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("json: %v", err)
	}
	if page.Pagination.Total != 3 || page.Pagination.TotalPages != 2 || page.Pagination.HasNext {
		t.Fatalf("pagination: %+v", page.Pagination)
	}
	if len(page.Records) != 1 || page.Records[0][domain.FieldSampleID] != "PB000003" {
		t.Fatalf("records: %+v", page.Records)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "private, no-cache" {
		t.Fatalf("Cache-Control=%q", cc)
	}
	w = f.do(t, http.MethodGet, "/records", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional status=%d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/records?sample_id=CB000002", nil, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("json: %v", err)
	}
	if page.Pagination.Total != 1 || page.Records[0][domain.FieldSampleID] != "CB000002" {
		t.Fatalf("filter: %+v", page)
	}
}

func TestListRecords_CorruptWorkbook(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.store.Path(), []byte("not a workbook"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := f.do(t, http.MethodGet, "/records", nil, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decode[ErrorResponse](t, w); er.Code != ErrCodeStorage {
		t.Fatalf("code=%s", er.Code)
	}
}

func TestLastIdentifier(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodGet, "/identifiers/last", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("empty ledger status=%d", w.Code)
	}

	if err := os.WriteFile(f.ledger.Path(), []byte("id,prefijo\n1,PB\n2,CB\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := f.do(t, http.MethodGet, "/identifiers/last", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	got := decode[IdentifierResponse](t, w)
	if got.Sequence != 2 || got.Prefix != "CB" || got.SampleID != "CB000002" {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestDownloadFile(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodGet, "/files/ledger", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing file status=%d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/files/photos", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind status=%d", w.Code)
	}

	content := "id,prefijo\n1,PB\n"
	if err := os.WriteFile(f.ledger.Path(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	w := f.do(t, http.MethodGet, "/files/ledger", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != content {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	if w := f.do(t, http.MethodGet, "/files/ledger", nil, map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("conditional status=%d", w.Code)
	}
}

func TestUploadFile(t *testing.T) {
	f := newFixture(t)
	f.svc.syncWarnings = []string{"remote unavailable"}

	w := f.do(t, http.MethodPut, "/files/ledger", []byte("id,prefijo\n1,PB\n"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[FileResponse](t, w)
	if resp.Kind != "ledger" || resp.Bytes != 16 || len(resp.Warnings) != 1 {
		t.Fatalf("unexpected: %+v", resp)
	}
	if f.svc.pushKind != "ledger" || string(f.svc.pushBody) != "id,prefijo\n1,PB\n" {
		t.Fatalf("push got %q %q", f.svc.pushKind, f.svc.pushBody)
	}

	if w := f.do(t, http.MethodPut, "/files/ledger", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty body status=%d", w.Code)
	} else if er := decode[ErrorResponse](t, w); er.Code != ErrCodeEmptyDocument {
		t.Fatalf("code=%s", er.Code)
	}

	if w := f.do(t, http.MethodPut, "/files/photos", []byte("x"), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind status=%d", w.Code)
	}
}

func TestUploadFile_TooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(&fakeCoordinator{}, nil, nil, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 4)
		c.Next()
	})
	r.PUT("/files/:kind", h.UploadFile)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/files/ledger", bytes.NewReader([]byte("0123456789"))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d", w.Code)
	}
}

// ---------- sync ----------

func TestPullAndPush_WarningsNeverNil(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/sync/pull", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != `{"warnings":[]}` {
		t.Fatalf("pull status=%d body=%s", w.Code, w.Body.String())
	}

	f.svc.syncWarnings = []string{"upload respuestas.xlsx: transfer failed"}
	w = f.do(t, http.MethodPost, "/sync/push", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("push status=%d", w.Code)
	}
	if resp := decode[WarningsResponse](t, w); len(resp.Warnings) != 1 {
		t.Fatalf("warnings: %+v", resp)
	}
	if f.svc.downCalls != 1 || f.svc.upCalls != 1 {
		t.Fatalf("down=%d up=%d", f.svc.downCalls, f.svc.upCalls)
	}
}

func TestPull_LedgerInitFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.syncErr = fmt.Errorf("%w: create ledger", domain.ErrStorage)
	w := f.do(t, http.MethodPost, "/sync/pull", nil, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestListSyncEvents_PageAndETag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, dir := range []string{domain.DirectionDownload, domain.DirectionUpload, domain.DirectionUpload} {
		ev := &domain.SyncEvent{Direction: dir, RemoteName: "identificacion.csv", LocalPath: "/tmp/x", OK: i != 2, Bytes: int64(10 * i)}
		if err := repo.CreateSyncEvent(ctx, f.db, ev); err != nil {
			t.Fatalf("CreateSyncEvent: %v", err)
		}
	}

	w := f.do(t, http.MethodGet, "/sync/events?page=1&page_size=2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	resp := decode[SyncEventsResponse](t, w)
	if len(resp.Events) != 2 || resp.Pagination.Total != 3 || !resp.Pagination.HasNext {
		t.Fatalf("unexpected: %+v", resp)
	}

	etag := w.Header().Get("ETag")
	if w := f.do(t, http.MethodGet, "/sync/events", nil, map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("conditional status=%d", w.Code)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := repo.CreateAttempt(ctx, f.db, "s1", "k1", "PB", "PB000001", []byte(`{}`), time.Hour)
	if err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := repo.MarkAttempt(ctx, f.db, a.ID, domain.AttemptFailed, 0, "disk full"); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	if _, err := repo.CreateAttempt(ctx, f.db, "s1", "k2", "CB", "CB000002", nil, time.Hour); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	if err := os.WriteFile(f.ledger.Path(), []byte("id,prefijo\n1,PB\n2,CB\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	resp := decode[StatsResponse](t, w)
	if resp.Attempts[domain.AttemptFailed] != 1 || resp.Attempts[domain.AttemptGenerated] != 1 {
		t.Fatalf("attempts: %+v", resp.Attempts)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].Key != "k1" || resp.Failed[0].Error != "disk full" {
		t.Fatalf("failed: %+v", resp.Failed)
	}
	if resp.LastSampleID != "CB000002" || resp.SyncEvents != 0 || resp.LastSync != nil {
		t.Fatalf("unexpected: %+v", resp)
	}
}

// ---------- pagination ----------

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query      string
		page, size int
	}{
		{"", 1, 20},
		{"page=0&page_size=0", 1, 1},
		{"page=3&page_size=500", 3, 100},
		{"page=x&page_size=y", 1, 20},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		p, s := clampPagination(c)
		if p != tc.page || s != tc.size {
			t.Fatalf("%q: got (%d,%d) want (%d,%d)", tc.query, p, s, tc.page, tc.size)
		}
	}
}
