// Sync and reporting HTTP handlers.
//
//   - POST /sync/pull     (refresh both local mirrors from the remote)
//   - POST /sync/push     (upload both local mirrors)
//   - GET  /sync/events   (transfer journal, paginated, ETag support)
//   - GET  /stats         (attempt counts by state and journal summary)
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/http/middleware"
	"github.com/tbourn/biobank-intake/internal/repo"
)

// SyncEventsResponse wraps a page of the transfer journal.
type SyncEventsResponse struct {
	Events     []domain.SyncEvent `json:"events"`
	Pagination Pagination         `json:"pagination"`
}

// StatsResponse summarizes the attempt cache and the journal.
type StatsResponse struct {
	Attempts     map[string]int64 `json:"attempts"`
	Failed       []FailedAttempt  `json:"failed"`
	SyncEvents   int64            `json:"sync_events"`
	LastSync     *time.Time       `json:"last_sync,omitempty"`
	LastSampleID string           `json:"last_sample_id,omitempty" example:"PB000042"`
}

// FailedAttempt is a retryable submission listed by GET /stats.
type FailedAttempt struct {
	SessionID string    `json:"session_id"`
	Key       string    `json:"key"`
	SampleID  string    `json:"sample_id"`
	Error     string    `json:"error"`
	UpdatedAt time.Time `json:"updated_at"`
}

// failedListLimit caps the failed attempts listed by GET /stats.
const failedListLimit = 20

// Pull godoc
// @ID          syncPull
// @Summary     Refresh local mirrors
// @Description Downloads the record table and the ledger, then makes sure a ledger exists. Transfer problems are warnings.
// @Tags        Sync
// @Produce     json
// @Success     200  {object} handlers.WarningsResponse
// @Failure     500  {object} handlers.ErrorResponse "Ledger could not be initialized"
// @Router      /sync/pull [post]
func (h *Handlers) Pull(c *gin.Context) {
	w, err := h.svc.SyncDown(c.Request.Context())
	if err != nil {
		failErr(c, err, warnings(w))
		return
	}
	ok(c, http.StatusOK, warnings(w))
}

// Push godoc
// @ID          syncPush
// @Summary     Upload local mirrors
// @Tags        Sync
// @Produce     json
// @Success     200  {object} handlers.WarningsResponse
// @Router      /sync/push [post]
func (h *Handlers) Push(c *gin.Context) {
	w, err := h.svc.SyncUp(c.Request.Context())
	if err != nil {
		failErr(c, err, warnings(w))
		return
	}
	ok(c, http.StatusOK, warnings(w))
}

// ListSyncEvents godoc
// @ID          listSyncEvents
// @Summary     Transfer journal (paginated, newest first)
// @Tags        Sync
// @Produce     json
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object} handlers.SyncEventsResponse
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse
// @Router      /sync/events [get]
func (h *Handlers) ListSyncEvents(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	total, latest, err := repo.SyncEventsStats(ctx, h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	var ts int64
	if latest != nil {
		ts = latest.UnixNano()
	}
	etag := fmt.Sprintf(`W/"sync-events:%d:%d"`, total, ts)
	middleware.AllowCache(c)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	events, err := repo.ListSyncEventsPage(ctx, h.db, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if events == nil {
		events = []domain.SyncEvent{}
	}
	ok(c, http.StatusOK, SyncEventsResponse{Events: events, Pagination: newPagination(page, pageSize, total)})
}

// Stats godoc
// @ID          stats
// @Summary     Intake statistics
// @Description Attempt counts by state, the latest failed attempts, the journal size and the last allocated identifier.
// @Tags        Sync
// @Produce     json
// @Success     200  {object} handlers.StatsResponse
// @Failure     500  {object} handlers.ErrorResponse
// @Router      /stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := repo.AttemptCountsByState(ctx, h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	failed, err := repo.ListFailedAttempts(ctx, h.db, failedListLimit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	total, latest, err := repo.SyncEventsStats(ctx, h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	resp := StatsResponse{Attempts: counts, Failed: []FailedAttempt{}, SyncEvents: total, LastSync: latest}
	for _, a := range failed {
		resp.Failed = append(resp.Failed, FailedAttempt{
			SessionID: a.SessionID,
			Key:       a.Key,
			SampleID:  a.SampleID,
			Error:     a.LastError,
			UpdatedAt: a.UpdatedAt,
		})
	}
	if last, err := h.ledger.Last(); err == nil && last.Sequence > 0 {
		resp.LastSampleID = last.SampleIdentifier().String()
	}
	ok(c, http.StatusOK, resp)
}
