// Package handlers exposes the intake core over HTTP.
//
// Handlers are transport-thin: they validate input, call the submission
// coordinator or read the local mirrors, and translate results into HTTP
// responses (including conditional responses).
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/records"
	"github.com/tbourn/biobank-intake/internal/services"
	"github.com/tbourn/biobank-intake/internal/utils"
)

// Coordinator is the part of services.SubmissionService the API drives.
// Implementations must be safe for concurrent use.
type Coordinator interface {
	Submit(ctx context.Context, req services.SubmitRequest) (*services.Outcome, error)
	Retry(ctx context.Context, sessionID, key string) (*services.Outcome, error)
	SyncDown(ctx context.Context) ([]string, error)
	SyncUp(ctx context.Context) ([]string, error)
	PushFile(ctx context.Context, kind string, content []byte) ([]string, error)
}

// RecordReader reads the local record table.
type RecordReader interface {
	ReadAll() (*records.Table, bool, error)
	Path() string
}

// LedgerReader reads the local identifier ledger.
type LedgerReader interface {
	Last() (domain.IdentifierRecord, error)
	Path() string
}

// Handlers groups the HTTP endpoints. DB backs the journal and stats
// endpoints.
type Handlers struct {
	svc     Coordinator
	records RecordReader
	ledger  LedgerReader
	db      *gorm.DB
}

// New returns Handlers bound to the coordinator, the local mirrors and the
// attempt database.
func New(svc Coordinator, rec RecordReader, led LedgerReader, db *gorm.DB) *Handlers {
	return &Handlers{svc: svc, records: rec, ledger: led, db: db}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// WarningsResponse is returned by the sync and file endpoints. Remote
// problems never fail these calls; they are listed here instead.
type WarningsResponse struct {
	Warnings []string `json:"warnings"`
}

// clampPagination parses and bounds the page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		maxPageSize,
	)
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.PageCount(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

func warnings(w []string) WarningsResponse {
	if w == nil {
		w = []string{}
	}
	return WarningsResponse{Warnings: w}
}
