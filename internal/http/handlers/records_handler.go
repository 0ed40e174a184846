// Mirror HTTP handlers.
//
//   - GET /records              (local record table, paginated, ETag support)
//   - GET /identifiers/last     (latest ledger row)
//   - GET /files/{kind}         (download the local xlsx or csv)
//   - PUT /files/{kind}         (replace, upload and announce a mirror)
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/http/middleware"
	"github.com/tbourn/biobank-intake/internal/services"
)

// RecordsResponse wraps a page of the record table.
type RecordsResponse struct {
	Columns    []string                `json:"columns"`
	Records    []domain.ResponseRecord `json:"records" swaggertype:"array,object"`
	Pagination Pagination              `json:"pagination"`
}

// IdentifierResponse describes one ledger row.
type IdentifierResponse struct {
	Sequence int    `json:"sequence" example:"42"`
	Prefix   string `json:"prefix" example:"PB"`
	SampleID string `json:"sample_id" example:"PB000042"`
}

// FileResponse is returned by PUT /files/{kind}.
type FileResponse struct {
	Kind     string   `json:"kind" example:"ledger"`
	Bytes    int      `json:"bytes" example:"2048"`
	Warnings []string `json:"warnings"`
}

// fileETag derives a weak validator from the file's size and mtime. It
// returns "" when the file does not exist.
func fileETag(kind, path string) string {
	st, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`W/"%s:%d:%d"`, kind, st.Size(), st.ModTime().UnixNano())
}

// ListRecords godoc
// @ID          listRecords
// @Summary     List submitted records (paginated)
// @Description Returns a page of the local record table. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Mirrors
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       sample_id      query   string  false "Only the row with this sample identifier"  example(PB000042)
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.RecordsResponse
// @Header      200  {string} ETag "Weak ETag for the current file"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Unreadable workbook"
// @Router      /records [get]
func (h *Handlers) ListRecords(c *gin.Context) {
	page, pageSize := clampPagination(c)
	if etag := fileETag(services.FileRecords, h.records.Path()); etag != "" {
		middleware.AllowCache(c)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	tbl, _, err := h.records.ReadAll()
	if err != nil {
		failErr(c, err, nil)
		return
	}
	if sid := c.Query("sample_id"); sid != "" && tbl != nil {
		tbl = tbl.Filter(domain.FieldSampleID, sid)
	}

	total := int64(tbl.Len())
	resp := RecordsResponse{
		Columns:    []string{},
		Records:    []domain.ResponseRecord{},
		Pagination: newPagination(page, pageSize, total),
	}
	if tbl != nil {
		pg := tbl.Page((page-1)*pageSize, pageSize)
		resp.Columns = pg.Columns
		for i := range pg.Rows {
			resp.Records = append(resp.Records, pg.Record(i))
		}
	}
	ok(c, http.StatusOK, resp)
}

// LastIdentifier godoc
// @ID          lastIdentifier
// @Summary     Latest allocated sample identifier
// @Tags        Mirrors
// @Produce     json
// @Success     200  {object} handlers.IdentifierResponse
// @Failure     404  {object} handlers.ErrorResponse "Ledger empty"
// @Router      /identifiers/last [get]
func (h *Handlers) LastIdentifier(c *gin.Context) {
	last, err := h.ledger.Last()
	if err != nil {
		failErr(c, err, nil)
		return
	}
	if last.Sequence == 0 {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "ledger is empty")
		return
	}
	ok(c, http.StatusOK, IdentifierResponse{
		Sequence: last.Sequence,
		Prefix:   last.Prefix,
		SampleID: last.SampleIdentifier().String(),
	})
}

// DownloadFile godoc
// @ID          downloadFile
// @Summary     Download a local mirror
// @Tags        Mirrors
// @Produce     octet-stream
// @Param       kind  path  string  true  "records or ledger"  Enums(records, ledger)
// @Success     200  {file}   file
// @Failure     400  {object} handlers.ErrorResponse "Unknown kind"
// @Failure     404  {object} handlers.ErrorResponse "File not created yet"
// @Router      /files/{kind} [get]
func (h *Handlers) DownloadFile(c *gin.Context) {
	kind := c.Param("kind")
	var path string
	switch kind {
	case services.FileRecords:
		path = h.records.Path()
	case services.FileLedger:
		path = h.ledger.Path()
	default:
		failErr(c, fmt.Errorf("%w: %q", services.ErrUnknownFileKind, kind), nil)
		return
	}
	etag := fileETag(kind, path)
	if etag == "" {
		fail(c, http.StatusNotFound, ErrCodeNotFound, kind+" file does not exist yet")
		return
	}
	middleware.AllowCache(c)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

// UploadFile godoc
// @ID          uploadFile
// @Summary     Replace a mirror
// @Description Replaces the local file after validating it, uploads it and emails the recipients. Upload failures are reported as warnings.
// @Tags        Mirrors
// @Accept      octet-stream
// @Produce     json
// @Param       kind  path  string  true  "records or ledger"  Enums(records, ledger)
// @Success     200  {object} handlers.FileResponse
// @Failure     400  {object} handlers.ErrorResponse "Unknown kind or malformed document"
// @Failure     413  {object} handlers.ErrorResponse "Body too large"
// @Failure     503  {object} handlers.ErrorResponse "Lock timeout, retry later"
// @Router      /files/{kind} [put]
func (h *Handlers) UploadFile(c *gin.Context) {
	kind := c.Param("kind")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "document too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	if len(body) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeEmptyDocument, "empty document")
		return
	}

	w, err := h.svc.PushFile(c.Request.Context(), kind, body)
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusOK, FileResponse{Kind: kind, Bytes: len(body), Warnings: warnings(w).Warnings})
}
