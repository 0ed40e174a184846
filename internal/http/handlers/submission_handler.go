// Submission HTTP handlers.
//
//   - POST /submissions              (generate identifier, persist, sync)
//   - POST /submissions/{key}/retry  (re-run persistence of a failed attempt)
//
// Both require X-Session-ID. The submission key comes from Idempotency-Key
// or the path.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/http/middleware"
	"github.com/tbourn/biobank-intake/internal/services"
)

// SubmitRequest is the JSON payload of a questionnaire submission.
type SubmitRequest struct {
	// Prefix is the chosen sample prefix (PB or CB).
	Prefix string `json:"prefix" example:"PB"`
	// Origin is the questionnaire origin. "Donador control" forces CB.
	Origin string `json:"origin" example:"Paciente"`
	// Responses holds the answers in form order. Keys become columns.
	Responses domain.ResponseRecord `json:"responses" swaggertype:"object"`
}

// Submit godoc
// @ID          submitQuestionnaire
// @Summary     Submit a questionnaire
// @Description Pulls the remote mirrors, allocates the next sample identifier, appends the record and pushes both files. Remote problems are reported as warnings.
// @Tags        Submissions
// @Accept      json
// @Produce     json
//
// @Param       X-Session-ID     header  string  true  "Form session"            example(sess-42)
// @Param       Idempotency-Key  header  string  true  "Submission key"          example(form-1)
// @Param       body             body    handlers.SubmitRequest  true  "Questionnaire"
//
// @Success     201  {object}  services.Outcome  "Created"
// @Success     200  {object}  services.Outcome  "Replay of a completed submission"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     503  {object}  handlers.ErrorResponse  "Lock timeout, retry later"
// @Failure     500  {object}  handlers.ErrorResponse  "Storage failure; details hold the kept identifier"
// @Router      /submissions [post]
func (h *Handlers) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	sessionID, _ := middleware.SessionID(c)
	key, _ := middleware.SubmissionKey(c)

	out, err := h.svc.Submit(c.Request.Context(), services.SubmitRequest{
		SessionID: sessionID,
		Key:       key,
		Prefix:    req.Prefix,
		Origin:    req.Origin,
		Record:    req.Responses,
	})
	writeOutcome(c, out, err)
}

// Retry godoc
// @ID          retrySubmission
// @Summary     Retry a failed submission
// @Description Re-runs persistence and sync-up with the payload and identifier stored for the attempt.
// @Tags        Submissions
// @Produce     json
//
// @Param       X-Session-ID  header  string  true  "Form session"    example(sess-42)
// @Param       key           path    string  true  "Submission key"  example(form-1)
//
// @Success     201  {object}  services.Outcome
// @Success     200  {object}  services.Outcome  "Already completed"
// @Failure     404  {object}  handlers.ErrorResponse  "No live attempt"
// @Failure     503  {object}  handlers.ErrorResponse  "Lock timeout, retry later"
// @Router      /submissions/{key}/retry [post]
func (h *Handlers) Retry(c *gin.Context) {
	sessionID, _ := middleware.SessionID(c)
	key, _ := middleware.SubmissionKey(c)
	out, err := h.svc.Retry(c.Request.Context(), sessionID, key)
	writeOutcome(c, out, err)
}

func writeOutcome(c *gin.Context, out *services.Outcome, err error) {
	if err != nil {
		var details any
		if out != nil {
			details = out
		}
		failErr(c, err, details)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	ok(c, status, out)
}
