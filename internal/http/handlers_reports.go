// Package httpx exposes the report job API over HTTP.
package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
	"github.com/target/mmk-report-api/internal/service"
)

const (
	// maxWebhookBytes bounds the webhook payload read before signature checks.
	maxWebhookBytes = 1 << 20
	signatureHeader = "Stripe-Signature"
)

// ReportHandlers serves job creation, polling and report retrieval.
type ReportHandlers struct {
	Jobs    *service.JobService
	Trigger *service.TriggerService
	Logger  *slog.Logger
}

type createJobResponse struct {
	JobID string         `json:"job_id"`
	State model.JobState `json:"state"`
}

// CreateJob accepts {address, email[, event_id]} and returns the queued job id.
// A request carrying event_id is idempotent on it.
func (h *ReportHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	var (
		job *model.Job
		err error
	)
	if req.EventID != "" {
		job, _, err = h.Jobs.CreateJobOnce(r.Context(), req)
	} else {
		job, err = h.Jobs.CreateJob(r.Context(), req)
	}
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, State: job.State})
}

// GetJob returns the status view of the job named in the path.
func (h *ReportHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r, r.PathValue("id"))
}

// GetStatus is the query-string form of GetJob.
func (h *ReportHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r, r.URL.Query().Get("job_id"))
}

func (h *ReportHandlers) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		RenderError(w, r, h.Logger, apperrors.ValidationField("job_id", "job_id is required"))
		return
	}
	status, err := h.Jobs.GetStatus(r.Context(), id)
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// GetReport returns a finished report.
func (h *ReportHandlers) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Jobs.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

type confirmCheckoutRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Email     string `json:"email"`
}

type confirmCheckoutResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// ConfirmCheckout is the synchronous confirmation path used by the checkout
// page. The session id is the idempotency key; without one every call creates
// a new job.
func (h *ReportHandlers) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	var req confirmCheckoutRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	var (
		jobID string
		err   error
	)
	if req.SessionID != "" {
		jobID, err = h.Trigger.OnPaymentConfirmed(r.Context(), model.PaymentConfirmedEvent{
			EventID: req.SessionID,
			Address: req.Address,
			Email:   req.Email,
		})
	} else {
		var job *model.Job
		job, err = h.Jobs.CreateJob(r.Context(), model.CreateJobRequest{Address: req.Address, Email: req.Email})
		if job != nil {
			jobID = job.ID
		}
	}
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, confirmCheckoutResponse{Status: "processing", JobID: jobID})
}

type webhookResponse struct {
	OK      bool   `json:"ok"`
	JobID   string `json:"job_id,omitempty"`
	Skipped string `json:"skipped,omitempty"`
}

// PaymentWebhook verifies and handles a payment provider webhook.
func (h *ReportHandlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, ErrorParams{Code: http.StatusRequestEntityTooLarge, ErrCode: "payload_too_large", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return
	}

	out, err := h.Trigger.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, webhookResponse{OK: true, JobID: out.JobID, Skipped: out.Skipped})
}
