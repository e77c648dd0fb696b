package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/target/mmk-report-api/internal/errors"
)

var errInternal = errors.New("internal server error")

// StatusForError maps an application error to its HTTP status.
func StatusForError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// RenderError writes err as a JSON error body. Only the public message of an
// AppError reaches the client; anything else is logged and reported as internal.
func RenderError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusForError(err)
	code := string(apperrors.GetCode(err))
	if code == "" {
		code = "internal"
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}

	body := map[string]string{
		"error":   code,
		"message": apperrors.PublicMessage(err, errInternal.Error()),
	}
	if field := apperrors.GetField(err); field != "" {
		body["field"] = field
	}
	WriteJSON(w, status, body)
}
