package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/mmk-report-api/internal/service"
)

// RouterServices holds everything the HTTP router serves.
type RouterServices struct {
	Jobs    *service.JobService
	Trigger *service.TriggerService
	Logger  *slog.Logger

	// MaxBodyBytes caps JSON request bodies; zero leaves them unbounded.
	MaxBodyBytes int64
	// Compression enables gzip responses at CompressionLevel.
	Compression      bool
	CompressionLevel int
}

// NewRouter builds the report API handler with its middleware chain.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &ReportHandlers{Jobs: services.Jobs, Trigger: services.Trigger, Logger: logger}
	limit := func(next http.HandlerFunc) http.Handler {
		return limitBody(services.MaxBodyBytes, next)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /reports/jobs", limit(h.CreateJob))
	mux.HandleFunc("GET /reports/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /reports/status", h.GetStatus)
	mux.HandleFunc("GET /reports/{id}", h.GetReport)
	mux.Handle("POST /checkout/confirm", limit(h.ConfirmCheckout))
	mux.HandleFunc("POST /webhooks/payment", h.PaymentWebhook)
	mux.HandleFunc("GET /healthz", healthHandler)

	var handler http.Handler = mux
	if services.Compression {
		handler = Compression(CompressionConfig{Level: services.CompressionLevel, Logger: logger})(handler)
	}
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}

func limitBody(n int64, next http.HandlerFunc) http.Handler {
	if n <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next(w, r)
	})
}
