// Package mocks provides gomock doubles for the report pipeline ports in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
package mocks

// Create, CreateOnce, GetByID, Transition, Complete, ListStale
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/mmk-report-api/internal/core JobRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=report_repository_mock.go github.com/target/mmk-report-api/internal/core ReportRepository

// Enqueue, Dequeue
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_queue_mock.go github.com/target/mmk-report-api/internal/core JobQueue

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=webhook_verifier_mock.go github.com/target/mmk-report-api/internal/core WebhookVerifier
