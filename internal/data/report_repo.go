package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
)

// ReportRepo reads reports stored by JobRepo.Complete.
type ReportRepo struct {
	DB *sql.DB
}

var _ core.ReportRepository = (*ReportRepo)(nil)

// NewReportRepo creates a ReportRepo on db.
func NewReportRepo(db *sql.DB) *ReportRepo {
	return &ReportRepo{DB: db}
}

// GetByID returns the report or a not_found error.
func (r *ReportRepo) GetByID(ctx context.Context, id string) (*model.Report, error) {
	var body []byte
	err := r.DB.QueryRowContext(ctx, `SELECT body FROM reports WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reportNotFound(id)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get report: %w", err))
	}
	var rep model.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}
