package data

import (
	"testing"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/testutil"
)

func TestPostgresStoreContract(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	runStoreContract(t, func(t *testing.T) (core.JobRepository, core.ReportRepository) {
		db := testutil.SetupTestDB(t)
		return NewJobRepo(db, RepoConfig{}), NewReportRepo(db)
	})
}

func TestPostgresSweepLock(t *testing.T) {
	db := testutil.SetupTestDB(t)
	runSweepLockContract(t, NewJobRepo(db, RepoConfig{}))
}
