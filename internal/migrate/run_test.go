package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedVersions(t *testing.T) {
	versions, err := embeddedVersions()
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, "0001_report_pipeline", versions[0])
	assert.IsNonDecreasing(t, versions)
}

func TestEmbeddedSchemaDefinesTables(t *testing.T) {
	body, err := migrationsFS.ReadFile("migrations/0001_report_pipeline.sql")
	require.NoError(t, err)
	for _, table := range []string{"report_jobs", "reports"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table)
	}
}
