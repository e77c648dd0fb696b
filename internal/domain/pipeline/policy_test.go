package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyClasses(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, ClassFatal, p.For(StageGeocode).Class)
	assert.Equal(t, ClassFatal, p.For(StageTract).Class)
	assert.Equal(t, ClassFallback, p.For(StageProperty).Class)
	assert.Equal(t, ClassUnavailable, p.For(StageDemographics).Class)
	assert.Equal(t, ClassFallback, p.For(StageCrime).Class)
	assert.InDelta(t, 1450, p.PropertyPlaceholder.Value, 0)
	assert.InDelta(t, 0.82, p.PropertyPlaceholder.Confidence, 0)
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
messages:
  Geocode: "we could not find that address"
property_placeholder:
  value: 2000
`), 0o600))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, "we could not find that address", p.For(StageGeocode).Message)
	assert.Equal(t, ClassFatal, p.For(StageGeocode).Class)
	assert.InDelta(t, 2000, p.PropertyPlaceholder.Value, 0)
	assert.InDelta(t, 0.82, p.PropertyPlaceholder.Confidence, 0)

	def, err := LoadPolicyFile("  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), def)
}

func TestApplyPolicyYAMLRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"unknown stage":  "messages:\n  weather: nope\n",
		"empty message":  "messages:\n  tract: \"  \"\n",
		"confidence > 1": "property_placeholder:\n  confidence: 1.5\n",
		"negative value": "property_placeholder:\n  value: -1\n",
		"bad yaml":       "messages: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			p := DefaultPolicy()
			assert.Error(t, ApplyPolicyYAML(&p, []byte(doc)))
		})
	}
}

func TestStageErrorUnwraps(t *testing.T) {
	cause := errors.New("no matches")
	err := error(&StageError{Stage: StageGeocode, Class: ClassFatal, Message: "address resolution failed", Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "geocode: address resolution failed: no matches", err.Error())
	se, ok := AsStageError(err)
	require.True(t, ok)
	assert.Equal(t, "address resolution failed", se.Message)
}
