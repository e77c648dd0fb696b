// Package pipeline builds property reports by fanning out to data providers under a
// per-stage failure policy.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/target/mmk-report-api/internal/domain/model"
	"gopkg.in/yaml.v3"
)

// Stage names one provider call in the report dependency graph.
type Stage string

const (
	StageGeocode      Stage = "geocode"
	StageTract        Stage = "tract"
	StageProperty     Stage = "property"
	StageDemographics Stage = "demographics"
	StageCrime        Stage = "crime"
)

// Stages lists every stage.
func Stages() []Stage {
	return []Stage{StageGeocode, StageTract, StageProperty, StageDemographics, StageCrime}
}

// FailureClass says what a stage failure does to the report.
type FailureClass string

const (
	// ClassFatal aborts the report and fails the job.
	ClassFatal FailureClass = "fatal"
	// ClassFallback fills the section with a flagged placeholder.
	ClassFallback FailureClass = "fallback"
	// ClassUnavailable leaves the section empty.
	ClassUnavailable FailureClass = "unavailable"
)

// MaxAgencies caps the agencies listed in a crime section.
const MaxAgencies = 15

// StagePolicy is the failure handling for one stage.
type StagePolicy struct {
	Class   FailureClass
	Message string
}

// Policy is the stage failure table plus placeholder values.
type Policy struct {
	Stages              map[Stage]StagePolicy
	PropertyPlaceholder model.PropertyEstimate
}

// DefaultPolicy returns the built-in stage table.
func DefaultPolicy() Policy {
	return Policy{
		Stages: map[Stage]StagePolicy{
			StageGeocode:      {Class: ClassFatal, Message: "address resolution failed"},
			StageTract:        {Class: ClassFatal, Message: "census tract resolution failed"},
			StageProperty:     {Class: ClassFallback, Message: "property record unavailable"},
			StageDemographics: {Class: ClassUnavailable, Message: "demographics unavailable"},
			StageCrime:        {Class: ClassFallback, Message: "crime data unavailable"},
		},
		PropertyPlaceholder: model.PropertyEstimate{Value: 1450, Confidence: 0.82},
	}
}

// For returns the policy for stage, falling back to the default table.
func (p Policy) For(stage Stage) StagePolicy {
	if sp, ok := p.Stages[stage]; ok {
		return sp
	}
	return DefaultPolicy().Stages[stage]
}

// policyFile is the YAML shape of a policy override file. Only messages and placeholder
// values can be overridden; failure classes are fixed.
type policyFile struct {
	Messages            map[string]string `yaml:"messages"`
	PropertyPlaceholder *struct {
		Value      *float64 `yaml:"value"`
		Confidence *float64 `yaml:"confidence"`
	} `yaml:"property_placeholder"`
}

// LoadPolicyFile reads YAML overrides from path on top of DefaultPolicy.
// An empty path yields the default policy.
func LoadPolicyFile(path string) (Policy, error) {
	policy := DefaultPolicy()
	path = strings.TrimSpace(path)
	if path == "" {
		return policy, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	if err := ApplyPolicyYAML(&policy, raw); err != nil {
		return policy, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policy, nil
}

// ApplyPolicyYAML merges a YAML document into policy.
func ApplyPolicyYAML(policy *Policy, raw []byte) error {
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	for name, msg := range f.Messages {
		stage := Stage(strings.ToLower(strings.TrimSpace(name)))
		sp, ok := policy.Stages[stage]
		if !ok {
			return fmt.Errorf("unknown stage %q", name)
		}
		if msg = strings.TrimSpace(msg); msg == "" {
			return fmt.Errorf("empty message for stage %q", name)
		}
		sp.Message = msg
		policy.Stages[stage] = sp
	}

	if ph := f.PropertyPlaceholder; ph != nil {
		if ph.Value != nil {
			if *ph.Value < 0 {
				return errors.New("property placeholder value must be non-negative")
			}
			policy.PropertyPlaceholder.Value = *ph.Value
		}
		if ph.Confidence != nil {
			if *ph.Confidence < 0 || *ph.Confidence > 1 {
				return errors.New("property placeholder confidence must be within [0,1]")
			}
			policy.PropertyPlaceholder.Confidence = *ph.Confidence
		}
	}
	return nil
}

// StageError is a fatal stage failure. Message is the only text that reaches job state.
type StageError struct {
	Stage   Stage
	Class   FailureClass
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// AsStageError returns the StageError in err's chain, if any.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
