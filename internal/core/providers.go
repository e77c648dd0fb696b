package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/mmk-report-api/internal/domain/model"
)

// Geocoder resolves a free-form address to a point.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (model.GeoPoint, error)
}

// TractResolver maps a point to its census tract.
type TractResolver interface {
	ResolveTract(ctx context.Context, p model.GeoPoint) (model.Tract, error)
}

// PropertyRecordSource looks up a property record by address.
type PropertyRecordSource interface {
	LookupProperty(ctx context.Context, address string) (*model.PropertyRecord, error)
}

// DemographicSource fetches tract-level demographics.
type DemographicSource interface {
	Demographics(ctx context.Context, t model.Tract) (model.Demographics, error)
}

// AgencySource lists law-enforcement agencies near a point.
type AgencySource interface {
	AgenciesNear(ctx context.Context, p model.GeoPoint) ([]model.Agency, error)
}

// Providers bundles the provider ports used to build a report.
type Providers struct {
	Geocoder     Geocoder
	Tracts       TractResolver
	Property     PropertyRecordSource
	Demographics DemographicSource
	Agencies     AgencySource
}

// ProviderErrorKind classifies a provider failure.
type ProviderErrorKind string

const (
	ProviderNotFound        ProviderErrorKind = "not_found"
	ProviderMisconfigured   ProviderErrorKind = "misconfigured"
	ProviderTimeout         ProviderErrorKind = "timeout"
	ProviderUpstream        ProviderErrorKind = "upstream"
	ProviderInvalidResponse ProviderErrorKind = "invalid_response"
)

// ProviderError is returned by provider adapters for every failed call.
type ProviderError struct {
	Provider   string
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying the call could succeed.
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case ProviderTimeout:
		return true
	case ProviderUpstream:
		return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
	default:
		return false
	}
}

// ProviderErrorKindOf returns the kind of a ProviderError in err's chain, or "".
func ProviderErrorKindOf(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
