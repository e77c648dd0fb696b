package model

import (
	"encoding/json"
	"time"
)

// SectionName identifies one independently sourced part of a report.
type SectionName string

const (
	SectionGeo          SectionName = "geo"
	SectionProperty     SectionName = "property"
	SectionDemographics SectionName = "demographics"
	SectionCrime        SectionName = "crime"
)

// AllSections lists report sections in presentation order.
func AllSections() []SectionName {
	return []SectionName{SectionGeo, SectionProperty, SectionDemographics, SectionCrime}
}

// SourceQuality marks whether a section holds authoritative provider data.
type SourceQuality string

const (
	// QualityLive means the section came from a successful provider call.
	QualityLive SourceQuality = "live"
	// QualityFallback means the provider failed and the section holds a flagged placeholder.
	QualityFallback SourceQuality = "fallback"
	// QualityUnavailable means the provider failed and the section is empty.
	QualityUnavailable SourceQuality = "unavailable"
)

// Report is the immutable composite output of a successful job.
type Report struct {
	ID            string                        `json:"id"`
	JobID         string                        `json:"job_id"`
	Address       string                        `json:"address"`
	Email         string                        `json:"email"`
	GeneratedAt   time.Time                     `json:"generated_at"`
	Sections      ReportSections                `json:"sections"`
	SourceQuality map[SectionName]SourceQuality `json:"source_quality"`
}

// Clone returns a deep copy of the report via its JSON form, which is also its storage form.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var cp Report
	if err := json.Unmarshal(b, &cp); err != nil {
		cp = *r
	}
	return &cp
}

// ReportSections holds each section's normalized payload; any may be nil.
type ReportSections struct {
	Geo          *GeoSection          `json:"geo"`
	Property     *PropertySection     `json:"property"`
	Demographics *DemographicsSection `json:"demographics"`
	Crime        *CrimeSection        `json:"crime"`
}

// GeoPoint is a geocoded address.
type GeoPoint struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formatted_address"`
}

// Tract identifies a census tract by FIPS codes.
type Tract struct {
	State  string `json:"state"`
	County string `json:"county"`
	Tract  string `json:"tract"`
}

// GEOID returns the concatenated 11-digit tract identifier.
func (t Tract) GEOID() string {
	return t.State + t.County + t.Tract
}

// GeoSection combines the geocoded point with its census tract.
type GeoSection struct {
	GeoPoint
	Tract *Tract `json:"tract,omitempty"`
}

// PropertyRecord is the normalized view of a property record plus the provider's raw document.
type PropertyRecord struct {
	FormattedAddress string          `json:"formatted_address,omitempty"`
	PropertyType     string          `json:"property_type,omitempty"`
	Bedrooms         *float64        `json:"bedrooms,omitempty"`
	Bathrooms        *float64        `json:"bathrooms,omitempty"`
	SquareFootage    *float64        `json:"square_footage,omitempty"`
	YearBuilt        *int            `json:"year_built,omitempty"`
	LastSalePrice    *float64        `json:"last_sale_price,omitempty"`
	LastSaleDate     string          `json:"last_sale_date,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// PropertyEstimate is a value estimate with confidence in [0,1].
type PropertyEstimate struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// PropertySection carries either a live record or a flagged placeholder estimate.
type PropertySection struct {
	Record      *PropertyRecord   `json:"record,omitempty"`
	Estimate    *PropertyEstimate `json:"estimate,omitempty"`
	Placeholder bool              `json:"placeholder"`
	Reason      string            `json:"reason,omitempty"`
}

// Demographics is the tabular row returned for a tract.
type Demographics struct {
	Name                  string
	MedianHouseholdIncome *int64
	TotalOccupied         *int64
	OwnerOccupied         *int64
	RenterOccupied        *int64
}

// DemographicsSection is the report view of tract demographics.
// OwnerPct and RenterPct are absent when the occupied total is zero or unknown.
type DemographicsSection struct {
	Name                  string   `json:"name,omitempty"`
	MedianHouseholdIncome *int64   `json:"median_household_income,omitempty"`
	TotalOccupied         *int64   `json:"total_occupied,omitempty"`
	OwnerOccupied         *int64   `json:"owner_occupied,omitempty"`
	RenterOccupied        *int64   `json:"renter_occupied,omitempty"`
	OwnerPct              *float64 `json:"owner_pct,omitempty"`
	RenterPct             *float64 `json:"renter_pct,omitempty"`
}

// NewDemographicsSection derives occupancy shares from the raw counts.
// The denominator is the larger of the published total and owner+renter, so
// the two shares never sum above 1.
func NewDemographicsSection(d Demographics) *DemographicsSection {
	sec := &DemographicsSection{
		Name:                  d.Name,
		MedianHouseholdIncome: d.MedianHouseholdIncome,
		TotalOccupied:         d.TotalOccupied,
		OwnerOccupied:         d.OwnerOccupied,
		RenterOccupied:        d.RenterOccupied,
	}

	var total, parts int64
	if d.TotalOccupied != nil {
		total = *d.TotalOccupied
	}
	if d.OwnerOccupied != nil {
		parts += *d.OwnerOccupied
	}
	if d.RenterOccupied != nil {
		parts += *d.RenterOccupied
	}
	denom := max(total, parts)
	if denom <= 0 {
		return sec
	}

	if d.OwnerOccupied != nil {
		v := float64(*d.OwnerOccupied) / float64(denom)
		sec.OwnerPct = &v
	}
	if d.RenterOccupied != nil {
		v := float64(*d.RenterOccupied) / float64(denom)
		sec.RenterPct = &v
	}
	return sec
}

// Agency is a law-enforcement agency record.
type Agency struct {
	ORI   string `json:"ori"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
}

// CrimeWindow is an incident count over a closed date range.
type CrimeWindow struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Total int64     `json:"total"`
}

// CrimeTrendPoint is one month of incident counts.
type CrimeTrendPoint struct {
	Month string `json:"month"`
	Total int64  `json:"total"`
}

// CrimeSummary aggregates incidents over rolling windows.
type CrimeSummary struct {
	Placeholder      bool              `json:"placeholder"`
	Last30Days       CrimeWindow       `json:"last_30_days"`
	Trailing12Months CrimeWindow       `json:"trailing_12_months"`
	Trend            []CrimeTrendPoint `json:"trend"`
	Breakdown        map[string]int64  `json:"breakdown"`
}

// PlaceholderCrimeSummary returns a zero summary over windows anchored at now.
func PlaceholderCrimeSummary(now time.Time) CrimeSummary {
	end := now.UTC().Truncate(24 * time.Hour)
	return CrimeSummary{
		Placeholder:      true,
		Last30Days:       CrimeWindow{From: end.AddDate(0, 0, -30), To: end},
		Trailing12Months: CrimeWindow{From: end.AddDate(-1, 0, 0), To: end},
		Trend:            []CrimeTrendPoint{},
		Breakdown:        map[string]int64{},
	}
}

// CrimeSection lists nearby agencies with an incident summary.
type CrimeSection struct {
	Agencies []Agency     `json:"agencies"`
	Summary  CrimeSummary `json:"summary"`
}
