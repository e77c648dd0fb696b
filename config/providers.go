package config

import (
	"strings"
	"time"
)

const (
	defaultCensusGeocoderURL = "https://geocoding.geo.census.gov"
	defaultRentCastURL       = "https://api.rentcast.io/v1"
	defaultCensusDataURL     = "https://api.census.gov/data"
	defaultCrimeDataURL      = "https://api.usa.gov/crime/fbi/cde"

	maxProviderTimeout = time.Minute
	maxProviderRetries = 5
)

// ProviderConfig holds the settings shared by every external data provider.
// Credentials are optional here; a provider that needs one reports the gap
// when it is called.
type ProviderConfig struct {
	Disabled     bool          `env:"DISABLED"      envDefault:"false"`
	BaseURL      string        `env:"BASE_URL"`
	APIKey       string        `env:"API_KEY"`
	Timeout      time.Duration `env:"TIMEOUT"`
	RetryLimit   int           `env:"RETRY_LIMIT"   envDefault:"0"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"250ms"`
}

func (p *ProviderConfig) sanitize(defaultURL string, defaultTimeout time.Duration) {
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	if p.BaseURL == "" {
		p.BaseURL = defaultURL
	}
	p.APIKey = strings.TrimSpace(p.APIKey)
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.Timeout > maxProviderTimeout {
		p.Timeout = maxProviderTimeout
	}
	if p.RetryLimit < 0 {
		p.RetryLimit = 0
	}
	if p.RetryLimit > maxProviderRetries {
		p.RetryLimit = maxProviderRetries
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 250 * time.Millisecond
	}
}

// DemographicsProviderConfig adds the survey vintage to the census data API settings.
type DemographicsProviderConfig struct {
	ProviderConfig

	// Year selects the ACS 5-year release.
	Year int `env:"YEAR" envDefault:"2022"`
}

// AgencyProviderConfig adds the ordered request shapes tried against the agency locator.
type AgencyProviderConfig struct {
	ProviderConfig

	// Candidates lists request shapes as path:latParam:lngParam, tried in order.
	Candidates []string `env:"CANDIDATES" envSeparator:";"`
}

// ProvidersConfig groups one block per external data provider.
type ProvidersConfig struct {
	Geocoder     ProviderConfig             `envPrefix:"PROVIDER_GEOCODER_"`
	Tracts       ProviderConfig             `envPrefix:"PROVIDER_TRACTS_"`
	Property     ProviderConfig             `envPrefix:"PROVIDER_PROPERTY_"`
	Demographics DemographicsProviderConfig `envPrefix:"PROVIDER_DEMOGRAPHICS_"`
	Agencies     AgencyProviderConfig       `envPrefix:"PROVIDER_AGENCIES_"`
}

// Sanitize fills provider defaults and clamps timeouts and retry limits.
func (p *ProvidersConfig) Sanitize() {
	p.Geocoder.sanitize(defaultCensusGeocoderURL, 15*time.Second)
	p.Tracts.sanitize(defaultCensusGeocoderURL, 15*time.Second)
	p.Property.sanitize(defaultRentCastURL, 15*time.Second)
	p.Demographics.sanitize(defaultCensusDataURL, 15*time.Second)
	p.Agencies.sanitize(defaultCrimeDataURL, 10*time.Second)

	if p.Demographics.Year < 2009 {
		p.Demographics.Year = 2022
	}

	candidates := p.Agencies.Candidates[:0]
	for _, c := range p.Agencies.Candidates {
		if c = strings.TrimSpace(c); c != "" {
			candidates = append(candidates, c)
		}
	}
	p.Agencies.Candidates = candidates
}
