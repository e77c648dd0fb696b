package providers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/core"
)

// Options groups dependencies for New.
type Options struct {
	Config config.ProvidersConfig
	Client *http.Client
	Logger *slog.Logger
}

// New builds the provider ports from configuration. Disabled providers are left nil,
// which the aggregator treats as misconfigured at call time.
func New(opts Options) (core.Providers, error) {
	cfg := opts.Config
	mk := func(name string, pc config.ProviderConfig) *httpProvider {
		return newHTTPProvider(clientOptions{Name: name, Config: pc, Client: opts.Client, Logger: opts.Logger})
	}

	var out core.Providers
	if !cfg.Geocoder.Disabled {
		out.Geocoder = &CensusGeocoder{http: mk("census-geocoder", cfg.Geocoder)}
	}
	if !cfg.Tracts.Disabled {
		out.Tracts = &CensusTractResolver{http: mk("census-tracts", cfg.Tracts)}
	}
	if !cfg.Property.Disabled {
		out.Property = &RentCastProperties{http: mk("rentcast", cfg.Property)}
	}
	if !cfg.Demographics.Disabled {
		out.Demographics = &CensusDemographics{
			http: mk("census-acs", cfg.Demographics.ProviderConfig),
			year: cfg.Demographics.Year,
		}
	}
	if !cfg.Agencies.Disabled {
		raw := cfg.Agencies.Candidates
		if len(raw) == 0 {
			raw = DefaultAgencyCandidates
		}
		candidates := make([]AgencyCandidate, 0, len(raw))
		for _, s := range raw {
			c, err := ParseAgencyCandidate(s)
			if err != nil {
				return core.Providers{}, fmt.Errorf("agencies provider: %w", err)
			}
			candidates = append(candidates, c)
		}
		out.Agencies = &AgencyLocator{http: mk("fbi-cde", cfg.Agencies.ProviderConfig), candidates: candidates}
	}
	return out, nil
}
