package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
)

// DefaultAgencyCandidates are the request shapes tried when none are configured.
var DefaultAgencyCandidates = []string{
	"/agency/location:latitude:longitude",
	"/agencies/nearby:lat:lon",
	"/agencies:lat:lng",
}

// agencyListKeys are the envelope fields that may wrap the agency list, in priority order.
var agencyListKeys = []string{"results", "data", "agencies"}

const (
	agencyRecordExpr = `[*].{ori: ori || ORI || agency_ori, name: agency_name || name || pub_agency_name, ` +
		`type: agency_type_name || agency_type || type, city: city_name || city, state: state_abbr || state}`
)

// AgencyCandidate is one accepted request shape of the agency locator.
type AgencyCandidate struct {
	Path     string
	LatParam string
	LngParam string
}

// ParseAgencyCandidate parses "path:latParam:lngParam".
func ParseAgencyCandidate(s string) (AgencyCandidate, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return AgencyCandidate{}, fmt.Errorf("agency candidate %q: want path:latParam:lngParam", s)
	}
	c := AgencyCandidate{
		Path:     strings.TrimSpace(parts[0]),
		LatParam: strings.TrimSpace(parts[1]),
		LngParam: strings.TrimSpace(parts[2]),
	}
	if c.Path == "" || c.LatParam == "" || c.LngParam == "" {
		return AgencyCandidate{}, fmt.Errorf("agency candidate %q: empty component", s)
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	return c, nil
}

// AgencyLocator lists law-enforcement agencies near a point, trying each candidate
// request shape in order until one answers with a 2xx response.
type AgencyLocator struct {
	http       *httpProvider
	candidates []AgencyCandidate
}

var _ core.AgencySource = (*AgencyLocator)(nil)

// AgenciesNear returns the normalized agency list of the first successful candidate.
func (l *AgencyLocator) AgenciesNear(ctx context.Context, p model.GeoPoint) ([]model.Agency, error) {
	if err := l.http.requireKey(); err != nil {
		return nil, err
	}
	if len(l.candidates) == 0 {
		return nil, l.http.fail(core.ProviderMisconfigured, 0, errors.New("no agency request shapes configured"))
	}

	lat := strconv.FormatFloat(p.Lat, 'f', -1, 64)
	lng := strconv.FormatFloat(p.Lng, 'f', -1, 64)

	var lastErr error
	for _, c := range l.candidates {
		resp, err := l.http.get(ctx, request{
			path: c.Path,
			query: url.Values{
				c.LatParam: {lat},
				c.LngParam: {lng},
				"API_KEY":  {l.http.apiKey},
			},
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			l.http.logger.DebugContext(ctx, "agency candidate failed", "path", c.Path, "error", err)
			continue
		}
		return l.normalize(resp.data)
	}
	return nil, lastErr
}

// agencyList picks the agency array out of a response body. An empty array is a
// valid answer meaning no agencies are nearby.
func agencyList(data any) ([]any, bool) {
	if m, ok := data.(map[string]any); ok {
		for _, key := range agencyListKeys {
			if list, ok := m[key].([]any); ok {
				return list, true
			}
		}
		return nil, false
	}
	list, ok := data.([]any)
	return list, ok
}

func (l *AgencyLocator) normalize(data any) ([]model.Agency, error) {
	list, ok := agencyList(data)
	if !ok {
		return nil, l.http.fail(core.ProviderInvalidResponse, 0, errors.New("no agency list in response"))
	}
	if len(list) == 0 {
		return []model.Agency{}, nil
	}

	projected, err := search(agencyRecordExpr, list)
	if err != nil {
		return nil, l.http.fail(core.ProviderInvalidResponse, 0, err)
	}
	records, _ := projected.([]any)

	out := make([]model.Agency, 0, len(records))
	for _, r := range records {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Agency{
			ORI:   asString(m["ori"]),
			Name:  asString(m["name"]),
			Type:  asString(m["type"]),
			City:  asString(m["city"]),
			State: asString(m["state"]),
		})
	}
	return out, nil
}
