package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
)

const (
	censusBenchmark = "Public_AR_Current"
	censusVintage   = "Current_Current"

	geocodeMatchExpr = `result.addressMatches[0].{lat: coordinates.y, lng: coordinates.x, address: matchedAddress}`
	tractExpr        = `result.geographies."Census Tracts"[0].{state: STATE, county: COUNTY, tract: TRACT}`
)

// CensusGeocoder resolves addresses with the US Census one-line address geocoder.
type CensusGeocoder struct {
	http *httpProvider
}

var _ core.Geocoder = (*CensusGeocoder)(nil)

// Geocode returns the first address match.
func (g *CensusGeocoder) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
	resp, err := g.http.get(ctx, request{
		path: "/geocoder/locations/onelineaddress",
		query: url.Values{
			"address":   {address},
			"benchmark": {censusBenchmark},
			"format":    {"json"},
		},
	})
	if err != nil {
		return model.GeoPoint{}, err
	}

	match, err := search(geocodeMatchExpr, resp.data)
	if err != nil {
		return model.GeoPoint{}, g.http.fail(core.ProviderInvalidResponse, 0, err)
	}
	m, ok := match.(map[string]any)
	if !ok {
		return model.GeoPoint{}, g.http.fail(core.ProviderNotFound, 0, errors.New("no address matches"))
	}

	lat, latOK := asFloat(m["lat"])
	lng, lngOK := asFloat(m["lng"])
	if !latOK || !lngOK {
		return model.GeoPoint{}, g.http.fail(core.ProviderInvalidResponse, 0, errors.New("match has no coordinates"))
	}
	return model.GeoPoint{Lat: lat, Lng: lng, FormattedAddress: asString(m["address"])}, nil
}

// CensusTractResolver maps coordinates to a census tract with the Census geographies API.
type CensusTractResolver struct {
	http *httpProvider
}

var _ core.TractResolver = (*CensusTractResolver)(nil)

// ResolveTract returns the tract containing p.
func (r *CensusTractResolver) ResolveTract(ctx context.Context, p model.GeoPoint) (model.Tract, error) {
	resp, err := r.http.get(ctx, request{
		path: "/geocoder/geographies/coordinates",
		query: url.Values{
			"x":         {strconv.FormatFloat(p.Lng, 'f', -1, 64)},
			"y":         {strconv.FormatFloat(p.Lat, 'f', -1, 64)},
			"benchmark": {censusBenchmark},
			"vintage":   {censusVintage},
			"layers":    {"Census Tracts"},
			"format":    {"json"},
		},
	})
	if err != nil {
		return model.Tract{}, err
	}

	found, err := search(tractExpr, resp.data)
	if err != nil {
		return model.Tract{}, r.http.fail(core.ProviderInvalidResponse, 0, err)
	}
	m, ok := found.(map[string]any)
	if !ok {
		return model.Tract{}, r.http.fail(core.ProviderNotFound, 0, errors.New("no census tract at point"))
	}

	t := model.Tract{State: asString(m["state"]), County: asString(m["county"]), Tract: asString(m["tract"])}
	if t.State == "" || t.County == "" || t.Tract == "" {
		return model.Tract{}, r.http.fail(core.ProviderInvalidResponse, 0, fmt.Errorf("incomplete tract %+v", t))
	}
	return t, nil
}
