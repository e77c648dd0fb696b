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

// ACS 5-year variables requested for a tract.
const (
	acsName         = "NAME"
	acsMedianIncome = "B19013_001E"
	acsTotalOcc     = "B25003_001E"
	acsOwnerOcc     = "B25003_002E"
	acsRenterOcc    = "B25003_003E"
)

// CensusDemographics fetches tract demographics from the Census ACS 5-year API.
type CensusDemographics struct {
	http *httpProvider
	year int
}

var _ core.DemographicSource = (*CensusDemographics)(nil)

// Demographics returns the ACS row for t. The response is a header row followed by data rows.
func (c *CensusDemographics) Demographics(ctx context.Context, t model.Tract) (model.Demographics, error) {
	if err := c.http.requireKey(); err != nil {
		return model.Demographics{}, err
	}

	resp, err := c.http.get(ctx, request{
		path: fmt.Sprintf("/%d/acs/acs5", c.year),
		query: url.Values{
			"get": {strings.Join([]string{acsName, acsMedianIncome, acsTotalOcc, acsOwnerOcc, acsRenterOcc}, ",")},
			"for": {"tract:" + t.Tract},
			"in":  {"state:" + t.State + " county:" + t.County},
			"key": {c.http.apiKey},
		},
	})
	if err != nil {
		return model.Demographics{}, err
	}

	rows, ok := resp.data.([]any)
	if !ok {
		return model.Demographics{}, c.http.fail(core.ProviderInvalidResponse, 0, errors.New("expected a table"))
	}
	if len(rows) < 2 {
		return model.Demographics{}, c.http.fail(core.ProviderNotFound, 0, errors.New("no data row for tract"))
	}
	header, hok := rows[0].([]any)
	data, dok := rows[1].([]any)
	if !hok || !dok || len(header) != len(data) {
		return model.Demographics{}, c.http.fail(core.ProviderInvalidResponse, 0, errors.New("malformed table rows"))
	}

	values := make(map[string]any, len(header))
	for i, h := range header {
		values[asString(h)] = data[i]
	}

	return model.Demographics{
		Name:                  asString(values[acsName]),
		MedianHouseholdIncome: acsCount(values[acsMedianIncome]),
		TotalOccupied:         acsCount(values[acsTotalOcc]),
		OwnerOccupied:         acsCount(values[acsOwnerOcc]),
		RenterOccupied:        acsCount(values[acsRenterOcc]),
	}, nil
}

// acsCount parses an ACS estimate. Census encodes "no estimate" as large negative
// sentinels such as -666666666, which become nil.
func acsCount(v any) *int64 {
	var n int64
	switch t := v.(type) {
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if ferr != nil {
				return nil
			}
			parsed = int64(f)
		}
		n = parsed
	case float64:
		n = int64(t)
	default:
		return nil
	}
	if n < 0 {
		return nil
	}
	return &n
}
