package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
)

const propertyRecordExpr = `[0].{formatted_address: formattedAddress, property_type: propertyType, ` +
	`bedrooms: bedrooms, bathrooms: bathrooms, square_footage: squareFootage, year_built: yearBuilt, ` +
	`last_sale_price: lastSalePrice, last_sale_date: lastSaleDate}`

// RentCastProperties looks up property records from the RentCast properties API.
type RentCastProperties struct {
	http *httpProvider
}

var _ core.PropertyRecordSource = (*RentCastProperties)(nil)

// LookupProperty returns the first record for address, keeping the provider document as Raw.
func (r *RentCastProperties) LookupProperty(ctx context.Context, address string) (*model.PropertyRecord, error) {
	if err := r.http.requireKey(); err != nil {
		return nil, err
	}

	resp, err := r.http.get(ctx, request{
		path:   "/properties",
		query:  url.Values{"address": {address}},
		header: http.Header{"X-Api-Key": {r.http.apiKey}},
	})
	if err != nil {
		return nil, err
	}

	list, ok := resp.data.([]any)
	if !ok {
		return nil, r.http.fail(core.ProviderInvalidResponse, 0, errors.New("expected a list of properties"))
	}
	if len(list) == 0 {
		return nil, r.http.fail(core.ProviderNotFound, 0, errors.New("no property records"))
	}

	projected, err := search(propertyRecordExpr, list)
	if err != nil {
		return nil, r.http.fail(core.ProviderInvalidResponse, 0, err)
	}
	m, _ := projected.(map[string]any)

	raw, err := json.Marshal(list[0])
	if err != nil {
		return nil, r.http.fail(core.ProviderInvalidResponse, 0, err)
	}

	rec := &model.PropertyRecord{
		FormattedAddress: asString(m["formatted_address"]),
		PropertyType:     asString(m["property_type"]),
		Bedrooms:         floatPtr(m["bedrooms"]),
		Bathrooms:        floatPtr(m["bathrooms"]),
		SquareFootage:    floatPtr(m["square_footage"]),
		LastSalePrice:    floatPtr(m["last_sale_price"]),
		LastSaleDate:     asString(m["last_sale_date"]),
		Raw:              raw,
	}
	if y, ok := asFloat(m["year_built"]); ok {
		year := int(y)
		rec.YearBuilt = &year
	}
	return rec, nil
}
