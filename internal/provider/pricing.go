// Copyright 2025 Lumina Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// onDemandRateCodeSuffix is the canonical hourly rate-code suffix. AWS
// Pricing SKUs carry several rate codes per instance type (free-tier,
// reserved, etc); only this one is the plain hourly on-demand rate.
const onDemandRateCodeSuffix = ".6YS6EN2CT7"

// OnDemandCatalog is the set of raw priced SKU documents returned by the
// provider's GetProducts call, not yet filtered or parsed.
type OnDemandCatalog struct {
	// Documents holds one JSON document per priced SKU, exactly as returned
	// by the provider.
	Documents []string
}

// onDemandPricingDoc mirrors the subset of the AWS Pricing GetProducts
// response this adapter cares about. Unknown fields are ignored.
type onDemandPricingDoc struct {
	Product struct {
		Attributes struct {
			InstanceType    string `json:"instanceType"`
			Location        string `json:"location"`
			OperatingSystem string `json:"operatingSystem"`
			PreInstalledSW  string `json:"preInstalledSw"`
			Tenancy         string `json:"tenancy"`
			CapacityStatus  string `json:"capacitystatus"`
		} `json:"attributes"`
	} `json:"product"`
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				RateCode     string `json:"rateCode"`
				Unit         string `json:"unit"`
				PricePerUnit struct {
					USD string `json:"USD"`
				} `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// onDemandRow is one flattened, filterable price row, matching the shape
// the bid advisor's on-demand refresh filters against.
type onDemandRow struct {
	InstanceType    string
	Location        string
	OperatingSystem string
	PreInstalledSW  string
	Tenancy         string
	CapacityStatus  string
	RateCode        string
	PricePerUnit    string
}

// parseOnDemandRows flattens every priceDimension of every OnDemand term in
// doc into rows. A single SKU document typically yields one row per rate
// code (hourly, reserved-hourly-fraction, etc).
func parseOnDemandRows(doc string) ([]onDemandRow, error) {
	var parsed onDemandPricingDoc
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, err
	}

	var rows []onDemandRow
	for _, term := range parsed.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if dim.Unit != "Hrs" {
				continue
			}
			rows = append(rows, onDemandRow{
				InstanceType:    parsed.Product.Attributes.InstanceType,
				Location:        parsed.Product.Attributes.Location,
				OperatingSystem: parsed.Product.Attributes.OperatingSystem,
				PreInstalledSW:  parsed.Product.Attributes.PreInstalledSW,
				Tenancy:         parsed.Product.Attributes.Tenancy,
				CapacityStatus:  parsed.Product.Attributes.CapacityStatus,
				RateCode:        dim.RateCode,
				PricePerUnit:    dim.PricePerUnit.USD,
			})
		}
	}
	return rows, nil
}

// ParseOnDemandCatalog flattens and filters catalog's raw SKU documents into
// a map of instance type to hourly on-demand price, applying the bid
// advisor's on-demand refresh filter exactly: only rows whose term is
// OnDemand, tenancy is Shared, pre-installed-software is NA, operating
// system is Linux, location matches region, and rate-code carries the
// canonical hourly suffix are kept. A "0.00" price is skipped outright
// (never overwrites a prior non-zero value); a later row for the same
// instance type overwrites an earlier one within this call.
//
// Malformed documents are skipped rather than failing the whole refresh;
// a single corrupt SKU should not blank out an otherwise-good catalog.
func ParseOnDemandCatalog(catalog OnDemandCatalog, region string) (map[string]string, error) {
	location, ok := regionToLocation(region)
	if !ok {
		return nil, fmt.Errorf("unknown region for pricing catalog: %s", region)
	}

	prices := make(map[string]string)
	for _, doc := range catalog.Documents {
		rows, err := parseOnDemandRows(doc)
		if err != nil {
			continue
		}
		for _, row := range rows {
			if row.Tenancy != "Shared" || row.PreInstalledSW != "NA" || row.OperatingSystem != "Linux" {
				continue
			}
			if row.Location != location {
				continue
			}
			if !strings.HasSuffix(row.RateCode, onDemandRateCodeSuffix) {
				continue
			}
			if row.PricePerUnit == "0.00" || row.PricePerUnit == "" {
				continue
			}
			prices[row.InstanceType] = row.PricePerUnit
		}
	}
	return prices, nil
}

// regionToLocation converts an AWS region code to the location name the
// Pricing API's product attributes carry.
func regionToLocation(region string) (string, bool) {
	locations := map[string]string{
		"us-east-1":      "US East (N. Virginia)",
		"us-east-2":      "US East (Ohio)",
		"us-west-1":      "US West (N. California)",
		"us-west-2":      "US West (Oregon)",
		"ca-central-1":   "Canada (Central)",
		"eu-central-1":   "EU (Frankfurt)",
		"eu-west-1":      "EU (Ireland)",
		"eu-west-2":      "EU (London)",
		"eu-west-3":      "EU (Paris)",
		"eu-north-1":     "EU (Stockholm)",
		"eu-south-1":     "EU (Milan)",
		"ap-east-1":      "Asia Pacific (Hong Kong)",
		"ap-south-1":     "Asia Pacific (Mumbai)",
		"ap-southeast-1": "Asia Pacific (Singapore)",
		"ap-southeast-2": "Asia Pacific (Sydney)",
		"ap-northeast-1": "Asia Pacific (Tokyo)",
		"ap-northeast-2": "Asia Pacific (Seoul)",
		"ap-northeast-3": "Asia Pacific (Osaka)",
		"sa-east-1":      "South America (Sao Paulo)",
		"af-south-1":     "Africa (Cape Town)",
		"me-south-1":     "Middle East (Bahrain)",
		"il-central-1":   "Israel (Tel Aviv)",
	}
	loc, ok := locations[region]
	return loc, ok
}
