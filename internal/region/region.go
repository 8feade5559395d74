// Package region holds the static catalogue of scrape regions and the
// country/state codes queried inside each one.
//
// Country codes are scoped to their region: "CA" is California under usa
// and never Canada, "IL" is Illinois under usa and Israel under middle_east.
package region

import (
	"fmt"

	"channelscope/channel-service/internal/model"
)

// Info describes one region as the partner-locator API understands it.
type Info struct {
	Code model.Region
	// APICode is the value sent in the region query parameter.
	APICode string
	// Countries is queried in this exact order.
	Countries []string
	// Country is the ISO code for regions whose entries are states or
	// provinces of a single country. Empty for multi-country regions.
	Country string
}

var catalogue = map[model.Region]Info{
	model.RegionUSA: {
		Code:      model.RegionUSA,
		APICode:   "usa",
		Countries: []string{"CA", "FL", "IL", "MD", "MO", "NJ", "NY", "NC", "OH", "OR", "PA", "SC", "TX", "UT"},
		Country:   "US",
	},
	model.RegionCanada: {
		Code:      model.RegionCanada,
		APICode:   "can",
		Countries: []string{"AB", "BC", "ON", "QC"},
		Country:   "CA",
	},
	model.RegionEurope: {
		Code:    model.RegionEurope,
		APICode: "eur",
		Countries: []string{
			"AL", "AM", "AT", "AZ", "BE", "BA", "BG", "HR", "CY", "CZ", "DK", "EE", "FI", "FR",
			"GE", "DE", "GR", "HU", "IE", "IT", "XK", "LV", "LT", "LU", "MK", "MT", "MD", "ME",
			"NL", "NO", "PL", "PT", "RO", "RS", "SK", "SI", "ES", "SE", "CH", "TR", "UA", "GB",
		},
	},
	model.RegionAsia: {
		Code:    model.RegionAsia,
		APICode: "as",
		Countries: []string{
			"BD", "BN", "KH", "CN", "HK", "IN", "ID", "JP", "KZ", "MO", "MY", "MV",
			"MN", "MM", "NP", "PK", "PH", "SG", "KR", "LK", "TW", "TH", "UZ", "VN",
		},
	},
	model.RegionLatinAmerica: {
		Code:    model.RegionLatinAmerica,
		APICode: "lat-a",
		Countries: []string{
			"AR", "BR", "MX", "VE", "CO", "PE", "CL", "EC", "BO", "PY", "UY", "GY",
			"SR", "GF", "CR", "PA", "DO", "GT", "HN", "SV", "BS", "BB", "JM", "TT",
		},
	},
	model.RegionMiddleEast: {
		Code:      model.RegionMiddleEast,
		APICode:   "mid-e",
		Countries: []string{"BH", "IQ", "IL", "JO", "LB", "OM", "SA", "AE", "YE", "KW", "QA"},
	},
	model.RegionAfrica: {
		Code:      model.RegionAfrica,
		APICode:   "af",
		Countries: []string{"CD", "GH", "KE", "LY", "NA", "NG", "ZA", "TZ", "UG", "ZW"},
	},
	model.RegionOceania: {
		Code:      model.RegionOceania,
		APICode:   "aus-nzl",
		Countries: []string{"AU", "NZ"},
	},
}

// order is the default iteration order for a full scan.
var order = []model.Region{
	model.RegionUSA,
	model.RegionCanada,
	model.RegionEurope,
	model.RegionAsia,
	model.RegionLatinAmerica,
	model.RegionMiddleEast,
	model.RegionAfrica,
	model.RegionOceania,
}

// Catalogue resolves region codes to their scrape configuration. The zero
// value is not usable; use Default or New.
type Catalogue struct {
	regions map[model.Region]Info
	order   []model.Region
}

// Default returns the built-in catalogue of all eight regions.
func Default() *Catalogue {
	return &Catalogue{regions: catalogue, order: order}
}

// New builds a catalogue from explicit entries, in the given order.
// Tests use it to shrink country lists.
func New(infos ...Info) *Catalogue {
	c := &Catalogue{regions: make(map[model.Region]Info, len(infos))}
	for _, info := range infos {
		if info.APICode == "" {
			info.APICode = string(info.Code)
		}
		c.regions[info.Code] = info
		c.order = append(c.order, info.Code)
	}
	return c
}

// All returns every region code in catalogue order.
func (c *Catalogue) All() []model.Region {
	out := make([]model.Region, len(c.order))
	copy(out, c.order)
	return out
}

// Lookup returns the region configuration for code.
func (c *Catalogue) Lookup(code model.Region) (Info, bool) {
	info, ok := c.regions[code]
	return info, ok
}

// Parse validates a raw region code against the catalogue.
func (c *Catalogue) Parse(s string) (model.Region, error) {
	r := model.Region(s)
	if _, ok := c.regions[r]; !ok {
		return "", fmt.Errorf("unknown region %q", s)
	}
	return r, nil
}

// CountryCode maps a region-scoped country/state code to an ISO country
// code: states of single-country regions collapse to that country.
func (c *Catalogue) CountryCode(r model.Region, countryState string) string {
	if info, ok := c.regions[r]; ok && info.Country != "" {
		return info.Country
	}
	return countryState
}
