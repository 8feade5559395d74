package region_test

import (
	"testing"

	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/region"
)

func TestDefault_HasAllEightRegions(t *testing.T) {
	c := region.Default()
	all := c.All()
	if len(all) != 8 {
		t.Fatalf("All() returned %d regions, want 8", len(all))
	}
	for _, r := range all {
		info, ok := c.Lookup(r)
		if !ok {
			t.Errorf("Lookup(%s) not found", r)
			continue
		}
		if len(info.Countries) == 0 {
			t.Errorf("region %s has no countries", r)
		}
		if info.APICode == "" {
			t.Errorf("region %s has no API code", r)
		}
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	c := region.Default()
	all := c.All()
	all[0] = "mutated"
	if c.All()[0] == "mutated" {
		t.Error("All() must return a copy of the catalogue order")
	}
}

func TestParse(t *testing.T) {
	c := region.Default()
	if _, err := c.Parse("europe"); err != nil {
		t.Errorf("Parse(europe) unexpected error: %v", err)
	}
	for _, s := range []string{"", "EUROPE", "eur", "mars"} {
		if _, err := c.Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", s)
		}
	}
}

// The same state code means different places in different regions.
func TestCountryCode_ScopedToRegion(t *testing.T) {
	c := region.Default()
	cases := []struct {
		region  model.Region
		country string
		want    string
	}{
		{model.RegionUSA, "CA", "US"},
		{model.RegionCanada, "ON", "CA"},
		{model.RegionUSA, "IL", "US"},
		{model.RegionMiddleEast, "IL", "IL"},
		{model.RegionEurope, "FR", "FR"},
		{"unknown", "ZZ", "ZZ"},
	}
	for _, tc := range cases {
		if got := c.CountryCode(tc.region, tc.country); got != tc.want {
			t.Errorf("CountryCode(%s, %s) = %q, want %q", tc.region, tc.country, got, tc.want)
		}
	}
}

func TestNew_DefaultsAPICodeAndOrder(t *testing.T) {
	c := region.New(
		region.Info{Code: model.RegionUSA, Countries: []string{"CA", "TX"}},
		region.Info{Code: model.RegionOceania, APICode: "aus-nzl", Countries: []string{"AU"}},
	)
	info, ok := c.Lookup(model.RegionUSA)
	if !ok || info.APICode != "usa" {
		t.Errorf("Lookup(usa) = %+v, %v; want APICode usa", info, ok)
	}
	all := c.All()
	if len(all) != 2 || all[0] != model.RegionUSA || all[1] != model.RegionOceania {
		t.Errorf("All() = %v, want [usa oceania]", all)
	}
}
