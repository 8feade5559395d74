package lifecycle_test

import (
	"testing"
	"time"

	"channelscope/channel-service/internal/lifecycle"
	"channelscope/channel-service/internal/model"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func daysAgo(d float64) time.Time {
	return now.Add(-time.Duration(d * float64(24*time.Hour)))
}

func TestActivity(t *testing.T) {
	cases := []struct {
		name     string
		active   bool
		lastSeen time.Time
		want     lifecycle.ActivityStatus
	}{
		{"inactive regardless of last seen", false, now, lifecycle.ActivityInactive},
		{"seen just now", true, now, lifecycle.ActivityActive},
		{"exactly one day", true, daysAgo(1), lifecycle.ActivityActive},
		{"just over one day", true, daysAgo(1.1), lifecycle.ActivityRecent},
		{"exactly seven days", true, daysAgo(7), lifecycle.ActivityRecent},
		{"over seven days", true, daysAgo(7.5), lifecycle.ActivityStale},
		{"long gone but active", true, daysAgo(90), lifecycle.ActivityStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := model.Channel{IsActive: tc.active, LastSeenAt: tc.lastSeen}
			if got := lifecycle.Activity(ch, now); got != tc.want {
				t.Errorf("Activity() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLifespanDays_ActiveRoundsDown(t *testing.T) {
	ch := model.Channel{IsActive: true, FirstSeenAt: daysAgo(10)}
	if got := lifecycle.LifespanDays(ch, now); got != 10 {
		t.Errorf("LifespanDays() = %d, want 10", got)
	}
	ch.FirstSeenAt = daysAgo(10.9)
	if got := lifecycle.LifespanDays(ch, now); got != 10 {
		t.Errorf("LifespanDays() = %d, want 10 (rounded down)", got)
	}
}

func TestLifespanDays_UsesDeactivatedAt(t *testing.T) {
	deact := daysAgo(5)
	ch := model.Channel{FirstSeenAt: daysAgo(20), DeactivatedAt: &deact}
	if got := lifecycle.LifespanDays(ch, now); got != 15 {
		t.Errorf("LifespanDays() = %d, want 15", got)
	}
}

func TestLifespanDays_NeverNegative(t *testing.T) {
	ch := model.Channel{FirstSeenAt: now.Add(48 * time.Hour)}
	if got := lifecycle.LifespanDays(ch, now); got != 0 {
		t.Errorf("LifespanDays() = %d, want 0", got)
	}
}

func TestParseActivityStatus(t *testing.T) {
	for _, s := range []string{"active", "recent", "stale", "inactive"} {
		if _, err := lifecycle.ParseActivityStatus(s); err != nil {
			t.Errorf("ParseActivityStatus(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := lifecycle.ParseActivityStatus("gone"); err == nil {
		t.Error("ParseActivityStatus(\"gone\") expected error, got nil")
	}
}

func TestSummarize(t *testing.T) {
	deact := daysAgo(1)
	channels := []model.Channel{
		{ChannelRecord: model.ChannelRecord{Region: model.RegionUSA, PartnerType: model.PartnerMaster}, IsActive: true, FirstSeenAt: daysAgo(4), LastSeenAt: now},
		{ChannelRecord: model.ChannelRecord{Region: model.RegionUSA, PartnerType: model.PartnerSimple}, IsActive: true, FirstSeenAt: daysAgo(10), LastSeenAt: daysAgo(8)},
		{ChannelRecord: model.ChannelRecord{Region: model.RegionEurope, PartnerType: model.PartnerSimple}, IsActive: false, FirstSeenAt: daysAgo(3), LastSeenAt: daysAgo(2), DeactivatedAt: &deact},
	}
	s := lifecycle.Summarize(channels, now)
	if s.Total != 3 {
		t.Errorf("Total = %d, want 3", s.Total)
	}
	if s.ByActivity[lifecycle.ActivityActive] != 1 || s.ByActivity[lifecycle.ActivityStale] != 1 || s.ByActivity[lifecycle.ActivityInactive] != 1 {
		t.Errorf("ByActivity = %v", s.ByActivity)
	}
	if s.ByRegion[model.RegionUSA] != 2 || s.ByRegion[model.RegionEurope] != 1 {
		t.Errorf("ByRegion = %v", s.ByRegion)
	}
	if s.ByPartnerType[model.PartnerSimple] != 2 {
		t.Errorf("ByPartnerType = %v", s.ByPartnerType)
	}
	// lifespans: 4, 10, 2
	if s.AverageLifespanDay != 16.0/3.0 {
		t.Errorf("AverageLifespanDay = %v, want %v", s.AverageLifespanDay, 16.0/3.0)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := lifecycle.Summarize(nil, now)
	if s.Total != 0 || s.AverageLifespanDay != 0 {
		t.Errorf("Summarize(nil) = %+v", s)
	}
}
