package lifecycle

import (
	"fmt"
	"math"
	"time"

	"channelscope/channel-service/internal/model"
)

// ActivityStatus is the read-side freshness bucket of a channel.
type ActivityStatus string

const (
	ActivityActive   ActivityStatus = "active"
	ActivityRecent   ActivityStatus = "recent"
	ActivityStale    ActivityStatus = "stale"
	ActivityInactive ActivityStatus = "inactive"
)

// ParseActivityStatus validates a raw activity status filter value.
func ParseActivityStatus(s string) (ActivityStatus, error) {
	st := ActivityStatus(s)
	switch st {
	case ActivityActive, ActivityRecent, ActivityStale, ActivityInactive:
		return st, nil
	}
	return "", fmt.Errorf("unknown activity status %q", s)
}

// DaysSince returns the fractional number of days between t and now.
func DaysSince(t, now time.Time) float64 {
	return now.Sub(t).Hours() / 24
}

// Activity classifies a channel: inactive when deactivated, otherwise by
// days since last sighting: >7 stale, >1 recent, else active.
func Activity(ch model.Channel, now time.Time) ActivityStatus {
	if !ch.IsActive {
		return ActivityInactive
	}
	d := DaysSince(ch.LastSeenAt, now)
	switch {
	case d > 7:
		return ActivityStale
	case d > 1:
		return ActivityRecent
	default:
		return ActivityActive
	}
}

// LifespanDays is the whole number of days from first sighting to
// deactivation, or to now for active channels. Never negative.
func LifespanDays(ch model.Channel, now time.Time) int {
	end := now
	if ch.DeactivatedAt != nil {
		end = *ch.DeactivatedAt
	}
	d := math.Floor(end.Sub(ch.FirstSeenAt).Hours() / 24)
	if d < 0 {
		return 0
	}
	return int(d)
}

// Summary aggregates activity buckets over a set of channels.
type Summary struct {
	Total              int                       `json:"total"`
	ByActivity         map[ActivityStatus]int    `json:"byActivity"`
	ByRegion           map[model.Region]int      `json:"byRegion"`
	ByPartnerType      map[model.PartnerType]int `json:"byPartnerType"`
	AverageLifespanDay float64                   `json:"averageLifespanDays"`
}

// Summarize computes a Summary as of now.
func Summarize(channels []model.Channel, now time.Time) Summary {
	s := Summary{
		Total:         len(channels),
		ByActivity:    make(map[ActivityStatus]int),
		ByRegion:      make(map[model.Region]int),
		ByPartnerType: make(map[model.PartnerType]int),
	}
	var lifespan int
	for _, ch := range channels {
		s.ByActivity[Activity(ch, now)]++
		s.ByRegion[ch.Region]++
		s.ByPartnerType[ch.PartnerType]++
		lifespan += LifespanDays(ch, now)
	}
	if len(channels) > 0 {
		s.AverageLifespanDay = float64(lifespan) / float64(len(channels))
	}
	return s
}
