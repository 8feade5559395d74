// Package model defines shared data structures for the channel service.
package model

import (
	"encoding/json"
	"time"
)

// Region is one of the coarse geographic buckets scraping is scoped by.
type Region string

const (
	RegionUSA          Region = "usa"
	RegionCanada       Region = "canada"
	RegionEurope       Region = "europe"
	RegionAsia         Region = "asia"
	RegionLatinAmerica Region = "latin_america"
	RegionMiddleEast   Region = "middle_east"
	RegionAfrica       Region = "africa"
	RegionOceania      Region = "oceania"
)

// PartnerType distinguishes master distributors from simple resellers.
type PartnerType string

const (
	PartnerMaster PartnerType = "master"
	PartnerSimple PartnerType = "simple"
)

// ChannelRecord is one normalised partner entry from a single scrape.
// It is consumed by reconciliation and never persisted as-is.
type ChannelRecord struct {
	ExternalID   string      `json:"externalId"`
	Name         string      `json:"name"`
	Address      string      `json:"address"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
	Phone        *string     `json:"phone,omitempty"`
	ContactEmail *string     `json:"contactEmail,omitempty"`
	Region       Region      `json:"region"`
	CountryState string      `json:"countryState"`
	CountryCode  string      `json:"countryCode"`
	PartnerType  PartnerType `json:"partnerType"`
	ScrapedAt    time.Time   `json:"scrapedAt"`
}

// Channel is the durable roster entry for a partner. Channels are never
// deleted; absence from a scrape only deactivates them.
type Channel struct {
	ID string `json:"id"`
	ChannelRecord
	IsActive       bool       `json:"isActive"`
	FirstSeenAt    time.Time  `json:"firstSeenAt"`
	LastSeenAt     time.Time  `json:"lastSeenAt"`
	DeactivatedAt  *time.Time `json:"deactivatedAt"`
	LastModifiedAt time.Time  `json:"lastModifiedAt"`
	LastSessionID  string     `json:"lastSessionId,omitempty"`
}

// EventType names a lifecycle transition.
type EventType string

const (
	EventDiscovered  EventType = "discovered"
	EventUpdated     EventType = "updated"
	EventDeactivated EventType = "deactivated"
	EventReactivated EventType = "reactivated"
)

// FieldChange is one entry of a lifecycle event diff.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// LifecycleEvent is an immutable record of one channel transition.
type LifecycleEvent struct {
	ID         string        `json:"id"`
	ChannelID  string        `json:"channelId"`
	ExternalID string        `json:"externalId"`
	SessionID  string        `json:"sessionId"`
	EventType  EventType     `json:"eventType"`
	Diff       []FieldChange `json:"diff"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// DataSource tags what kind of run produced a session.
type DataSource string

const (
	SourceFullScraping        DataSource = "full_scraping"
	SourceIncrementalScraping DataSource = "incremental_scraping"
	SourceManualInput         DataSource = "manual_input"
)

// SessionStatus values mirror the scrape_sessions.status column.
type SessionStatus string

const (
	SessionRunning             SessionStatus = "running"
	SessionCompleted           SessionStatus = "completed"
	SessionCompletedWithErrors SessionStatus = "completed_with_errors"
	SessionFailed              SessionStatus = "failed"
)

// IsTerminal reports whether s is one of the closing statuses.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionCompletedWithErrors, SessionFailed:
		return true
	}
	return false
}

// RunError is one isolated failure recorded during a run. Exactly one of
// Region, Country or ExternalID is usually the narrowest scope set.
type RunError struct {
	Region     Region    `json:"region,omitempty"`
	Country    string    `json:"country,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// SessionProgress is the cumulative bookkeeping appended to a session
// while it runs.
type SessionProgress struct {
	ProcessedRegions    int        `json:"processedRegions"`
	TotalRegions        int        `json:"totalRegions"`
	ChannelsFound       int        `json:"channelsFound"`
	NewChannels         int        `json:"newChannels"`
	UpdatedChannels     int        `json:"updatedChannels"`
	ReactivatedChannels int        `json:"reactivatedChannels"`
	DeactivatedChannels int        `json:"deactivatedChannels"`
	Errors              []RunError `json:"errors"`
}

// Session is one end-to-end harvesting run.
type Session struct {
	ID           string          `json:"id"`
	DataSource   DataSource      `json:"dataSource"`
	Metadata     json.RawMessage `json:"metadata"`
	Status       SessionStatus   `json:"status"`
	Progress     SessionProgress `json:"progress"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt"`
	ErrorMessage *string         `json:"errorMessage"`
}
