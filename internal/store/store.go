// Package store persists the channel roster, lifecycle events and scrape
// sessions. Postgres is the production backend; Memory backs tests and the
// dry-run mode.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"channelscope/channel-service/internal/model"
)

var (
	// ErrNotFound is returned when a channel or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed is returned when completing a session that already
	// has a terminal status.
	ErrSessionClosed = errors.New("session is not running")
)

// Scope bounds a deactivation sweep. Only active channels whose region is
// listed and whose country is not skipped for that region are candidates.
// The zero Scope covers nothing.
type Scope struct {
	Regions       []model.Region
	SkipCountries map[model.Region][]string
}

// Empty reports whether the scope covers no region at all.
func (s Scope) Empty() bool { return len(s.Regions) == 0 }

// Covers reports whether ch falls inside the sweep scope.
func (s Scope) Covers(ch model.Channel) bool {
	if !slices.Contains(s.Regions, ch.Region) {
		return false
	}
	return !slices.Contains(s.SkipCountries[ch.Region], ch.CountryState)
}

// UpsertResult describes what UpsertChannel did to a single record.
type UpsertResult struct {
	IsNew       bool
	HasChanges  bool
	Reactivated bool
	Changes     []model.FieldChange
	Channel     model.Channel
}

// ChannelFilter narrows channel listings. Zero fields match everything.
type ChannelFilter struct {
	Region       model.Region
	CountryState string
	CountryCode  string
	PartnerType  model.PartnerType
	Active       *bool
	Limit        int
	Offset       int
}

// EventFilter narrows lifecycle event listings. Results are newest first.
type EventFilter struct {
	ExternalID string
	SessionID  string
	Type       model.EventType
	Since      time.Time
	Limit      int
}

// SessionFilter narrows session listings. Results are newest first.
type SessionFilter struct {
	Status     model.SessionStatus
	DataSource model.DataSource
	Limit      int
}

// Store is the persistence contract used by reconciliation, the
// orchestrator and the read API.
type Store interface {
	CreateSession(ctx context.Context, source model.DataSource, metadata json.RawMessage) (model.Session, error)
	UpdateSessionProgress(ctx context.Context, id string, progress model.SessionProgress) error
	CompleteSession(ctx context.Context, id string, status model.SessionStatus, progress model.SessionProgress, errMsg *string) (model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error)

	UpsertChannel(ctx context.Context, sessionID string, rec model.ChannelRecord, now time.Time) (UpsertResult, error)
	MarkMissingInactive(ctx context.Context, sessionID string, scope Scope, seen []string, now time.Time) ([]model.Channel, error)
	GetChannel(ctx context.Context, externalID string) (model.Channel, error)
	ListActiveChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error)
	ListChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error)

	AppendLifecycleEvent(ctx context.Context, ev model.LifecycleEvent) (model.LifecycleEvent, error)
	ListLifecycleEvents(ctx context.Context, f EventFilter) ([]model.LifecycleEvent, error)
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func normaliseMetadata(m json.RawMessage) json.RawMessage {
	if len(m) == 0 || string(m) == "null" {
		return json.RawMessage(`{}`)
	}
	return m
}

// applyRecord copies scraped content onto a persisted channel and reports
// the comparable fields that changed.
func applyRecord(ch *model.Channel, rec model.ChannelRecord, sessionID string, now time.Time) UpsertResult {
	changes := model.Diff(ch.ChannelRecord, rec)
	res := UpsertResult{
		HasChanges:  len(changes) > 0,
		Reactivated: !ch.IsActive,
		Changes:     changes,
	}
	ch.ChannelRecord = rec
	ch.IsActive = true
	ch.DeactivatedAt = nil
	ch.LastSeenAt = now
	ch.LastSessionID = sessionID
	if res.HasChanges {
		ch.LastModifiedAt = now
	}
	res.Channel = *ch
	return res
}
