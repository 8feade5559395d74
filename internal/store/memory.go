package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"channelscope/channel-service/internal/model"
)

// Memory is an in-process Store. State is lost on restart.
type Memory struct {
	mu           sync.RWMutex
	channels     map[string]*model.Channel
	events       []model.LifecycleEvent
	sessions     map[string]*model.Session
	sessionOrder []string
	now          func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]*model.Channel),
		sessions: make(map[string]*model.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateSession(_ context.Context, source model.DataSource, metadata json.RawMessage) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &model.Session{
		ID:         uuid.NewString(),
		DataSource: source,
		Metadata:   normaliseMetadata(metadata),
		Status:     model.SessionRunning,
		StartedAt:  m.now(),
	}
	m.sessions[s.ID] = s
	m.sessionOrder = append(m.sessionOrder, s.ID)
	return cloneSession(s), nil
}

func (m *Memory) UpdateSessionProgress(_ context.Context, id string, progress model.SessionProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.IsTerminal() {
		return ErrSessionClosed
	}
	s.Progress = cloneProgress(progress)
	return nil
}

func (m *Memory) CompleteSession(_ context.Context, id string, status model.SessionStatus, progress model.SessionProgress, errMsg *string) (model.Session, error) {
	if !status.IsTerminal() {
		return model.Session{}, fmt.Errorf("complete session %s: %q is not a terminal status", id, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	if s.Status.IsTerminal() {
		return model.Session{}, ErrSessionClosed
	}
	now := m.now()
	s.Status = status
	s.Progress = cloneProgress(progress)
	s.CompletedAt = &now
	if errMsg != nil {
		msg := *errMsg
		s.ErrorMessage = &msg
	}
	return cloneSession(s), nil
}

func (m *Memory) GetSession(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *Memory) ListSessions(_ context.Context, f SessionFilter) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := listLimit(f.Limit)
	out := make([]model.Session, 0)
	for i := len(m.sessionOrder) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.sessions[m.sessionOrder[i]]
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.DataSource != "" && s.DataSource != f.DataSource {
			continue
		}
		out = append(out, cloneSession(s))
	}
	return out, nil
}

func (m *Memory) UpsertChannel(_ context.Context, sessionID string, rec model.ChannelRecord, now time.Time) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[rec.ExternalID]
	if !ok {
		ch = &model.Channel{
			ID:             uuid.NewString(),
			ChannelRecord:  rec,
			IsActive:       true,
			FirstSeenAt:    now,
			LastSeenAt:     now,
			LastModifiedAt: now,
			LastSessionID:  sessionID,
		}
		m.channels[rec.ExternalID] = ch
		return UpsertResult{IsNew: true, Channel: cloneChannel(ch)}, nil
	}
	res := applyRecord(ch, rec, sessionID, now)
	res.Channel = cloneChannel(ch)
	return res, nil
}

func (m *Memory) MarkMissingInactive(_ context.Context, _ string, scope Scope, seen []string, now time.Time) ([]model.Channel, error) {
	if scope.Empty() {
		return nil, nil
	}
	seenSet := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		seenSet[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Channel
	for _, ch := range m.sortedChannels() {
		if !ch.IsActive || !scope.Covers(*ch) {
			continue
		}
		if _, ok := seenSet[ch.ExternalID]; ok {
			continue
		}
		at := now
		ch.IsActive = false
		ch.DeactivatedAt = &at
		out = append(out, cloneChannel(ch))
	}
	return out, nil
}

func (m *Memory) GetChannel(_ context.Context, externalID string) (model.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[externalID]
	if !ok {
		return model.Channel{}, ErrNotFound
	}
	return cloneChannel(ch), nil
}

func (m *Memory) ListActiveChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error) {
	active := true
	f.Active = &active
	return m.ListChannels(ctx, f)
}

func (m *Memory) ListChannels(_ context.Context, f ChannelFilter) ([]model.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Channel, 0)
	skipped := 0
	for _, ch := range m.sortedChannels() {
		if !matchChannel(ch, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		out = append(out, cloneChannel(ch))
	}
	return out, nil
}

func (m *Memory) AppendLifecycleEvent(_ context.Context, ev model.LifecycleEvent) (model.LifecycleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	if ev.Diff == nil {
		ev.Diff = []model.FieldChange{}
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *Memory) ListLifecycleEvents(_ context.Context, f EventFilter) ([]model.LifecycleEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := listLimit(f.Limit)
	out := make([]model.LifecycleEvent, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.events[i]
		switch {
		case f.ExternalID != "" && ev.ExternalID != f.ExternalID:
			continue
		case f.SessionID != "" && ev.SessionID != f.SessionID:
			continue
		case f.Type != "" && ev.EventType != f.Type:
			continue
		case !f.Since.IsZero() && ev.CreatedAt.Before(f.Since):
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// sortedChannels orders channels the same way the Postgres listing does.
// Callers must hold m.mu.
func (m *Memory) sortedChannels() []*model.Channel {
	out := make([]*model.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.CountryState != b.CountryState {
			return a.CountryState < b.CountryState
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ExternalID < b.ExternalID
	})
	return out
}

func matchChannel(ch *model.Channel, f ChannelFilter) bool {
	switch {
	case f.Region != "" && ch.Region != f.Region:
		return false
	case f.CountryState != "" && ch.CountryState != f.CountryState:
		return false
	case f.CountryCode != "" && ch.CountryCode != f.CountryCode:
		return false
	case f.PartnerType != "" && ch.PartnerType != f.PartnerType:
		return false
	case f.Active != nil && ch.IsActive != *f.Active:
		return false
	}
	return true
}

func cloneChannel(ch *model.Channel) model.Channel {
	out := *ch
	if ch.DeactivatedAt != nil {
		at := *ch.DeactivatedAt
		out.DeactivatedAt = &at
	}
	return out
}

func cloneSession(s *model.Session) model.Session {
	out := *s
	out.Progress = cloneProgress(s.Progress)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func cloneProgress(p model.SessionProgress) model.SessionProgress {
	out := p
	out.Errors = append([]model.RunError(nil), p.Errors...)
	return out
}
