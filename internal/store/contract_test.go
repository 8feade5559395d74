package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelscope/channel-service/internal/model"
)

func ptr[T any](v T) *T { return &v }

func record(id string, r model.Region, country, name string) model.ChannelRecord {
	return model.ChannelRecord{
		ExternalID:   id,
		Name:         name,
		Address:      "addr " + id,
		Region:       r,
		CountryState: country,
		CountryCode:  country,
		PartnerType:  model.PartnerSimple,
		ScrapedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("session lifecycle", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		sess, err := st.CreateSession(ctx, model.SourceFullScraping, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)
		assert.Equal(t, model.SessionRunning, sess.Status)
		assert.JSONEq(t, `{}`, string(sess.Metadata))
		assert.Nil(t, sess.CompletedAt)

		progress := model.SessionProgress{TotalRegions: 2, ProcessedRegions: 1, ChannelsFound: 5, Errors: []model.RunError{}}
		require.NoError(t, st.UpdateSessionProgress(ctx, sess.ID, progress))

		got, err := st.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.Progress.ChannelsFound)

		done, err := st.CompleteSession(ctx, sess.ID, model.SessionFailed, progress, ptr("stopped by caller"))
		require.NoError(t, err)
		assert.Equal(t, model.SessionFailed, done.Status)
		require.NotNil(t, done.CompletedAt)
		require.NotNil(t, done.ErrorMessage)
		assert.Equal(t, "stopped by caller", *done.ErrorMessage)

		_, err = st.CompleteSession(ctx, sess.ID, model.SessionCompleted, progress, nil)
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.ErrorIs(t, st.UpdateSessionProgress(ctx, sess.ID, progress), ErrSessionClosed)

		_, err = st.CompleteSession(ctx, sess.ID, model.SessionRunning, progress, nil)
		assert.Error(t, err, "running is not a terminal status")
	})

	t.Run("unknown session", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetSession(context.Background(), "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list sessions newest first", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		first, err := st.CreateSession(ctx, model.SourceFullScraping, json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		second, err := st.CreateSession(ctx, model.SourceManualInput, nil)
		require.NoError(t, err)

		all, err := st.ListSessions(ctx, SessionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, second.ID, all[0].ID)
		assert.Equal(t, first.ID, all[1].ID)

		manual, err := st.ListSessions(ctx, SessionFilter{DataSource: model.SourceManualInput})
		require.NoError(t, err)
		require.Len(t, manual, 1)
		assert.Equal(t, second.ID, manual[0].ID)

		limited, err := st.ListSessions(ctx, SessionFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("upsert classifies records", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		sess, err := st.CreateSession(ctx, model.SourceFullScraping, nil)
		require.NoError(t, err)
		t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		rec := record("x1", model.RegionUSA, "CA", "Alpha")
		res, err := st.UpsertChannel(ctx, sess.ID, rec, t0)
		require.NoError(t, err)
		assert.True(t, res.IsNew)
		assert.True(t, res.Channel.IsActive)
		assert.True(t, res.Channel.FirstSeenAt.Equal(t0))
		assert.Equal(t, sess.ID, res.Channel.LastSessionID)

		t1 := t0.Add(time.Hour)
		res, err = st.UpsertChannel(ctx, sess.ID, rec, t1)
		require.NoError(t, err)
		assert.False(t, res.IsNew)
		assert.False(t, res.HasChanges)
		assert.True(t, res.Channel.LastSeenAt.Equal(t1))
		assert.True(t, res.Channel.LastModifiedAt.Equal(t0), "unchanged content keeps lastModifiedAt")

		rec.Phone = ptr("+1 555")
		t2 := t1.Add(time.Hour)
		res, err = st.UpsertChannel(ctx, sess.ID, rec, t2)
		require.NoError(t, err)
		assert.True(t, res.HasChanges)
		require.Len(t, res.Changes, 1)
		assert.Equal(t, "phone", res.Changes[0].Field)
		assert.True(t, res.Channel.LastModifiedAt.Equal(t2))
		assert.True(t, res.Channel.FirstSeenAt.Equal(t0))
	})

	t.Run("sweep respects scope and reactivation", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		sess, err := st.CreateSession(ctx, model.SourceFullScraping, nil)
		require.NoError(t, err)
		t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		for _, rec := range []model.ChannelRecord{
			record("ca", model.RegionUSA, "CA", "A"),
			record("tx", model.RegionUSA, "TX", "B"),
			record("ny", model.RegionUSA, "NY", "C"),
			record("au", model.RegionOceania, "AU", "D"),
		} {
			_, err := st.UpsertChannel(ctx, sess.ID, rec, t0)
			require.NoError(t, err)
		}

		t1 := t0.Add(24 * time.Hour)
		scope := Scope{
			Regions:       []model.Region{model.RegionUSA},
			SkipCountries: map[model.Region][]string{model.RegionUSA: {"TX"}},
		}
		gone, err := st.MarkMissingInactive(ctx, sess.ID, scope, []string{"ca"}, t1)
		require.NoError(t, err)
		require.Len(t, gone, 1)
		assert.Equal(t, "ny", gone[0].ExternalID)
		assert.False(t, gone[0].IsActive)
		require.NotNil(t, gone[0].DeactivatedAt)
		assert.True(t, gone[0].DeactivatedAt.Equal(t1))
		assert.True(t, gone[0].LastModifiedAt.Equal(t0), "deactivation keeps lastModifiedAt")

		again, err := st.MarkMissingInactive(ctx, sess.ID, scope, []string{"ca"}, t1)
		require.NoError(t, err)
		assert.Empty(t, again, "inactive channels are not swept twice")

		none, err := st.MarkMissingInactive(ctx, sess.ID, Scope{}, nil, t1)
		require.NoError(t, err)
		assert.Empty(t, none)

		active, err := st.ListActiveChannels(ctx, ChannelFilter{})
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, ch := range active {
			ids = append(ids, ch.ExternalID)
		}
		assert.Equal(t, []string{"au", "ca", "tx"}, ids, "ordered by region, country, name")

		res, err := st.UpsertChannel(ctx, sess.ID, record("ny", model.RegionUSA, "NY", "C"), t1.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, res.Reactivated)
		assert.False(t, res.HasChanges)
		assert.True(t, res.Channel.IsActive)
		assert.Nil(t, res.Channel.DeactivatedAt)
	})

	t.Run("channel filters", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		sess, err := st.CreateSession(ctx, model.SourceManualInput, nil)
		require.NoError(t, err)
		now := time.Now().UTC()

		master := record("m", model.RegionEurope, "FR", "Master")
		master.PartnerType = model.PartnerMaster
		for _, rec := range []model.ChannelRecord{master, record("s1", model.RegionEurope, "DE", "S1"), record("s2", model.RegionAsia, "JP", "S2")} {
			_, err := st.UpsertChannel(ctx, sess.ID, rec, now)
			require.NoError(t, err)
		}

		eu, err := st.ListChannels(ctx, ChannelFilter{Region: model.RegionEurope})
		require.NoError(t, err)
		assert.Len(t, eu, 2)

		masters, err := st.ListChannels(ctx, ChannelFilter{PartnerType: model.PartnerMaster})
		require.NoError(t, err)
		require.Len(t, masters, 1)
		assert.Equal(t, "m", masters[0].ExternalID)

		jp, err := st.ListChannels(ctx, ChannelFilter{CountryCode: "JP"})
		require.NoError(t, err)
		require.Len(t, jp, 1)

		page, err := st.ListChannels(ctx, ChannelFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "s1", page[0].ExternalID)

		_, err = st.GetChannel(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lifecycle events", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		sess, err := st.CreateSession(ctx, model.SourceFullScraping, nil)
		require.NoError(t, err)
		res, err := st.UpsertChannel(ctx, sess.ID, record("e1", model.RegionUSA, "CA", "E"), time.Now().UTC())
		require.NoError(t, err)

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i, typ := range []model.EventType{model.EventDiscovered, model.EventUpdated, model.EventDeactivated} {
			ev, err := st.AppendLifecycleEvent(ctx, model.LifecycleEvent{
				ChannelID:  res.Channel.ID,
				ExternalID: "e1",
				SessionID:  sess.ID,
				EventType:  typ,
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			assert.NotEmpty(t, ev.ID)
			assert.NotNil(t, ev.Diff)
		}

		all, err := st.ListLifecycleEvents(ctx, EventFilter{ExternalID: "e1"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, model.EventDeactivated, all[0].EventType, "newest first")
		assert.Equal(t, model.EventDiscovered, all[2].EventType)

		updates, err := st.ListLifecycleEvents(ctx, EventFilter{Type: model.EventUpdated})
		require.NoError(t, err)
		require.Len(t, updates, 1)

		recent, err := st.ListLifecycleEvents(ctx, EventFilter{Since: base.Add(time.Second)})
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		bySession, err := st.ListLifecycleEvents(ctx, EventFilter{SessionID: sess.ID, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, bySession, 2)
	})
}
