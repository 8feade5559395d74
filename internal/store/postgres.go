package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"channelscope/channel-service/internal/model"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so queries can run
// inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool. Migrations must already be applied.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

// RunInTx runs fn inside a transaction, rolling back when fn fails.
func (p *Postgres) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

const sessionColumns = `id::text, data_source, metadata, status, progress,
	started_at, completed_at, error_message`

func scanSession(row pgx.Row) (model.Session, error) {
	var (
		s        model.Session
		progress []byte
		metadata []byte
	)
	if err := row.Scan(
		&s.ID, &s.DataSource, &metadata, &s.Status, &progress,
		&s.StartedAt, &s.CompletedAt, &s.ErrorMessage,
	); err != nil {
		return model.Session{}, err
	}
	s.Metadata = json.RawMessage(metadata)
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &s.Progress); err != nil {
			return model.Session{}, fmt.Errorf("decode progress: %w", err)
		}
	}
	return s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, source model.DataSource, metadata json.RawMessage) (model.Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx,
		`INSERT INTO scrape_sessions (id, data_source, metadata, status, progress, started_at)
		 VALUES ($1, $2, $3::jsonb, 'running', '{}'::jsonb, NOW())
		 RETURNING `+sessionColumns,
		uuid.NewString(), string(source), string(normaliseMetadata(metadata)),
	))
	if err != nil {
		return model.Session{}, fmt.Errorf("createSession: %w", err)
	}
	return s, nil
}

func (p *Postgres) UpdateSessionProgress(ctx context.Context, id string, progress model.SessionProgress) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE scrape_sessions SET progress = $1::jsonb
		 WHERE id = $2 AND status = 'running'`,
		string(raw), id,
	)
	if err != nil {
		return fmt.Errorf("updateSessionProgress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.sessionMissOrClosed(ctx, id)
	}
	return nil
}

func (p *Postgres) CompleteSession(ctx context.Context, id string, status model.SessionStatus, progress model.SessionProgress, errMsg *string) (model.Session, error) {
	if !status.IsTerminal() {
		return model.Session{}, fmt.Errorf("complete session %s: %q is not a terminal status", id, status)
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return model.Session{}, fmt.Errorf("encode progress: %w", err)
	}
	s, err := scanSession(p.pool.QueryRow(ctx,
		`UPDATE scrape_sessions
		 SET status = $1, progress = $2::jsonb, completed_at = NOW(), error_message = $3
		 WHERE id = $4 AND status = 'running'
		 RETURNING `+sessionColumns,
		string(status), string(raw), errMsg, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, p.sessionMissOrClosed(ctx, id)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("completeSession: %w", err)
	}
	return s, nil
}

func (p *Postgres) sessionMissOrClosed(ctx context.Context, id string) error {
	if _, err := p.GetSession(ctx, id); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (p *Postgres) GetSession(ctx context.Context, id string) (model.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Session{}, ErrNotFound
	}
	s, err := scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM scrape_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("getSession: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.DataSource != "" {
		args = append(args, string(f.DataSource))
		where = append(where, fmt.Sprintf("data_source = $%d", len(args)))
	}
	args = append(args, listLimit(f.Limit))
	q := `SELECT ` + sessionColumns + ` FROM scrape_sessions` + whereClause(where) +
		fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listSessions query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("listSessions scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ─── Channels ─────────────────────────────────────────────────────────────────

const channelColumns = `id::text, external_id, name, address, latitude, longitude,
	phone, contact_email, region, country_state, country_code, partner_type,
	scraped_at, is_active, first_seen_at, last_seen_at, deactivated_at,
	last_modified_at, COALESCE(last_session_id::text, '')`

func scanChannel(row pgx.Row) (model.Channel, error) {
	var ch model.Channel
	err := row.Scan(
		&ch.ID, &ch.ExternalID, &ch.Name, &ch.Address, &ch.Latitude, &ch.Longitude,
		&ch.Phone, &ch.ContactEmail, &ch.Region, &ch.CountryState, &ch.CountryCode, &ch.PartnerType,
		&ch.ScrapedAt, &ch.IsActive, &ch.FirstSeenAt, &ch.LastSeenAt, &ch.DeactivatedAt,
		&ch.LastModifiedAt, &ch.LastSessionID,
	)
	return ch, err
}

func scanChannels(rows pgx.Rows) ([]model.Channel, error) {
	defer rows.Close()
	out := make([]model.Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpsertChannel locks the existing row, diffs it against rec and writes the
// result in one transaction.
func (p *Postgres) UpsertChannel(ctx context.Context, sessionID string, rec model.ChannelRecord, now time.Time) (UpsertResult, error) {
	var res UpsertResult
	err := p.RunInTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanChannel(tx.QueryRow(ctx,
			`SELECT `+channelColumns+` FROM channels WHERE external_id = $1 FOR UPDATE`,
			rec.ExternalID,
		))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			ch, err := insertChannel(ctx, tx, sessionID, rec, now)
			if err != nil {
				return err
			}
			res = UpsertResult{IsNew: true, Channel: ch}
			return nil
		case err != nil:
			return fmt.Errorf("select channel: %w", err)
		}

		res = applyRecord(&existing, rec, sessionID, now)
		ch, err := updateChannel(ctx, tx, existing)
		if err != nil {
			return err
		}
		res.Channel = ch
		return nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsertChannel %s: %w", rec.ExternalID, err)
	}
	return res, nil
}

func insertChannel(ctx context.Context, db DBTX, sessionID string, rec model.ChannelRecord, now time.Time) (model.Channel, error) {
	ch, err := scanChannel(db.QueryRow(ctx,
		`INSERT INTO channels (id, external_id, name, address, latitude, longitude,
		        phone, contact_email, region, country_state, country_code, partner_type,
		        scraped_at, is_active, first_seen_at, last_seen_at, last_modified_at, last_session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE, $14, $14, $14, NULLIF($15, '')::uuid)
		 ON CONFLICT (external_id) DO NOTHING
		 RETURNING `+channelColumns,
		uuid.NewString(), rec.ExternalID, rec.Name, rec.Address, rec.Latitude, rec.Longitude,
		rec.Phone, rec.ContactEmail, string(rec.Region), rec.CountryState, rec.CountryCode, string(rec.PartnerType),
		rec.ScrapedAt, now, sessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Channel{}, fmt.Errorf("insert channel: concurrent insert of %s", rec.ExternalID)
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

func updateChannel(ctx context.Context, db DBTX, ch model.Channel) (model.Channel, error) {
	out, err := scanChannel(db.QueryRow(ctx,
		`UPDATE channels
		 SET name = $2, address = $3, latitude = $4, longitude = $5, phone = $6,
		     contact_email = $7, region = $8, country_state = $9, country_code = $10,
		     partner_type = $11, scraped_at = $12, is_active = TRUE, deactivated_at = NULL,
		     last_seen_at = $13, last_modified_at = $14, last_session_id = NULLIF($15, '')::uuid
		 WHERE external_id = $1
		 RETURNING `+channelColumns,
		ch.ExternalID, ch.Name, ch.Address, ch.Latitude, ch.Longitude, ch.Phone,
		ch.ContactEmail, string(ch.Region), ch.CountryState, ch.CountryCode,
		string(ch.PartnerType), ch.ScrapedAt, ch.LastSeenAt, ch.LastModifiedAt, ch.LastSessionID,
	))
	if err != nil {
		return model.Channel{}, fmt.Errorf("update channel: %w", err)
	}
	return out, nil
}

// MarkMissingInactive deactivates active channels inside scope whose
// external id is not in seen, returning them in listing order.
func (p *Postgres) MarkMissingInactive(ctx context.Context, _ string, scope Scope, seen []string, now time.Time) ([]model.Channel, error) {
	if scope.Empty() {
		return nil, nil
	}
	regions := make([]string, 0, len(scope.Regions))
	for _, r := range scope.Regions {
		regions = append(regions, string(r))
	}
	var skipRegions, skipCountries []string
	for r, countries := range scope.SkipCountries {
		for _, c := range countries {
			skipRegions = append(skipRegions, string(r))
			skipCountries = append(skipCountries, c)
		}
	}
	if seen == nil {
		seen = []string{}
	}

	rows, err := p.pool.Query(ctx,
		`WITH deactivated AS (
		   UPDATE channels c
		   SET is_active = FALSE, deactivated_at = $5
		   WHERE c.is_active
		     AND c.region = ANY($1::text[])
		     AND NOT (c.external_id = ANY($2::text[]))
		     AND NOT EXISTS (
		       SELECT 1 FROM unnest($3::text[], $4::text[]) AS s(region, country_state)
		       WHERE s.region = c.region AND s.country_state = c.country_state
		     )
		   RETURNING *
		 )
		 SELECT `+channelColumns+` FROM deactivated
		 ORDER BY region, country_state, name, external_id`,
		regions, seen, skipRegions, skipCountries, now,
	)
	if err != nil {
		return nil, fmt.Errorf("markMissingInactive: %w", err)
	}
	out, err := scanChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("markMissingInactive scan: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetChannel(ctx context.Context, externalID string) (model.Channel, error) {
	ch, err := scanChannel(p.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Channel{}, ErrNotFound
	}
	if err != nil {
		return model.Channel{}, fmt.Errorf("getChannel: %w", err)
	}
	return ch, nil
}

func (p *Postgres) ListActiveChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error) {
	active := true
	f.Active = &active
	return p.ListChannels(ctx, f)
}

func (p *Postgres) ListChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Region != "" {
		add("region = $%d", string(f.Region))
	}
	if f.CountryState != "" {
		add("country_state = $%d", f.CountryState)
	}
	if f.CountryCode != "" {
		add("country_code = $%d", f.CountryCode)
	}
	if f.PartnerType != "" {
		add("partner_type = $%d", string(f.PartnerType))
	}
	if f.Active != nil {
		add("is_active = $%d", *f.Active)
	}

	q := `SELECT ` + channelColumns + ` FROM channels` + whereClause(where) +
		` ORDER BY region, country_state, name, external_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listChannels query: %w", err)
	}
	out, err := scanChannels(rows)
	if err != nil {
		return nil, fmt.Errorf("listChannels scan: %w", err)
	}
	return out, nil
}

// ─── Lifecycle events ─────────────────────────────────────────────────────────

const eventColumns = `id::text, channel_id::text, external_id,
	COALESCE(session_id::text, ''), event_type, diff, created_at`

func (p *Postgres) AppendLifecycleEvent(ctx context.Context, ev model.LifecycleEvent) (model.LifecycleEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Diff == nil {
		ev.Diff = []model.FieldChange{}
	}
	diff, err := json.Marshal(ev.Diff)
	if err != nil {
		return model.LifecycleEvent{}, fmt.Errorf("encode diff: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO channel_lifecycle_events
		   (id, channel_id, external_id, session_id, event_type, diff, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6::jsonb, $7)`,
		ev.ID, ev.ChannelID, ev.ExternalID, ev.SessionID, string(ev.EventType), string(diff), ev.CreatedAt,
	)
	if err != nil {
		return model.LifecycleEvent{}, fmt.Errorf("appendLifecycleEvent: %w", err)
	}
	return ev, nil
}

func (p *Postgres) ListLifecycleEvents(ctx context.Context, f EventFilter) ([]model.LifecycleEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ExternalID != "" {
		add("external_id = $%d", f.ExternalID)
	}
	if f.SessionID != "" {
		if _, err := uuid.Parse(f.SessionID); err != nil {
			return []model.LifecycleEvent{}, nil
		}
		add("session_id = $%d", f.SessionID)
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	args = append(args, listLimit(f.Limit))
	q := `SELECT ` + eventColumns + ` FROM channel_lifecycle_events` + whereClause(where) +
		fmt.Sprintf(` ORDER BY created_at DESC, seq DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listLifecycleEvents query: %w", err)
	}
	defer rows.Close()

	out := make([]model.LifecycleEvent, 0)
	for rows.Next() {
		var (
			ev   model.LifecycleEvent
			diff []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ChannelID, &ev.ExternalID, &ev.SessionID, &ev.EventType, &diff, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("listLifecycleEvents scan: %w", err)
		}
		if err := json.Unmarshal(diff, &ev.Diff); err != nil {
			return nil, fmt.Errorf("decode diff: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
