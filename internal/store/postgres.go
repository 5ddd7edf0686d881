package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/majackson2003/walkie-talkie-mvp/internal/types"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	code             TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	channel_code  TEXT NOT NULL REFERENCES channels(code) ON DELETE CASCADE,
	from_user_id  TEXT NOT NULL,
	from_nickname TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	priority      TEXT NOT NULL,
	mime_type     TEXT NOT NULL,
	duration_ms   BIGINT NOT NULL CHECK (duration_ms > 0),
	size_bytes    BIGINT NOT NULL,
	payload       BYTEA NOT NULL,
	location_lat  DOUBLE PRECISION,
	location_lng  DOUBLE PRECISION,
	CHECK (size_bytes = octet_length(payload))
);

CREATE INDEX IF NOT EXISTS messages_channel_created_idx ON messages (channel_code, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS messages_created_idx ON messages (created_at);

CREATE TABLE IF NOT EXISTS emergency_log (
	id            TEXT PRIMARY KEY,
	channel_code  TEXT NOT NULL,
	from_user_id  TEXT NOT NULL,
	from_nickname TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	priority      TEXT NOT NULL,
	message       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS emergency_log_created_idx ON emergency_log (created_at);
`

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a pool, pings it and applies the schema.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const upsertChannelSQL = `
	INSERT INTO channels (code, display_name, created_at, last_activity_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (code) DO UPDATE SET
		display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), channels.display_name),
		last_activity_at = GREATEST(channels.last_activity_at, EXCLUDED.last_activity_at)`

func (p *Postgres) SaveChannel(ctx context.Context, ch types.ChannelRecord) error {
	_, err := p.pool.Exec(ctx, upsertChannelSQL, ch.Code, ch.DisplayName, ch.CreatedAt, ch.LastActivityAt)
	return err
}

func (p *Postgres) GetChannel(ctx context.Context, code string) (types.ChannelRecord, error) {
	var ch types.ChannelRecord
	err := p.pool.QueryRow(ctx,
		`SELECT code, display_name, created_at, last_activity_at FROM channels WHERE code = $1`, code,
	).Scan(&ch.Code, &ch.DisplayName, &ch.CreatedAt, &ch.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ChannelRecord{}, ErrNotFound
	}
	return ch, err
}

func (p *Postgres) TouchChannel(ctx context.Context, code string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET last_activity_at = GREATEST(last_activity_at, $2) WHERE code = $1`, code, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveMessage(ctx context.Context, ch types.ChannelRecord, msg types.AudioMessage, keep int) error {
	if err := checkMessage(msg); err != nil {
		return err
	}
	var lat, lng *float64
	if msg.Location != nil {
		lat, lng = &msg.Location.Lat, &msg.Location.Lng
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertChannelSQL, ch.Code, ch.DisplayName, ch.CreatedAt, ch.LastActivityAt); err != nil {
			return fmt.Errorf("upsert channel: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, channel_code, from_user_id, from_nickname, created_at,
				priority, mime_type, duration_ms, size_bytes, payload, location_lat, location_lng)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			msg.ID, msg.ChannelCode, msg.FromUserID, msg.FromNickname, msg.CreatedAt,
			string(msg.Priority), msg.MimeType, msg.DurationMs, msg.SizeBytes, msg.Payload, lat, lng,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if keep > 0 {
			if _, err := tx.Exec(ctx, `
				DELETE FROM messages
				WHERE channel_code = $1 AND id NOT IN (
					SELECT id FROM messages WHERE channel_code = $1
					ORDER BY created_at DESC, id DESC LIMIT $2)`,
				ch.Code, keep,
			); err != nil {
				return fmt.Errorf("prune channel: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) RecentMessages(ctx context.Context, code string, limit int) ([]types.AudioMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, channel_code, from_user_id, from_nickname, created_at, priority,
			mime_type, duration_ms, size_bytes, payload, location_lat, location_lng
		FROM messages
		WHERE channel_code = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, code, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AudioMessage
	for rows.Next() {
		var (
			msg      types.AudioMessage
			priority string
			lat, lng *float64
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelCode, &msg.FromUserID, &msg.FromNickname,
			&msg.CreatedAt, &priority, &msg.MimeType, &msg.DurationMs, &msg.SizeBytes,
			&msg.Payload, &lat, &lng); err != nil {
			return nil, err
		}
		msg.Priority = protocol.Priority(priority)
		if lat != nil && lng != nil {
			msg.Location = &protocol.Location{Lat: *lat, Lng: *lng}
		}
		out = append(out, msg)
	}

	// query is newest first; callers replay oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (p *Postgres) AppendEmergency(ctx context.Context, e types.EmergencyBroadcast) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO emergency_log (id, channel_code, from_user_id, from_nickname, created_at, priority, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ChannelCode, e.FromUserID, e.FromNickname, e.CreatedAt, string(e.Priority), e.Message)
	return err
}

func (p *Postgres) Prune(ctx context.Context, pol RetentionPolicy, now time.Time, keep []string) (PruneResult, error) {
	var res PruneResult
	if keep == nil {
		keep = []string{}
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if pol.MaxMessagesPerChannel > 0 {
			tag, err := tx.Exec(ctx, `
				DELETE FROM messages m USING (
					SELECT id, row_number() OVER (PARTITION BY channel_code ORDER BY created_at DESC, id DESC) AS rn
					FROM messages) r
				WHERE m.id = r.id AND r.rn > $1`, pol.MaxMessagesPerChannel)
			if err != nil {
				return fmt.Errorf("prune over cap: %w", err)
			}
			res.OverCap = tag.RowsAffected()
		}
		if pol.MessageMaxAge > 0 {
			tag, err := tx.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, now.Add(-pol.MessageMaxAge))
			if err != nil {
				return fmt.Errorf("prune messages: %w", err)
			}
			res.ExpiredMessages = tag.RowsAffected()
		}
		if pol.EmergencyMaxAge > 0 {
			tag, err := tx.Exec(ctx, `DELETE FROM emergency_log WHERE created_at < $1`, now.Add(-pol.EmergencyMaxAge))
			if err != nil {
				return fmt.Errorf("prune emergency log: %w", err)
			}
			res.ExpiredAlerts = tag.RowsAffected()
		}
		if pol.ChannelMaxIdle > 0 {
			tag, err := tx.Exec(ctx,
				`DELETE FROM channels WHERE last_activity_at < $1 AND NOT (code = ANY($2))`,
				now.Add(-pol.ChannelMaxIdle), keep)
			if err != nil {
				return fmt.Errorf("prune channels: %w", err)
			}
			res.IdleChannels = tag.RowsAffected()
		}
		return nil
	})
	return res, err
}

func (p *Postgres) Close() {
	p.pool.Close()
}
