// Package postgres implements the harbor.MessageStore persistence
// collaborator on a pgx connection pool. Batches are written in a single
// round trip; recent-message reads seed freshly started channel actors.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborchat/harbor"
)

// Store wraps all SQL used by the coordination core.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// NewStore constructs a Store on an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the messages table if needed. Keeping the migration
// in code lets a compose setup bootstrap everything without extra tooling.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata JSONB,
	inserted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_inserted ON messages(channel_id, inserted_at DESC);`
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// InsertBatch writes the whole batch in one round trip and returns the
// number of rows written. Duplicate ids are ignored so a retried batch stays
// idempotent.
func (s *Store) InsertBatch(ctx context.Context, messages []harbor.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, msg := range messages {
		metadata, err := json.Marshal(msg.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata for %s: %w", msg.ID, err)
		}
		batch.Queue(`
			INSERT INTO messages (id, channel_id, user_id, content, metadata, inserted_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO NOTHING
		`, msg.ID, msg.ChannelID, msg.UserID, msg.Content, metadata, msg.InsertedAt)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range messages {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert batch: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// RecentMessages returns up to limit messages for a channel, most recent
// first.
func (s *Store) RecentMessages(ctx context.Context, channelID string, limit int) ([]harbor.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel_id, user_id, content, COALESCE(metadata, 'null'::jsonb), inserted_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY inserted_at DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent messages: %w", err)
	}
	defer rows.Close()

	var messages []harbor.Message
	for rows.Next() {
		var (
			msg      harbor.Message
			metadata []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.UserID, &msg.Content, &metadata, &msg.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
