package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/store"
)

var _ store.MessageStore = (*MessageStore)(nil)

const messageColumns = `id, session_id, message, send_at, recipient, sent, created_at`

// MessageStore implements store.MessageStore on the scheduled_messages table.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a message store on an existing pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func scanMessage(row pgx.Row) (*models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	err := row.Scan(&m.ID, &m.SessionID, &m.Message, &m.SendAt, &m.Recipient, &m.Sent, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessages inserts all records in one transaction.
func (s *MessageStore) InsertMessages(ctx context.Context, msgs []models.ScheduledMessage) ([]models.ScheduledMessage, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO scheduled_messages (session_id, message, send_at, recipient, sent)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+messageColumns,
			m.SessionID, m.Message, m.SendAt, m.Recipient, m.Sent,
		)
	}

	results := tx.SendBatch(ctx, batch)
	out := make([]models.ScheduledMessage, 0, len(msgs))
	for range msgs {
		m, err := scanMessage(results.QueryRow())
		if err != nil {
			_ = results.Close()
			return nil, mapPostgresError(err)
		}
		out = append(out, *m)
	}
	if err := results.Close(); err != nil {
		return nil, mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresError(err)
	}

	return out, nil
}

func (s *MessageStore) GetMessage(ctx context.Context, id int64) (*models.ScheduledMessage, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM scheduled_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", store.ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return m, nil
}

// MarkSent only updates unsent rows, so concurrent workers cannot both
// observe a successful transition.
func (s *MessageStore) MarkSent(ctx context.Context, id int64) (bool, error) {
	var exists, changed bool
	err := s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE scheduled_messages SET sent = TRUE
			WHERE id = $1 AND sent = FALSE
			RETURNING id
		)
		SELECT
			EXISTS (SELECT 1 FROM scheduled_messages WHERE id = $1),
			EXISTS (SELECT 1 FROM updated)
	`, id).Scan(&exists, &changed)
	if err != nil {
		return false, mapPostgresError(err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %d", store.ErrMessageNotFound, id)
	}
	return changed, nil
}

func (s *MessageStore) ListMessages(ctx context.Context, sessionID string) ([]models.ScheduledMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE session_id = $1
		ORDER BY send_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var out []models.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return out, nil
}
