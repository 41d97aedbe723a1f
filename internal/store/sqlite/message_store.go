package sqlite

import (
	"context"
	"fmt"

	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/store"
)

const messageColumns = `id, session_id, message, send_at, recipient, sent, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.ScheduledMessage, error) {
	var (
		m                 models.ScheduledMessage
		sendAt, createdAt int64
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.Message, &sendAt, &m.Recipient, &m.Sent, &createdAt); err != nil {
		return nil, err
	}
	m.SendAt = fromMillis(sendAt)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

func (s *Store) InsertMessages(ctx context.Context, msgs []models.ScheduledMessage) ([]models.ScheduledMessage, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	return retry(ctx, "insert messages", func() ([]models.ScheduledMessage, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback() //nolint:errcheck // rollback is safe to call after commit

		now := millis(s.now())
		out := make([]models.ScheduledMessage, 0, len(msgs))
		for _, m := range msgs {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO scheduled_messages (session_id, message, send_at, recipient, sent, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				RETURNING `+messageColumns,
				m.SessionID, m.Message, millis(m.SendAt), m.Recipient, m.Sent, now,
			)
			inserted, err := scanMessage(row)
			if err != nil {
				return nil, fmt.Errorf("insert message: %w", err)
			}
			out = append(out, *inserted)
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*models.ScheduledMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM scheduled_messages WHERE id = ?`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: %d", store.ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) MarkSent(ctx context.Context, id int64) (bool, error) {
	return retry(ctx, "mark sent", func() (bool, error) {
		res, err := s.db.ExecContext(ctx, `UPDATE scheduled_messages SET sent = 1 WHERE id = ? AND sent = 0`, id)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 1 {
			return true, nil
		}

		var exists bool
		err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_messages WHERE id = ?)`, id).Scan(&exists)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("%w: %d", store.ErrMessageNotFound, id)
		}
		return false, nil
	})
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]models.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE session_id = ?
		ORDER BY send_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
