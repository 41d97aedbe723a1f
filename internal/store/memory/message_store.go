package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/wadispatch/internal/models"
	"github.com/wolfeidau/wadispatch/internal/store"
)

var _ store.MessageStore = (*MessageStore)(nil)

// MessageStore implements store.MessageStore using in-memory storage.
// This implementation is for development and tests - data is lost on restart.
type MessageStore struct {
	mu sync.RWMutex

	messages map[int64]*models.ScheduledMessage
	nextID   int64

	now func() time.Time
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[int64]*models.ScheduledMessage),
		now:      time.Now,
	}
}

func (s *MessageStore) InsertMessages(ctx context.Context, msgs []models.ScheduledMessage) ([]models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]models.ScheduledMessage, 0, len(msgs))
	for _, m := range msgs {
		s.nextID++
		m.ID = s.nextID
		m.CreatedAt = now

		// Clone to avoid external modifications
		clone := m
		s.messages[m.ID] = &clone
		out = append(out, m)
	}

	return out, nil
}

func (s *MessageStore) GetMessage(ctx context.Context, id int64) (*models.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", store.ErrMessageNotFound, id)
	}

	clone := *m
	return &clone, nil
}

func (s *MessageStore) MarkSent(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", store.ErrMessageNotFound, id)
	}
	if m.Sent {
		return false, nil
	}

	m.Sent = true
	return true, nil
}

func (s *MessageStore) ListMessages(ctx context.Context, sessionID string) ([]models.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ScheduledMessage
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, *m)
		}
	}

	slices.SortFunc(out, func(a, b models.ScheduledMessage) int {
		if c := a.SendAt.Compare(b.SendAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return out, nil
}

// Delete removes a record, as an operator would by hand.
func (s *MessageStore) Delete(ctx context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}
