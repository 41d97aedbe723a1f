// Package memory provides in-memory implementations of the store interfaces.
package memory

import "github.com/wolfeidau/wadispatch/internal/store"

// Store combines the in-memory message store and job queue.
type Store struct {
	*MessageStore
	*JobStore
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		MessageStore: NewMessageStore(),
		JobStore:     NewJobStore(),
	}
}
