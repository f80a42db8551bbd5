package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps documents in a map. Dev mode and tests only.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document

	// FailSaves and FailLoads make the corresponding call return an
	// error, for exercising failure paths in tests.
	FailSaves bool
	FailLoads bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Put seeds or replaces a document.
func (s *MemoryStore) Put(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
}

func (s *MemoryStore) Load(_ context.Context, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailLoads {
		return Document{}, fmt.Errorf("load %s: store unavailable", documentID)
	}
	doc, ok := s.docs[documentID]
	if !ok {
		return Document{}, fmt.Errorf("load %s: %w", documentID, ErrNotFound)
	}
	return doc, nil
}

func (s *MemoryStore) Save(_ context.Context, documentID, content string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return fmt.Errorf("save %s: store unavailable", documentID)
	}
	doc, ok := s.docs[documentID]
	if !ok {
		return fmt.Errorf("save %s: %w", documentID, ErrNotFound)
	}
	doc.Content = content
	doc.Version = version
	s.docs[documentID] = doc
	return nil
}
