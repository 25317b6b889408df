// Package contacts holds the Contact Store adapters the engine reads contacts through.
package contacts

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// MemoryStore keeps contacts in process. Used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	contacts map[string]*domain.Contact
}

func NewMemoryStore(seed ...*domain.Contact) *MemoryStore {
	s := &MemoryStore{contacts: make(map[string]*domain.Contact)}
	for _, c := range seed {
		s.contacts[c.ID] = clone(c)
	}
	return s
}

// Put inserts or replaces a contact.
func (s *MemoryStore) Put(_ context.Context, c *domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, engine.ErrContactNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) HasTag(_ context.Context, id, tag string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return false, engine.ErrContactNotFound
	}
	return c.HasTag(tag), nil
}

func (s *MemoryStore) AddTag(_ context.Context, id, tag string) error {
	return s.mutate(id, func(c *domain.Contact) {
		if !slices.Contains(c.Tags, tag) {
			c.Tags = append(c.Tags, tag)
		}
	})
}

func (s *MemoryStore) RemoveTag(_ context.Context, id, tag string) error {
	return s.mutate(id, func(c *domain.Contact) {
		c.Tags = slices.DeleteFunc(c.Tags, func(t string) bool { return t == tag })
	})
}

func (s *MemoryStore) AddToList(_ context.Context, id, listID string) error {
	return s.mutate(id, func(c *domain.Contact) {
		if !slices.Contains(c.Lists, listID) {
			c.Lists = append(c.Lists, listID)
		}
	})
}

func (s *MemoryStore) RemoveFromList(_ context.Context, id, listID string) error {
	return s.mutate(id, func(c *domain.Contact) {
		c.Lists = slices.DeleteFunc(c.Lists, func(l string) bool { return l == listID })
	})
}

func (s *MemoryStore) UpdateField(_ context.Context, id, field string, value any) error {
	return s.mutate(id, func(c *domain.Contact) {
		if c.Fields == nil {
			c.Fields = make(map[string]any)
		}
		c.Fields[field] = value
	})
}

func (s *MemoryStore) mutate(id string, fn func(c *domain.Contact)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return engine.ErrContactNotFound
	}
	fn(c)
	return nil
}

func clone(c *domain.Contact) *domain.Contact {
	cp := *c
	cp.Tags = slices.Clone(c.Tags)
	cp.Lists = slices.Clone(c.Lists)
	cp.Fields = maps.Clone(c.Fields)
	if c.LastPurchaseAt != nil {
		t := *c.LastPurchaseAt
		cp.LastPurchaseAt = &t
	}
	return &cp
}
