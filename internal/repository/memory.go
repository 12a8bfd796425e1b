package repository

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"webhook-bridge/internal/domain"
)

// MemoryStore keeps one tenant's documents in process. It backs local runs
// and tests; every operation is atomic under a single mutex.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string]domain.MessageRecord
	conversations map[string]*domain.ConversationState
	contacts      map[string]*domain.ContactRecord
	seenEvents    map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      map[string]domain.MessageRecord{},
		conversations: map[string]*domain.ConversationState{},
		contacts:      map[string]*domain.ContactRecord{},
		seenEvents:    map[string]map[string]bool{},
	}
}

func (s *MemoryStore) UpsertMessage(ctx context.Context, msg domain.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("repository: UpsertMessage: message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok && msg.InsertOnly {
		return nil
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *MemoryStore) UpsertConversation(ctx context.Context, key string, fn func(existing *domain.ConversationState) *domain.ConversationState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(key) == "" {
		return false, errors.New("repository: UpsertConversation: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *domain.ConversationState
	if cur, ok := s.conversations[key]; ok {
		existing = copyConversation(cur)
	}
	next := fn(existing)
	if next == nil {
		return false, nil
	}
	next = copyConversation(next)
	next.Key = key
	next.Version = 1
	if existing != nil {
		next.Version = existing.Version + 1
	}
	s.conversations[key] = next
	return true, nil
}

func (s *MemoryStore) UpsertContactAndAppendHistory(ctx context.Context, contactID string, contact domain.ContactRecord, change domain.LifecycleChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(contactID) == "" {
		return errors.New("repository: UpsertContactAndAppendHistory: contact id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if change.EventID != "" && s.seenEvents[contactID][change.EventID] {
		return nil
	}

	var history []domain.LifecycleChange
	if cur, ok := s.contacts[contactID]; ok {
		history = cur.LifecycleHistory
	}
	next := contact
	next.ID = contactID
	next.Tags = slices.Clone(contact.Tags)
	next.Lifecycle = change.To
	next.LifecycleHistory = append(slices.Clone(history), change)
	s.contacts[contactID] = &next

	if change.EventID != "" {
		if s.seenEvents[contactID] == nil {
			s.seenEvents[contactID] = map[string]bool{}
		}
		s.seenEvents[contactID][change.EventID] = true
	}
	return nil
}

func (s *MemoryStore) Message(id string) (domain.MessageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	return msg, ok
}

func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MemoryStore) Conversation(key string) (*domain.ConversationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return nil, false
	}
	return copyConversation(conv), true
}

func (s *MemoryStore) Contact(id string) (domain.ContactRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return domain.ContactRecord{}, false
	}
	out := *c
	out.Tags = slices.Clone(c.Tags)
	out.LifecycleHistory = slices.Clone(c.LifecycleHistory)
	return out, true
}

func copyConversation(c *domain.ConversationState) *domain.ConversationState {
	out := *c
	out.MediaCounts = make(map[string]int, len(c.MediaCounts))
	for k, v := range c.MediaCounts {
		out.MediaCounts[k] = v
	}
	out.Channels = slices.Clone(c.Channels)
	out.Assignee = slices.Clone(c.Assignee)
	if c.ChannelInfo != nil {
		info := *c.ChannelInfo
		out.ChannelInfo = &info
	}
	return &out
}
