package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webhook-bridge/internal/domain"
)

func TestMemoryStore_InsertOnlyKeepsFirstWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertMessage(ctx, domain.MessageRecord{ID: "g1", InsertOnly: true, Sender: "first"}))
	require.NoError(t, s.UpsertMessage(ctx, domain.MessageRecord{ID: "g1", InsertOnly: true, Sender: "second"}))

	msg, ok := s.Message("g1")
	require.True(t, ok)
	require.Equal(t, "first", msg.Sender)

	require.NoError(t, s.UpsertMessage(ctx, domain.MessageRecord{ID: "m1", Sender: "a"}))
	require.NoError(t, s.UpsertMessage(ctx, domain.MessageRecord{ID: "m1", Sender: "b"}))
	msg, _ = s.Message("m1")
	require.Equal(t, "b", msg.Sender)
	require.Equal(t, 2, s.MessageCount())
}

func TestMemoryStore_UpsertConversationIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for n := 0; n < 50; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertConversation(ctx, "k", func(existing *domain.ConversationState) *domain.ConversationState {
				if existing == nil {
					return &domain.ConversationState{MessageCount: 1}
				}
				existing.MessageCount++
				return existing
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	conv, ok := s.Conversation("k")
	require.True(t, ok)
	require.Equal(t, 50, conv.MessageCount)
	require.Equal(t, int64(50), conv.Version)
}

func TestMemoryStore_UpsertConversationNilSkips(t *testing.T) {
	s := NewMemoryStore()
	applied, err := s.UpsertConversation(context.Background(), "k", func(*domain.ConversationState) *domain.ConversationState {
		return nil
	})
	require.NoError(t, err)
	require.False(t, applied)
	_, ok := s.Conversation("k")
	require.False(t, ok)
}

func TestMemoryStore_ConversationCopiesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.UpsertConversation(context.Background(), "k", func(*domain.ConversationState) *domain.ConversationState {
		return &domain.ConversationState{MediaCounts: map[string]int{"image": 1}}
	})
	require.NoError(t, err)

	conv, _ := s.Conversation("k")
	conv.MediaCounts["image"] = 99
	again, _ := s.Conversation("k")
	require.Equal(t, 1, again.MediaCounts["image"])
}

func TestMemoryStore_ContactHistoryDedupesEventIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	contact := domain.ContactRecord{FirstName: "Ada", Tags: []string{}}

	change := domain.LifecycleChange{From: "", To: "lead", Timestamp: at, EventID: "e1"}
	require.NoError(t, s.UpsertContactAndAppendHistory(ctx, "42", contact, change))
	require.NoError(t, s.UpsertContactAndAppendHistory(ctx, "42", contact, change))
	require.NoError(t, s.UpsertContactAndAppendHistory(ctx, "42", contact,
		domain.LifecycleChange{From: "lead", To: "customer", Timestamp: at, EventID: "e2"}))

	got, ok := s.Contact("42")
	require.True(t, ok)
	require.Equal(t, "customer", got.Lifecycle)
	require.Len(t, got.LifecycleHistory, 2)
	require.Equal(t, "lead", got.LifecycleHistory[0].To)
	require.Equal(t, "customer", got.LifecycleHistory[1].To)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.UpsertMessage(ctx, domain.MessageRecord{ID: "m1"}), context.Canceled)
}
