package usecase

import (
	"slices"
	"time"

	"webhook-bridge/internal/domain"
)

// ApplyDelta folds one message delta into the conversation state and returns
// the next state. existing is never modified; a nil existing creates the
// conversation.
func ApplyDelta(existing *domain.ConversationState, delta domain.ConversationDelta, now time.Time) *domain.ConversationState {
	now = now.UTC()
	if existing == nil {
		next := &domain.ConversationState{
			Key:            delta.Key,
			CreatedAt:      now,
			UpdatedAt:      now,
			FirstMessageTS: delta.Timestamp,
			LastMessageTS:  delta.Timestamp,
			MessageCount:   1,
			MediaCounts:    map[string]int{},
			Channels:       []string{},
			Contact:        delta.Contact,
			Assignee:       cloneRaw(delta.Assignee),
			ChannelInfo:    mergeChannelInfo(nil, delta.Channel),
		}
		if delta.MediaType != "" {
			next.MediaCounts[delta.MediaType] = 1
		}
		if delta.ChannelName != "" {
			next.Channels = append(next.Channels, delta.ChannelName)
		}
		return next
	}

	next := cloneConversation(existing)
	next.MessageCount++
	if delta.MediaType != "" {
		next.MediaCounts[delta.MediaType]++
	}
	if delta.ChannelName != "" && !slices.Contains(next.Channels, delta.ChannelName) {
		next.Channels = append(next.Channels, delta.ChannelName)
	}
	next.Contact = delta.Contact
	if len(delta.Assignee) > 0 {
		next.Assignee = cloneRaw(delta.Assignee)
	}
	next.ChannelInfo = mergeChannelInfo(next.ChannelInfo, delta.Channel)

	// Retries and out-of-order delivery must not move the bounds inward.
	if delta.Timestamp.After(next.LastMessageTS) {
		next.LastMessageTS = delta.Timestamp
	}
	if next.FirstMessageTS.IsZero() || delta.Timestamp.Before(next.FirstMessageTS) {
		next.FirstMessageTS = delta.Timestamp
	}
	next.UpdatedAt = now
	return next
}

// ApplyLifecycle sets the lifecycle tag on an existing conversation. It
// reports false, and returns nil, when there is no conversation to update.
func ApplyLifecycle(existing *domain.ConversationState, delta domain.LifecycleDelta, now time.Time) (*domain.ConversationState, bool) {
	if existing == nil {
		return nil, false
	}
	next := cloneConversation(existing)
	next.Lifecycle = delta.Lifecycle
	next.UpdatedAt = now.UTC()
	return next, true
}

func cloneConversation(c *domain.ConversationState) *domain.ConversationState {
	next := *c
	next.MediaCounts = make(map[string]int, len(c.MediaCounts))
	for k, v := range c.MediaCounts {
		next.MediaCounts[k] = v
	}
	next.Channels = append([]string{}, c.Channels...)
	next.Assignee = cloneRaw(c.Assignee)
	if c.ChannelInfo != nil {
		info := *c.ChannelInfo
		next.ChannelInfo = &info
	}
	return &next
}

// mergeChannelInfo overlays the non-empty fields of in onto cur.
func mergeChannelInfo(cur, in *domain.ChannelInfo) *domain.ChannelInfo {
	if in == nil {
		return cur
	}
	var out domain.ChannelInfo
	if cur != nil {
		out = *cur
	}
	if in.ID != "" {
		out.ID = in.ID
	}
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.Source != "" {
		out.Source = in.Source
	}
	if in.LastMessageTime != 0 {
		out.LastMessageTime = in.LastMessageTime
	}
	if in.LastIncomingMessageTime != 0 {
		out.LastIncomingMessageTime = in.LastIncomingMessageTime
	}
	return &out
}
