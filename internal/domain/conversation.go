package domain

import (
	"encoding/json"
	"time"
)

// ContactSnapshot is the contact profile copied onto a conversation.
type ContactSnapshot struct {
	ID          string
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	Language    string
	ProfilePic  string
	CountryCode string
	Status      string
}

// ChannelInfo describes the channel a conversation was last seen on.
type ChannelInfo struct {
	ID                      string
	Name                    string
	Source                  string
	LastMessageTime         int64
	LastIncomingMessageTime int64
}

// ConversationState is the per-conversation rollup.
type ConversationState struct {
	Key            string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FirstMessageTS time.Time
	LastMessageTS  time.Time
	MessageCount   int
	MediaCounts    map[string]int
	Channels       []string
	Contact        ContactSnapshot
	Assignee       json.RawMessage
	Lifecycle      string
	ChannelInfo    *ChannelInfo
	// Version is bumped on every write and used for conditional updates.
	Version int64
}

// ConversationDelta is the minimal update one message event applies to its
// conversation.
type ConversationDelta struct {
	Key         string
	Timestamp   time.Time
	MediaType   string
	ChannelName string
	Contact     ContactSnapshot
	Assignee    json.RawMessage
	Channel     *ChannelInfo
}

// LifecycleDelta only touches the lifecycle tag of a conversation.
type LifecycleDelta struct {
	Key       string
	Lifecycle string
}
