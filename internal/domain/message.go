package domain

import (
	"encoding/json"
	"time"
)

// ContentType is the provider message type. Known values are listed below;
// anything else is stored verbatim and treated as opaque content.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentVideo      ContentType = "video"
	ContentDocument   ContentType = "document"
	ContentAudio      ContentType = "audio"
	ContentLocation   ContentType = "location"
	ContentAttachment ContentType = "attachment"
)

// SenderInfo describes who produced a message. Which fields are set depends
// on the sender role: a contact, a platform user, or a system source.
type SenderInfo struct {
	Phone     string `json:"phone,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
	Name      string `json:"name,omitempty"`
	ID        string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Media holds the type-specific payload of image, video, document, audio and
// attachment messages.
type Media struct {
	Type        string
	URL         string
	FileName    string
	MimeType    string
	Size        int64
	Ext         string
	Description string
}

// Location holds the payload of a location message.
type Location struct {
	Latitude  *float64
	Longitude *float64
	Address   string
}

// MessageRecord is one normalized entry of the message log.
type MessageRecord struct {
	ID                string
	InsertOnly        bool
	ConversationKey   string
	Timestamp         time.Time
	TimestampInferred bool
	Direction         Direction
	Sender            string
	SenderInfo        SenderInfo
	ContentType       ContentType
	Media             *Media
	Location          *Location
	MessageTag        string
	Raw               json.RawMessage

	ChannelMessageID string
	ContactID        string
	ChannelID        string
	ChannelName      string
	ChannelSource    string
	Status           json.RawMessage
	EventType        string
	EventID          string
	Source           string
	CreatedAt        time.Time
}
