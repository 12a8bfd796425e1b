package usecase

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"webhook-bridge/internal/domain"
)

const defaultSystemSource = "system"

// MessageResult is the normalized form of one message webhook.
type MessageResult struct {
	Message domain.MessageRecord
	Delta   domain.ConversationDelta
	// MediaType feeds conversation media counting only. It is empty for
	// plain text and differs from Message.ContentType for attachments.
	MediaType string
}

// LifecycleResult is the normalized form of one lifecycle webhook.
type LifecycleResult struct {
	ConversationKey string
	Contact         domain.ContactRecord
	Change          domain.LifecycleChange
	Delta           domain.LifecycleDelta
}

// NormalizeMessage turns a raw message webhook into a message record and the
// conversation delta it implies. receivedAt is used when the provider omits
// the message timestamp and as the record creation time.
func NormalizeMessage(payload []byte, direction domain.Direction, receivedAt time.Time) (MessageResult, error) {
	if direction != domain.DirectionIncoming && direction != domain.DirectionOutgoing {
		return MessageResult{}, newError(ErrorMalformedPayload, "unknown_direction", nil)
	}
	p, err := decodeWebhook(payload)
	if err != nil {
		return MessageResult{}, err
	}
	if p.Message == nil {
		return MessageResult{}, newError(ErrorMalformedPayload, "missing_message", nil)
	}

	contact := p.Contact
	if contact == nil {
		contact = &contactPayload{}
	}
	key, err := conversationKey(contact)
	if err != nil {
		return MessageResult{}, err
	}

	content, err := decodeContent(p.Message.Message)
	if err != nil {
		return MessageResult{}, err
	}
	contentType := domain.ContentType(content.Type)
	if contentType == "" {
		contentType = domain.ContentText
	}

	ts, ok := epochMillis(p.Message.Timestamp)
	if !ok {
		ts = receivedAt.UTC()
	}

	channel := p.Channel
	if channel == nil {
		channel = &channelPayload{}
	}

	rec := domain.MessageRecord{
		ID:                string(p.Message.MessageID),
		ConversationKey:   key,
		Timestamp:         ts,
		TimestampInferred: !ok,
		Direction:         direction,
		ContentType:       contentType,
		MessageTag:        content.MessageTag,
		Raw:               cloneRaw(p.Message.Message),
		ChannelMessageID:  string(p.Message.ChannelMessageID),
		ContactID:         string(contact.ID),
		ChannelID:         string(channel.ID),
		ChannelName:       channel.Name,
		ChannelSource:     channel.Source,
		Status:            cloneRaw(p.Message.Status),
		EventType:         p.EventType,
		EventID:           string(p.EventID),
		Source:            p.Source,
		CreatedAt:         receivedAt.UTC(),
	}
	if rec.ID == "" {
		rec.ID = derivedMessageID(direction, receivedAt, payload)
		rec.InsertOnly = true
	}
	rec.Sender, rec.SenderInfo = resolveSender(direction, key, contact, p.User, p.Source)
	applyContent(&rec, content)

	mediaType := extractMediaType(content)
	delta := domain.ConversationDelta{
		Key:         key,
		Timestamp:   ts,
		MediaType:   mediaType,
		ChannelName: channel.Name,
		Contact:     contactSnapshot(contact),
		Assignee:    cloneRaw(contact.Assignee),
	}
	if p.Channel != nil {
		delta.Channel = &domain.ChannelInfo{
			ID:                      string(channel.ID),
			Name:                    channel.Name,
			Source:                  channel.Source,
			LastMessageTime:         numberInt64(channel.LastMessageTime),
			LastIncomingMessageTime: numberInt64(channel.LastIncomingMessageTime),
		}
	}

	return MessageResult{Message: rec, Delta: delta, MediaType: mediaType}, nil
}

// NormalizeLifecycle turns a contact lifecycle webhook into the contact
// profile, the history entry to append and the conversation delta.
func NormalizeLifecycle(payload []byte, receivedAt time.Time) (LifecycleResult, error) {
	p, err := decodeWebhook(payload)
	if err != nil {
		return LifecycleResult{}, err
	}
	if p.Contact == nil {
		return LifecycleResult{}, newError(ErrorMissingIdentity, "missing_contact", nil)
	}
	key, err := conversationKey(p.Contact)
	if err != nil {
		return LifecycleResult{}, err
	}
	contactID := strings.TrimSpace(string(p.Contact.ID))
	if contactID == "" {
		return LifecycleResult{}, newError(ErrorMissingIdentity, "missing_contact_id", nil)
	}

	at := receivedAt.UTC()
	tags := p.Contact.Tags
	if tags == nil {
		tags = []string{}
	}
	change := domain.LifecycleChange{
		From:      p.OldLifecycle,
		To:        p.Lifecycle,
		Timestamp: at,
		EventID:   string(p.EventID),
	}
	contact := domain.ContactRecord{
		ID:          contactID,
		Phone:       p.Contact.Phone,
		FirstName:   p.Contact.FirstName,
		LastName:    p.Contact.LastName,
		Email:       p.Contact.Email,
		Language:    p.Contact.Language,
		ProfilePic:  p.Contact.ProfilePic,
		CountryCode: p.Contact.CountryCode,
		Status:      p.Contact.Status,
		Tags:        append([]string(nil), tags...),
		Assignee:    cloneRaw(p.Contact.Assignee),
		Lifecycle:   p.Lifecycle,
		UpdatedAt:   at,
	}

	return LifecycleResult{
		ConversationKey: key,
		Contact:         contact,
		Change:          change,
		Delta:           domain.LifecycleDelta{Key: key, Lifecycle: p.Lifecycle},
	}, nil
}

// conversationKey prefers the phone number and falls back to the contact id.
func conversationKey(c *contactPayload) (string, error) {
	if phone := strings.TrimSpace(c.Phone); phone != "" {
		return phone, nil
	}
	if id := strings.TrimSpace(string(c.ID)); id != "" {
		return id, nil
	}
	return "", newError(ErrorMissingIdentity, "missing_phone_and_contact_id", nil)
}

func resolveSender(direction domain.Direction, key string, c *contactPayload, user *userPayload, source string) (string, domain.SenderInfo) {
	if direction == domain.DirectionIncoming {
		return key, domain.SenderInfo{
			Phone:     c.Phone,
			ContactID: string(c.ID),
			Name:      strings.TrimSpace(c.FirstName + " " + c.LastName),
		}
	}

	if source == "" {
		source = defaultSystemSource
	}
	if user != nil {
		sender := user.Email
		if sender == "" {
			sender = defaultSystemSource
		}
		return sender, domain.SenderInfo{
			ID:        string(user.ID),
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Role:      user.Role,
		}
	}
	// Echo or automation messages carry no acting user.
	return source, domain.SenderInfo{Source: source}
}

func applyContent(rec *domain.MessageRecord, c contentPayload) {
	switch domain.ContentType(c.Type) {
	case domain.ContentAttachment:
		a := c.Attachment
		if a == nil {
			a = &attachmentPayload{}
		}
		kind := a.Type
		if kind == "" {
			kind = "file"
		}
		rec.Media = &domain.Media{
			Type:        kind,
			URL:         a.URL,
			FileName:    a.FileName,
			MimeType:    a.MimeType,
			Size:        numberInt64(a.Size),
			Ext:         a.Ext,
			Description: a.Description,
		}
	case domain.ContentImage, domain.ContentVideo, domain.ContentAudio:
		if c.URL != nil {
			rec.Media = &domain.Media{Type: c.Type, URL: *c.URL}
		}
	case domain.ContentDocument:
		if c.URL != nil {
			rec.Media = &domain.Media{Type: c.Type, URL: *c.URL}
			if c.Filename != nil {
				rec.Media.FileName = *c.Filename
			}
		}
	case domain.ContentLocation:
		rec.Location = &domain.Location{
			Latitude:  c.Latitude,
			Longitude: c.Longitude,
			Address:   c.Address,
		}
	}
}

// extractMediaType returns the media bucket a message is counted under on its
// conversation, or "" for plain text.
func extractMediaType(c contentPayload) string {
	switch c.Type {
	case "attachment":
		if c.Attachment == nil || c.Attachment.Type == "" {
			return "file"
		}
		return c.Attachment.Type
	case "image", "video", "document", "file", "audio":
		return c.Type
	case "media":
		return "media"
	}
	return ""
}

func contactSnapshot(c *contactPayload) domain.ContactSnapshot {
	return domain.ContactSnapshot{
		ID:          string(c.ID),
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Email:       c.Email,
		Phone:       c.Phone,
		Language:    c.Language,
		ProfilePic:  c.ProfilePic,
		CountryCode: c.CountryCode,
		Status:      c.Status,
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

var messageIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("webhook-bridge/message"))

// derivedMessageID names a message the provider left without an id. The same
// delivery always maps to the same id, so a replayed dead letter rewrites
// nothing.
func derivedMessageID(direction domain.Direction, receivedAt time.Time, payload []byte) string {
	data := make([]byte, 0, len(payload)+64)
	data = append(data, string(direction)...)
	data = append(data, '|')
	data = receivedAt.UTC().AppendFormat(data, time.RFC3339Nano)
	data = append(data, '|')
	data = append(data, payload...)
	return uuid.NewSHA1(messageIDNamespace, data).String()
}
