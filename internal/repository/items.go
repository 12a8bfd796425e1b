package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"webhook-bridge/internal/domain"
)

func strAV(s string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: s}
}

func stringList(values []string) *types.AttributeValueMemberL {
	out := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		out = append(out, strAV(v))
	}
	return &types.AttributeValueMemberL{Value: out}
}

// putS sets key only for non-empty values so sparse documents stay sparse.
func putS(item map[string]types.AttributeValue, key, value string) {
	if value != "" {
		item[key] = strAV(value)
	}
}

func putRaw(item map[string]types.AttributeValue, key string, raw json.RawMessage) {
	if len(raw) > 0 {
		item[key] = strAV(string(raw))
	}
}

func floatAV(f float64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(f, 'f', -1, 64)}
}

func messageItem(msg domain.MessageRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":           strAV(msgPK(msg.ID)),
		"SK":           strAV(skMsg),
		"message_id":   strAV(msg.ID),
		"chat_id":      strAV(msg.ConversationKey),
		"ts":           strAV(isoTime(msg.Timestamp)),
		"ts_inferred":  &types.AttributeValueMemberBOOL{Value: msg.TimestampInferred},
		"sender":       strAV(msg.Sender),
		"sender_info":  senderInfoAV(msg.SenderInfo),
		"type":         strAV(string(msg.ContentType)),
		"message_type": strAV(string(msg.Direction)),
		"created_at":   strAV(isoTime(msg.CreatedAt)),
	}
	putS(item, "message_tag", msg.MessageTag)
	putRaw(item, "raw_message", msg.Raw)
	putS(item, "channel_message_id", msg.ChannelMessageID)
	putS(item, "contact_id", msg.ContactID)
	putS(item, "channel_id", msg.ChannelID)
	putS(item, "channel_name", msg.ChannelName)
	putS(item, "channel_source", msg.ChannelSource)
	putRaw(item, "status", msg.Status)
	putS(item, "event_type", msg.EventType)
	putS(item, "event_id", msg.EventID)
	putS(item, "source", msg.Source)

	if m := msg.Media; m != nil {
		media := map[string]types.AttributeValue{}
		putS(media, "type", m.Type)
		putS(media, "url", m.URL)
		putS(media, "fileName", m.FileName)
		putS(media, "mimeType", m.MimeType)
		putS(media, "ext", m.Ext)
		putS(media, "description", m.Description)
		if m.Size > 0 {
			media["size"] = numAttr(m.Size)
		}
		item["media"] = &types.AttributeValueMemberM{Value: media}
	}
	if l := msg.Location; l != nil {
		loc := map[string]types.AttributeValue{}
		if l.Latitude != nil {
			loc["latitude"] = floatAV(*l.Latitude)
		}
		if l.Longitude != nil {
			loc["longitude"] = floatAV(*l.Longitude)
		}
		putS(loc, "address", l.Address)
		item["location"] = &types.AttributeValueMemberM{Value: loc}
	}
	return item
}

func senderInfoAV(s domain.SenderInfo) *types.AttributeValueMemberM {
	m := map[string]types.AttributeValue{}
	putS(m, "phone", s.Phone)
	putS(m, "contact_id", s.ContactID)
	putS(m, "name", s.Name)
	putS(m, "id", s.ID)
	putS(m, "email", s.Email)
	putS(m, "firstName", s.FirstName)
	putS(m, "lastName", s.LastName)
	putS(m, "role", s.Role)
	putS(m, "source", s.Source)
	return &types.AttributeValueMemberM{Value: m}
}

func conversationItem(conv *domain.ConversationState) map[string]types.AttributeValue {
	media := make(map[string]types.AttributeValue, len(conv.MediaCounts))
	for k, v := range conv.MediaCounts {
		media[k] = numAttr(int64(v))
	}
	item := map[string]types.AttributeValue{
		"PK":               strAV(convPK(conv.Key)),
		"SK":               strAV(skMeta),
		"chat_id":          strAV(conv.Key),
		"created_at":       strAV(isoTime(conv.CreatedAt)),
		"updated_at":       strAV(isoTime(conv.UpdatedAt)),
		"first_message_ts": strAV(isoTime(conv.FirstMessageTS)),
		"last_message_ts":  strAV(isoTime(conv.LastMessageTS)),
		"message_count":    numAttr(int64(conv.MessageCount)),
		"media_counts":     &types.AttributeValueMemberM{Value: media},
		"channel":          stringList(conv.Channels),
		"contact":          contactSnapshotAV(conv.Contact),
		"version":          numAttr(conv.Version),
	}
	putRaw(item, "assignee", conv.Assignee)
	putS(item, "lifecycle", conv.Lifecycle)
	if ci := conv.ChannelInfo; ci != nil {
		info := map[string]types.AttributeValue{}
		putS(info, "id", ci.ID)
		putS(info, "name", ci.Name)
		putS(info, "source", ci.Source)
		if ci.LastMessageTime != 0 {
			info["lastMessageTime"] = numAttr(ci.LastMessageTime)
		}
		if ci.LastIncomingMessageTime != 0 {
			info["lastIncomingMessageTime"] = numAttr(ci.LastIncomingMessageTime)
		}
		item["channel_info"] = &types.AttributeValueMemberM{Value: info}
	}
	return item
}

func contactSnapshotAV(c domain.ContactSnapshot) *types.AttributeValueMemberM {
	m := map[string]types.AttributeValue{}
	putS(m, "id", c.ID)
	putS(m, "firstName", c.FirstName)
	putS(m, "lastName", c.LastName)
	putS(m, "email", c.Email)
	putS(m, "phone", c.Phone)
	putS(m, "language", c.Language)
	putS(m, "profilePic", c.ProfilePic)
	putS(m, "countryCode", c.CountryCode)
	putS(m, "status", c.Status)
	return &types.AttributeValueMemberM{Value: m}
}

// itemToConversation converts a DynamoDB attribute map to a ConversationState.
func itemToConversation(item map[string]types.AttributeValue) (*domain.ConversationState, error) {
	key, err := strAttr(item, "chat_id")
	if err != nil {
		return nil, err
	}
	count, err := intAttr(item, "message_count")
	if err != nil {
		return nil, err
	}
	conv := &domain.ConversationState{
		Key:          key,
		MessageCount: count,
		MediaCounts:  map[string]int{},
		Channels:     []string{},
		Lifecycle:    optStr(item, "lifecycle"),
	}
	if conv.CreatedAt, err = optTime(item, "created_at"); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = optTime(item, "updated_at"); err != nil {
		return nil, err
	}
	if conv.FirstMessageTS, err = optTime(item, "first_message_ts"); err != nil {
		return nil, err
	}
	if conv.LastMessageTS, err = optTime(item, "last_message_ts"); err != nil {
		return nil, err
	}
	if _, ok := item["version"]; ok {
		v, err := intAttr(item, "version")
		if err != nil {
			return nil, err
		}
		conv.Version = int64(v)
	}
	if raw := optStr(item, "assignee"); raw != "" {
		conv.Assignee = json.RawMessage(raw)
	}

	if m, ok := item["media_counts"].(*types.AttributeValueMemberM); ok {
		for k := range m.Value {
			n, err := intAttr(m.Value, k)
			if err != nil {
				return nil, fmt.Errorf("repository: media_counts: %w", err)
			}
			conv.MediaCounts[k] = n
		}
	}
	if l, ok := item["channel"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				conv.Channels = append(conv.Channels, s.Value)
			}
		}
	}
	if m, ok := item["contact"].(*types.AttributeValueMemberM); ok {
		conv.Contact = domain.ContactSnapshot{
			ID:          optStr(m.Value, "id"),
			FirstName:   optStr(m.Value, "firstName"),
			LastName:    optStr(m.Value, "lastName"),
			Email:       optStr(m.Value, "email"),
			Phone:       optStr(m.Value, "phone"),
			Language:    optStr(m.Value, "language"),
			ProfilePic:  optStr(m.Value, "profilePic"),
			CountryCode: optStr(m.Value, "countryCode"),
			Status:      optStr(m.Value, "status"),
		}
	}
	if m, ok := item["channel_info"].(*types.AttributeValueMemberM); ok {
		conv.ChannelInfo = &domain.ChannelInfo{
			ID:                      optStr(m.Value, "id"),
			Name:                    optStr(m.Value, "name"),
			Source:                  optStr(m.Value, "source"),
			LastMessageTime:         optInt64(m.Value, "lastMessageTime"),
			LastIncomingMessageTime: optInt64(m.Value, "lastIncomingMessageTime"),
		}
	}
	return conv, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func optInt64(item map[string]types.AttributeValue, key string) int64 {
	n, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func optTime(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s := optStr(item, key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
