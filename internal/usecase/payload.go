package usecase

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed webhook.schema.json
var webhookSchemaJSON []byte

const webhookSchemaURL = "webhook.schema.json"

var webhookSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("usecase: parse webhook schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(webhookSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("usecase: add webhook schema: %v", err))
	}
	sch, err := c.Compile(webhookSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("usecase: compile webhook schema: %v", err))
	}
	return sch
}

// flexID accepts identifiers the provider sends either as JSON numbers or
// as strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type webhookPayload struct {
	EventType    string          `json:"event_type"`
	EventID      flexID          `json:"event_id"`
	Contact      *contactPayload `json:"contact"`
	Message      *messagePayload `json:"message"`
	Channel      *channelPayload `json:"channel"`
	User         *userPayload    `json:"user"`
	Source       string          `json:"source"`
	Lifecycle    string          `json:"lifecycle"`
	OldLifecycle string          `json:"oldLifecycle"`
}

type contactPayload struct {
	ID          flexID          `json:"id"`
	Phone       string          `json:"phone"`
	FirstName   string          `json:"firstName"`
	LastName    string          `json:"lastName"`
	Email       string          `json:"email"`
	Language    string          `json:"language"`
	ProfilePic  string          `json:"profilePic"`
	CountryCode string          `json:"countryCode"`
	Status      string          `json:"status"`
	Tags        []string        `json:"tags"`
	Assignee    json.RawMessage `json:"assignee"`
}

type messagePayload struct {
	MessageID        flexID          `json:"messageId"`
	ChannelMessageID flexID          `json:"channelMessageId"`
	Timestamp        json.Number     `json:"timestamp"`
	Message          json.RawMessage `json:"message"`
	Status           json.RawMessage `json:"status"`
}

type contentPayload struct {
	Type       string             `json:"type"`
	URL        *string            `json:"url"`
	Filename   *string            `json:"filename"`
	MessageTag string             `json:"messageTag"`
	Latitude   *float64           `json:"latitude"`
	Longitude  *float64           `json:"longitude"`
	Address    string             `json:"address"`
	Attachment *attachmentPayload `json:"attachment"`
}

type attachmentPayload struct {
	Type        string      `json:"type"`
	URL         string      `json:"url"`
	FileName    string      `json:"fileName"`
	MimeType    string      `json:"mimeType"`
	Size        json.Number `json:"size"`
	Ext         string      `json:"ext"`
	Description string      `json:"description"`
}

type channelPayload struct {
	ID                      flexID      `json:"id"`
	Name                    string      `json:"name"`
	Source                  string      `json:"source"`
	LastMessageTime         json.Number `json:"lastMessageTime"`
	LastIncomingMessageTime json.Number `json:"lastIncomingMessageTime"`
}

type userPayload struct {
	ID        flexID `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

// decodeWebhook validates payload against the webhook schema and decodes it
// into the typed shape used by the normalizer.
func decodeWebhook(payload []byte) (webhookPayload, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return webhookPayload{}, newError(ErrorMalformedPayload, "empty_payload", nil)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return webhookPayload{}, newError(ErrorMalformedPayload, "invalid_json", err)
	}
	if err := webhookSchema.Validate(inst); err != nil {
		return webhookPayload{}, newError(ErrorMalformedPayload, "schema_violation", err)
	}
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return webhookPayload{}, newError(ErrorMalformedPayload, "decode_error", err)
	}
	return p, nil
}

func decodeContent(raw json.RawMessage) (contentPayload, error) {
	var c contentPayload
	if len(raw) == 0 || string(raw) == "null" {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return contentPayload{}, newError(ErrorMalformedPayload, "decode_content", err)
	}
	return c, nil
}

// epochMillis converts a provider millisecond timestamp. A zero or missing
// value reports ok=false.
func epochMillis(n json.Number) (time.Time, bool) {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms == 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f)).UTC(), true
}

func numberInt64(n json.Number) int64 {
	s := strings.TrimSpace(n.String())
	if s == "" {
		return 0
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}
