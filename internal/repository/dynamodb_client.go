package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"webhook-bridge/internal/domain"
)

const (
	pkPrefixMsg     = "MSG#"
	pkPrefixConv    = "CONV#"
	pkPrefixContact = "CONTACT#"
	skMsg           = "MSG#"
	skMeta          = "META#"
	skProfile       = "PROFILE#"

	maxConversationAttempts = 8
)

// ErrConflict is returned when a conversation kept changing underneath every
// conditional write attempt.
var ErrConflict = errors.New("repository: conversation update conflict")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores one tenant's messages, conversations and contacts in a single
// DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func (c *Client) TableName() string { return c.tableName }

func msgPK(id string) string     { return pkPrefixMsg + id }
func convPK(key string) string   { return pkPrefixConv + key }
func contactPK(id string) string { return pkPrefixContact + id }
func isoTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// UpsertMessage writes the message document. Provider-identified messages are
// overwritten in place so redelivery converges; generated ids are create-only.
func (c *Client) UpsertMessage(ctx context.Context, msg domain.MessageRecord) error {
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("repository: UpsertMessage: message id is required")
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      messageItem(msg),
	}
	if msg.InsertOnly {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	}
	_, err := c.api.PutItem(ctx, in)
	if err != nil {
		if msg.InsertOnly && isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: UpsertMessage: %w", err)
	}
	return nil
}

// GetConversation returns the conversation for key, or nil when none exists.
func (c *Client) GetConversation(ctx context.Context, key string) (*domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// UpsertConversation reads the conversation, applies fn and writes the result
// conditioned on the version it read. A lost race re-reads and re-applies.
func (c *Client) UpsertConversation(ctx context.Context, key string, fn func(existing *domain.ConversationState) *domain.ConversationState) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, errors.New("repository: UpsertConversation: key is required")
	}
	for attempt := 0; attempt < maxConversationAttempts; attempt++ {
		existing, err := c.GetConversation(ctx, key)
		if err != nil {
			return false, fmt.Errorf("repository: UpsertConversation: %w", err)
		}
		next := fn(existing)
		if next == nil {
			return false, nil
		}
		next.Key = key

		in := &dynamodb.PutItemInput{TableName: aws.String(c.tableName)}
		switch {
		case existing == nil:
			next.Version = 1
			in.ConditionExpression = aws.String("attribute_not_exists(PK)")
		case existing.Version == 0:
			next.Version = 1
			in.ConditionExpression = aws.String("attribute_exists(PK) AND attribute_not_exists(#v)")
			in.ExpressionAttributeNames = map[string]string{"#v": "version"}
		default:
			next.Version = existing.Version + 1
			in.ConditionExpression = aws.String("#v = :v")
			in.ExpressionAttributeNames = map[string]string{"#v": "version"}
			in.ExpressionAttributeValues = map[string]types.AttributeValue{":v": numAttr(existing.Version)}
		}
		in.Item = conversationItem(next)

		if _, err := c.api.PutItem(ctx, in); err != nil {
			if isConditionFailed(err) {
				continue
			}
			return false, fmt.Errorf("repository: UpsertConversation: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("repository: UpsertConversation %q: %w", key, ErrConflict)
}

// UpsertContactAndAppendHistory overwrites the contact profile and appends
// change to its lifecycle history in one update. A change whose event id is
// already recorded is treated as a redelivery and leaves the item untouched.
func (c *Client) UpsertContactAndAppendHistory(ctx context.Context, contactID string, contact domain.ContactRecord, change domain.LifecycleChange) error {
	if strings.TrimSpace(contactID) == "" {
		return errors.New("repository: UpsertContactAndAppendHistory: contact id is required")
	}
	u := newUpdateBuilder()
	u.set("contact_id", strAV(contactID))
	u.set("phone", strAV(contact.Phone))
	u.set("first_name", strAV(contact.FirstName))
	u.set("last_name", strAV(contact.LastName))
	u.set("email", strAV(contact.Email))
	u.set("language", strAV(contact.Language))
	u.set("profile_pic", strAV(contact.ProfilePic))
	u.set("country_code", strAV(contact.CountryCode))
	u.set("status", strAV(contact.Status))
	u.set("tags", stringList(contact.Tags))
	if len(contact.Assignee) > 0 {
		u.set("assignee", strAV(string(contact.Assignee)))
	}
	u.set("lifecycle", strAV(change.To))
	u.set("updated_at", strAV(isoTime(contact.UpdatedAt)))

	u.names["#hist"] = "lifecycle_history"
	u.values[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	u.values[":entry"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{historyEntry(change)}}
	u.sets = append(u.sets, "#hist = list_append(if_not_exists(#hist, :empty), :entry)")

	expr := "SET " + strings.Join(u.sets, ", ")
	in := &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: contactPK(contactID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
	}
	if change.EventID != "" {
		u.names["#eids"] = "history_event_ids"
		u.values[":eids"] = &types.AttributeValueMemberSS{Value: []string{change.EventID}}
		u.values[":eid"] = strAV(change.EventID)
		expr += " ADD #eids :eids"
		in.ConditionExpression = aws.String("attribute_not_exists(PK) OR NOT contains(#eids, :eid)")
	}
	in.UpdateExpression = aws.String(expr)
	in.ExpressionAttributeNames = u.names
	in.ExpressionAttributeValues = u.values

	if _, err := c.api.UpdateItem(ctx, in); err != nil {
		if change.EventID != "" && isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: UpsertContactAndAppendHistory: %w", err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

type updateBuilder struct {
	sets   []string
	names  map[string]string
	values map[string]types.AttributeValue
}

func newUpdateBuilder() *updateBuilder {
	return &updateBuilder{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
}

// set aliases every attribute name since several (status, language) are
// DynamoDB reserved words.
func (u *updateBuilder) set(attr string, v types.AttributeValue) {
	n := len(u.sets)
	name := fmt.Sprintf("#a%d", n)
	value := fmt.Sprintf(":a%d", n)
	u.names[name] = attr
	u.values[value] = v
	u.sets = append(u.sets, name+" = "+value)
}

func historyEntry(change domain.LifecycleChange) types.AttributeValue {
	m := map[string]types.AttributeValue{
		"from":      strAV(change.From),
		"to":        strAV(change.To),
		"timestamp": strAV(isoTime(change.Timestamp)),
	}
	if change.EventID != "" {
		m["event_id"] = strAV(change.EventID)
	}
	return &types.AttributeValueMemberM{Value: m}
}
