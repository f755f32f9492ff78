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

	"clone-agent/internal/domain"
)

const conversationKeyIndex = "conversation_key_index"

// dynamoAPI is the minimal DynamoDB interface required by the stores.
// Defined here for testability; *dynamodb.Client satisfies it.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// SessionStore owns ConversationSession identity. Sessions are keyed by
// session_id; the newest session per conversation key is found through a
// GSI on conversation_key ordered by last_active_at.
type SessionStore struct {
	api       dynamoAPI
	tableName string
}

func NewSessionStore(api dynamoAPI, tableName string) (*SessionStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &SessionStore{api: api, tableName: tableName}, nil
}

// Latest returns the most recently active session for a conversation key,
// or found=false when the key has never had one.
func (s *SessionStore) Latest(ctx context.Context, conversationKey string) (domain.Session, bool, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(conversationKeyIndex),
		KeyConditionExpression: aws.String("conversation_key = :key"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: conversationKey},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: Latest query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.Session{}, false, nil
	}
	sess, err := itemToSession(out.Items[0])
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: Latest unmarshal: %w", err)
	}
	return sess, true, nil
}

// Create writes a new session record. Session ids are caller-generated
// and must be globally unique; a collision is an error, not an upsert.
func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	if sess.ID == "" || sess.ConversationKey == "" {
		return errors.New("repository: Create: session id and conversation key are required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                sessionItem(sess),
		ConditionExpression: aws.String("attribute_not_exists(session_id)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Create: %w", err)
	}
	return nil
}

// Touch advances last_active_at. last-active-at is monotonic: the update
// is conditioned on the stored value not being ahead of the new one.
func (s *SessionStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if sessionID == "" {
		return errors.New("repository: Touch: session id is required")
	}
	now := strconv.FormatInt(at.UTC().Unix(), 10)
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: sessionID},
		},
		UpdateExpression:    aws.String("SET last_active_at = :now"),
		ConditionExpression: aws.String("last_active_at <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: now},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			// A later touch already landed; nothing to do.
			return nil
		}
		return fmt.Errorf("repository: Touch: %w", err)
	}
	return nil
}

func sessionItem(sess domain.Session) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"session_id":       &types.AttributeValueMemberS{Value: sess.ID},
		"conversation_key": &types.AttributeValueMemberS{Value: sess.ConversationKey},
		"started_at":       &types.AttributeValueMemberN{Value: strconv.FormatInt(sess.StartedAt.UTC().Unix(), 10)},
		"last_active_at":   &types.AttributeValueMemberN{Value: strconv.FormatInt(sess.LastActiveAt.UTC().Unix(), 10)},
	}
	if sess.TopicID != "" {
		item["current_topic_id"] = &types.AttributeValueMemberS{Value: sess.TopicID}
	}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "session_id")
	if err != nil {
		return domain.Session{}, err
	}
	key, err := strAttr(item, "conversation_key")
	if err != nil {
		return domain.Session{}, err
	}
	lastActive, err := intAttr(item, "last_active_at")
	if err != nil {
		return domain.Session{}, err
	}
	started, _ := intAttr(item, "started_at")       // absent on legacy rows
	topicID, _ := strAttr(item, "current_topic_id") // nullable

	return domain.Session{
		ID:              id,
		ConversationKey: key,
		TopicID:         topicID,
		StartedAt:       time.Unix(int64(started), 0).UTC(),
		LastActiveAt:    time.Unix(int64(lastActive), 0).UTC(),
	}, nil
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
