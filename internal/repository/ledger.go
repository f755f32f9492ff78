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

const (
	skPrefixMsg = "M#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// LedgerStore is the append-only per-session message ledger. It
// exclusively owns TurnMessage identity: messages live under
// PK "S#<sessionID>" with zero-padded sequence sort keys so lexical
// order is turn order.
type LedgerStore struct {
	api       dynamoAPI
	tableName string
}

func NewLedgerStore(api dynamoAPI, tableName string) (*LedgerStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &LedgerStore{api: api, tableName: tableName}, nil
}

func sessionPK(sessionID string) string {
	return "S#" + sessionID
}

func msgSK(seq int) string {
	return fmt.Sprintf("%s%08d", skPrefixMsg, seq)
}

func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// Append writes one ledger entry. The conditional put makes the append
// idempotent per (session, seq): if the slot is taken by a record with
// the same event id and role, the write already happened and Append
// reports success; a different occupant is a sequencing conflict.
func (l *LedgerStore) Append(ctx context.Context, msg domain.TurnMessage) error {
	if msg.SessionID == "" {
		return errors.New("repository: Append: session id is required")
	}
	if msg.Seq <= 0 {
		return errors.New("repository: Append: seq must be positive")
	}

	_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err == nil {
		return nil
	}

	var condFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &condFailed) {
		return fmt.Errorf("repository: Append: %w", err)
	}

	existing, getErr := l.getMessage(ctx, msg.SessionID, msg.Seq)
	if getErr != nil {
		return fmt.Errorf("repository: Append: verify occupant: %w", getErr)
	}
	if existing.EventID == msg.EventID && existing.Role == msg.Role {
		return nil
	}
	return fmt.Errorf("repository: Append: seq %d already taken by event %q", msg.Seq, existing.EventID)
}

// History returns the newest messages for a session in chronological
// order, bounded by limit.
func (l *LedgerStore) History(ctx context.Context, sessionID string, limit int) ([]domain.TurnMessage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(l.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so the limit keeps the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := l.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: History query: %w", err)
	}

	msgs := make([]domain.TurnMessage, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToTurnMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: History unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LastSeq returns the highest sequence number recorded for a session,
// or zero for an empty ledger.
func (l *LedgerStore) LastSeq(ctx context.Context, sessionID string) (int, error) {
	out, err := l.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: LastSeq query: %w", err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	seq, err := intAttr(out.Items[0], "seq")
	if err != nil {
		return 0, fmt.Errorf("repository: LastSeq decode: %w", err)
	}
	return seq, nil
}

func (l *LedgerStore) getMessage(ctx context.Context, sessionID string, seq int) (domain.TurnMessage, error) {
	out, err := l.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: msgSK(seq)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.TurnMessage{}, err
	}
	if len(out.Item) == 0 {
		return domain.TurnMessage{}, errors.New("occupant vanished")
	}
	return itemToTurnMessage(out.Item)
}

func messageItem(msg domain.TurnMessage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(msg.SessionID)},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(msg.Seq)},
		"session_id": &types.AttributeValueMemberS{Value: msg.SessionID},
		"role":       &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":    &types.AttributeValueMemberS{Value: msg.Content},
		"seq":        &types.AttributeValueMemberN{Value: strconv.Itoa(msg.Seq)},
		"event_id":   &types.AttributeValueMemberS{Value: msg.EventID},
		"ts":         &types.AttributeValueMemberS{Value: msg.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(msg.Timestamp), 10)},
	}
	if msg.TopicID != "" {
		item["topic_id"] = &types.AttributeValueMemberS{Value: msg.TopicID}
	}
	return item
}

func itemToTurnMessage(item map[string]types.AttributeValue) (domain.TurnMessage, error) {
	sessionID, err := strAttr(item, "session_id")
	if err != nil {
		return domain.TurnMessage{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.TurnMessage{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.TurnMessage{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.TurnMessage{}, err
	}
	topicID, _ := strAttr(item, "topic_id") // nullable
	eventID, _ := strAttr(item, "event_id") // absent on legacy rows
	tsRaw, _ := strAttr(item, "ts")
	ts, _ := time.Parse(time.RFC3339Nano, tsRaw)

	return domain.TurnMessage{
		SessionID: sessionID,
		TopicID:   topicID,
		Role:      domain.Role(role),
		Content:   content,
		Seq:       seq,
		EventID:   eventID,
		Timestamp: ts,
	}, nil
}
