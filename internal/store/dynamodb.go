package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

const (
	skCheckpoint = "CHECKPOINT#"
	skSession    = "SESSION#"
)

// dynamodbAPI is the subset of the DynamoDB client used by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore is the cold tier for multi-node deployments. Each conversation
// is one partition holding a checkpoint item and a session item.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func itemKey(conversationID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *DynamoStore) Close() error { return nil }

func (d *DynamoStore) LoadCheckpoint(ctx context.Context, conversationID string) (*model.Checkpoint, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            itemKey(conversationID, skCheckpoint),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errx.StorageUnavailable(fmt.Errorf("store: LoadCheckpoint get item: %w", err))
	}
	if out == nil || len(out.Item) == 0 {
		return nil, errx.NotFound("checkpoint")
	}

	data, err := strAttr(out.Item, "data")
	if err != nil {
		return nil, err
	}
	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("store: LoadCheckpoint decode: %w", err)
	}
	return &cp, nil
}

func (d *DynamoStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("store: SaveCheckpoint encode: %w", err)
	}

	item := itemKey(cp.ConversationID, skCheckpoint)
	item["userId"] = &types.AttributeValueMemberS{Value: cp.UserID}
	item["lastSequence"] = numAttr(cp.LastSequence)
	item["data"] = &types.AttributeValueMemberS{Value: string(data)}
	item["updatedAt"] = numAttr(cp.UpdatedAt.UnixMilli())

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR lastSequence <= :seq"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":seq": numAttr(cp.LastSequence),
		},
	})
	if isConditionFailed(err) {
		return ErrStaleCheckpoint
	}
	if err != nil {
		return errx.StorageUnavailable(fmt.Errorf("store: SaveCheckpoint: %w", err))
	}
	return nil
}

func (d *DynamoStore) LoadSession(ctx context.Context, conversationID string) (*model.Session, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            itemKey(conversationID, skSession),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errx.StorageUnavailable(fmt.Errorf("store: LoadSession get item: %w", err))
	}
	if out == nil || len(out.Item) == 0 {
		return nil, errx.NotFound("session")
	}
	return itemToSession(conversationID, out.Item)
}

func (d *DynamoStore) CreateSession(ctx context.Context, sess *model.Session) (*model.Session, bool, error) {
	item := itemKey(sess.ConversationID, skSession)
	item["userId"] = &types.AttributeValueMemberS{Value: sess.UserID}
	item["createdAt"] = numAttr(sess.CreatedAt.UnixMilli())
	item["lastActivityAt"] = numAttr(sess.LastActivityAt.UnixMilli())
	item["lastDelivered"] = numAttr(sess.LastDelivered)

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		out := *sess
		return &out, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, errx.StorageUnavailable(fmt.Errorf("store: CreateSession: %w", err))
	}

	existing, err := d.LoadSession(ctx, sess.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (d *DynamoStore) TouchSession(ctx context.Context, conversationID string, at time.Time) error {
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 itemKey(conversationID, skSession),
		UpdateExpression:    aws.String("SET lastActivityAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND lastActivityAt <= :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": numAttr(at.UnixMilli()),
		},
	})
	if isConditionFailed(err) {
		// Missing session or a newer touch already landed; neither is worth
		// failing the caller over.
		return nil
	}
	if err != nil {
		return errx.StorageUnavailable(fmt.Errorf("store: TouchSession: %w", err))
	}
	return nil
}

func (d *DynamoStore) MarkDelivered(ctx context.Context, conversationID string, seq int64) error {
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 itemKey(conversationID, skSession),
		UpdateExpression:    aws.String("SET lastDelivered = :seq"),
		ConditionExpression: aws.String("attribute_exists(PK) AND lastDelivered < :seq"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":seq": numAttr(seq),
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return errx.StorageUnavailable(fmt.Errorf("store: MarkDelivered: %w", err))
	}
	return nil
}

func itemToSession(conversationID string, item map[string]types.AttributeValue) (*model.Session, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return nil, err
	}
	createdAt, err := int64Attr(item, "createdAt")
	if err != nil {
		return nil, err
	}
	lastActivity, err := int64Attr(item, "lastActivityAt")
	if err != nil {
		return nil, err
	}
	delivered, err := int64Attr(item, "lastDelivered")
	if err != nil {
		return nil, err
	}
	return &model.Session{
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      time.UnixMilli(createdAt).UTC(),
		LastActivityAt: time.UnixMilli(lastActivity).UTC(),
		LastDelivered:  delivered,
	}, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("store: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

var _ ColdStore = (*DynamoStore)(nil)
