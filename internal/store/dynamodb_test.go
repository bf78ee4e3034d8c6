package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
)

type fakeDynamo struct {
	getOut          *dynamodb.GetItemOutput
	getErr          error
	putErr          error
	updateErr       error
	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
}

func mustDynamo(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "conversations")
	require.NoError(t, err)
	return s
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	assert.Error(t, err)
	_, err = NewDynamoStore(&fakeDynamo{}, "  ")
	assert.Error(t, err)
}

func TestDynamo_SaveCheckpointIsConditional(t *testing.T) {
	db := &fakeDynamo{}
	s := mustDynamo(t, db)

	require.NoError(t, s.SaveCheckpoint(context.Background(), checkpointAt("c1", 3)))

	in := db.lastPutInput
	require.NotNil(t, in)
	assert.Equal(t, "conversations", aws.ToString(in.TableName))
	assert.Equal(t, "CONV#c1", in.Item["PK"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, skCheckpoint, in.Item["SK"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "3", in.Item["lastSequence"].(*types.AttributeValueMemberN).Value)
	assert.Contains(t, aws.ToString(in.ConditionExpression), "lastSequence <= :seq")
}

func TestDynamo_SaveCheckpointStale(t *testing.T) {
	s := mustDynamo(t, &fakeDynamo{putErr: conditionFailed()})
	err := s.SaveCheckpoint(context.Background(), checkpointAt("c1", 1))
	assert.True(t, errors.Is(err, ErrStaleCheckpoint))
}

func TestDynamo_SaveCheckpointFailure(t *testing.T) {
	s := mustDynamo(t, &fakeDynamo{putErr: errors.New("throttled")})
	err := s.SaveCheckpoint(context.Background(), checkpointAt("c1", 1))
	assert.True(t, errx.Is(err, errx.CodeStorageUnavailable))
}

func TestDynamo_LoadCheckpoint(t *testing.T) {
	ctx := context.Background()

	s := mustDynamo(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := s.LoadCheckpoint(ctx, "c1")
	assert.True(t, errx.Is(err, errx.CodeNotFound))

	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"data": &types.AttributeValueMemberS{Value: `{"conversation_id":"c1","user_id":"u","turns":[],"last_sequence":7}`},
	}}}
	s = mustDynamo(t, db)
	cp, err := s.LoadCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cp.LastSequence)
	assert.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestDynamo_CreateSessionExisting(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000).UTC()
	db := &fakeDynamo{
		putErr: conditionFailed(),
		getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
			"userId":         &types.AttributeValueMemberS{Value: "alice"},
			"createdAt":      numAttr(now.UnixMilli()),
			"lastActivityAt": numAttr(now.UnixMilli()),
			"lastDelivered":  numAttr(5),
		}},
	}
	s := mustDynamo(t, db)

	got, created, err := s.CreateSession(context.Background(), &model.Session{ConversationID: "c1", UserID: "mallory", CreatedAt: now, LastActivityAt: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, int64(5), got.LastDelivered)
	assert.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.lastPutInput.ConditionExpression))
}

func TestDynamo_CreateSessionNew(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000).UTC()
	s := mustDynamo(t, &fakeDynamo{})

	got, created, err := s.CreateSession(context.Background(), &model.Session{ConversationID: "c1", UserID: "alice", CreatedAt: now, LastActivityAt: now})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", got.UserID)
}

func TestDynamo_MarkDeliveredIgnoresLowerSequence(t *testing.T) {
	db := &fakeDynamo{updateErr: conditionFailed()}
	s := mustDynamo(t, db)

	require.NoError(t, s.MarkDelivered(context.Background(), "c1", 2))
	assert.Contains(t, aws.ToString(db.lastUpdateInput.ConditionExpression), "lastDelivered < :seq")

	db.updateErr = errors.New("boom")
	err := s.MarkDelivered(context.Background(), "c1", 3)
	assert.True(t, errx.Is(err, errx.CodeStorageUnavailable))
}
