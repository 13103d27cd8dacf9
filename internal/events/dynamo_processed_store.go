package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type processedItem struct {
	Key         string `dynamodbav:"idempotencyKey"`
	Provider    string `dynamodbav:"provider"`
	EventID     string `dynamodbav:"eventId"`
	ProcessedAt string `dynamodbav:"processedAt"`
	ExpiresAt   int64  `dynamodbav:"expiresAt"`
}

// DynamoProcessedStore claims idempotency keys with a conditional PutItem.
// Items carry an expiresAt attribute for table TTL.
type DynamoProcessedStore struct {
	client    dynamoAPI
	tableName string
	retention time.Duration
	now       func() time.Time
}

func NewDynamoProcessedStore(client dynamoAPI, tableName string) *DynamoProcessedStore {
	if client == nil {
		panic("events: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("events: dynamodb table name required")
	}
	return &DynamoProcessedStore{
		client:    client,
		tableName: tableName,
		retention: 30 * 24 * time.Hour,
		now:       time.Now,
	}
}

func (s *DynamoProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(provider, eventID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("events: get processed item: %w", err)
	}
	return len(out.Item) > 0, nil
}

func (s *DynamoProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	now := s.now().UTC()
	item, err := attributevalue.MarshalMap(processedItem{
		Key:         provider + "#" + eventID,
		Provider:    provider,
		EventID:     eventID,
		ProcessedAt: now.Format(time.RFC3339),
		ExpiresAt:   now.Add(s.retention).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("events: marshal processed item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotencyKey)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("events: put processed item: %w", err)
	}
	return true, nil
}

func itemKey(provider, eventID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotencyKey": &types.AttributeValueMemberS{Value: provider + "#" + eventID},
	}
}
