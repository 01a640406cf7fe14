package versions

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cordum/davlock/core/infra/dynamoutil"
)

// DynamoStore keeps counters in a table keyed by "resource" and bumps them
// with an atomic ADD.
type DynamoStore struct {
	client    dynamoutil.API
	tableName string
}

type counterItem struct {
	Resource string `dynamodbav:"resource"`
	Counter  int64  `dynamodbav:"counter"`
}

func NewDynamoStore(client dynamoutil.API, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) Get(ctx context.Context, resource string) (int64, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(resource),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("dynamo get version: %w", err)
	}
	if len(out.Item) == 0 {
		return 0, nil
	}
	var item counterItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return 0, fmt.Errorf("dynamo decode version: %w", err)
	}
	return item.Counter, nil
}

func (s *DynamoStore) Incr(ctx context.Context, resource string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      key(resource),
		UpdateExpression:         aws.String("ADD #c :one"),
		ExpressionAttributeNames: map[string]string{"#c": "counter"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("dynamo incr version: %w", err)
	}
	var item counterItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return 0, fmt.Errorf("dynamo decode version: %w", err)
	}
	return item.Counter, nil
}

func (s *DynamoStore) Close() error { return nil }

func key(resource string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"resource": &types.AttributeValueMemberS{Value: resource},
	}
}
