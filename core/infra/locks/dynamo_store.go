package locks

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cordum/davlock/core/infra/dynamoutil"
	"github.com/google/uuid"
)

// DynamoStore keeps one item per resource in a table keyed by "resource".
// Writes are conditional on the stored revision.
type DynamoStore struct {
	client    dynamoutil.API
	tableName string
}

type dynamoItem struct {
	Resource string `dynamodbav:"resource"`
	Revision string `dynamodbav:"revision"`
	Locks    []Lock `dynamodbav:"locks"`
	// TTL attribute; zero when any lock is infinite.
	ExpiresAt int64 `dynamodbav:"expires_at,omitempty"`
}

func NewDynamoStore(client dynamoutil.API, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) Load(ctx context.Context, resource string) (*LockSet, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            resourceKey(resource),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo get lock: %w", err)
	}
	set := &LockSet{Resource: resource}
	if len(out.Item) == 0 {
		return set, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("dynamo decode lock: %w", err)
	}
	set.Locks = item.Locks
	set.Revision = item.Revision
	return set, nil
}

func (s *DynamoStore) Save(ctx context.Context, set *LockSet) error {
	if set.Empty() {
		return s.delete(ctx, set)
	}
	next := uuid.NewString()
	item := dynamoItem{Resource: set.Resource, Revision: next, Locks: set.Locks}
	if latest, ok := set.LatestExpiry(); ok {
		item.ExpiresAt = latest.Unix() + 1
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamo encode lock: %w", err)
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}
	applyRevisionCondition(set.Revision, &input.ConditionExpression, &input.ExpressionAttributeNames, &input.ExpressionAttributeValues)
	if _, err := s.client.PutItem(ctx, input); err != nil {
		if dynamoutil.IsConditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("dynamo put lock: %w", err)
	}
	set.Revision = next
	return nil
}

func (s *DynamoStore) delete(ctx context.Context, set *LockSet) error {
	if set.Revision == "" {
		return nil
	}
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       resourceKey(set.Resource),
	}
	applyRevisionCondition(set.Revision, &input.ConditionExpression, &input.ExpressionAttributeNames, &input.ExpressionAttributeValues)
	if _, err := s.client.DeleteItem(ctx, input); err != nil {
		if dynamoutil.IsConditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("dynamo delete lock: %w", err)
	}
	set.Revision = ""
	return nil
}

func (s *DynamoStore) Resources(ctx context.Context, prefix string) ([]string, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.tableName),
		FilterExpression:         aws.String("begins_with(#r, :prefix)"),
		ProjectionExpression:     aws.String("#r"),
		ExpressionAttributeNames: map[string]string{"#r": "resource"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ConsistentRead: aws.Bool(true),
	})
	out := make([]string, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo scan locks: %w", err)
		}
		for _, raw := range page.Items {
			var item struct {
				Resource string `dynamodbav:"resource"`
			}
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("dynamo decode resource: %w", err)
			}
			out = append(out, item.Resource)
		}
	}
	return out, nil
}

func (s *DynamoStore) Close() error { return nil }

func resourceKey(resource string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"resource": &types.AttributeValueMemberS{Value: resource},
	}
}

// applyRevisionCondition guards a write on the revision the caller loaded.
// An empty revision means the caller saw no record.
func applyRevisionCondition(revision string, cond **string, names *map[string]string, values *map[string]types.AttributeValue) {
	if revision == "" {
		*cond = aws.String("attribute_not_exists(#r)")
		*names = map[string]string{"#r": "resource"}
		return
	}
	*cond = aws.String("#rev = :rev")
	*names = map[string]string{"#rev": "revision"}
	*values = map[string]types.AttributeValue{
		":rev": &types.AttributeValueMemberS{Value: revision},
	}
}
