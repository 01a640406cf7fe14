// Package dynamotest provides an in-memory stand-in for the DynamoDB calls
// the davlock stores make. It understands only the expressions those stores
// emit.
package dynamotest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const hashKey = "resource"

type item = map[string]types.AttributeValue

// Fake is a single-partition in-memory table set. Set Err to make every
// call fail.
type Fake struct {
	mu     sync.Mutex
	tables map[string]map[string]item
	Err    error
}

func New() *Fake {
	return &Fake{tables: make(map[string]map[string]item)}
}

func (f *Fake) table(name *string) map[string]item {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		t = make(map[string]item)
		f.tables[aws.ToString(name)] = t
	}
	return t
}

// Len reports how many items a table holds.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[tableName])
}

func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	existing := f.table(in.TableName)[keyOf(in.Key)]
	return &dynamodb.GetItemOutput{Item: clone(existing)}, nil
}

func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := f.table(in.TableName)
	key := keyOf(in.Item)
	if err := check(t[key], in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	t[key] = clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := f.table(in.TableName)
	key := keyOf(in.Key)
	if err := check(t[key], in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(t, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

// UpdateItem supports a single "ADD <name> <value>" on a numeric attribute.
func (f *Fake) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	fields := strings.Fields(aws.ToString(in.UpdateExpression))
	if len(fields) != 3 || fields[0] != "ADD" {
		return nil, fmt.Errorf("dynamotest: unsupported update %q", aws.ToString(in.UpdateExpression))
	}
	attr := resolveName(fields[1], in.ExpressionAttributeNames)
	delta, err := numberOf(in.ExpressionAttributeValues[fields[2]])
	if err != nil {
		return nil, err
	}
	t := f.table(in.TableName)
	key := keyOf(in.Key)
	cur := t[key]
	if cur == nil {
		cur = clone(in.Key)
	}
	current := int64(0)
	if v, ok := cur[attr]; ok {
		if current, err = numberOf(v); err != nil {
			return nil, err
		}
	}
	next := &types.AttributeValueMemberN{Value: strconv.FormatInt(current+delta, 10)}
	cur[attr] = next
	t[key] = cur
	return &dynamodb.UpdateItemOutput{Attributes: item{attr: next}}, nil
}

// Scan supports an optional "begins_with(<name>, <value>)" filter and returns a single page.
func (f *Fake) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	attr, prefix := "", ""
	if expr := aws.ToString(in.FilterExpression); expr != "" {
		inner := strings.TrimSuffix(strings.TrimPrefix(expr, "begins_with("), ")")
		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("dynamotest: unsupported filter %q", expr)
		}
		attr = resolveName(strings.TrimSpace(parts[0]), in.ExpressionAttributeNames)
		prefix = stringOf(in.ExpressionAttributeValues[strings.TrimSpace(parts[1])])
	}
	t := f.table(in.TableName)
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &dynamodb.ScanOutput{}
	for _, k := range keys {
		it := t[k]
		if attr != "" && !strings.HasPrefix(stringOf(it[attr]), prefix) {
			continue
		}
		out.Items = append(out.Items, clone(it))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func check(existing item, cond *string, names map[string]string, values map[string]types.AttributeValue) error {
	expr := aws.ToString(cond)
	if expr == "" {
		return nil
	}
	ok := false
	switch {
	case strings.HasPrefix(expr, "attribute_not_exists("):
		name := resolveName(strings.TrimSuffix(strings.TrimPrefix(expr, "attribute_not_exists("), ")"), names)
		_, present := existing[name]
		ok = existing == nil || !present
	case strings.Contains(expr, " = "):
		parts := strings.SplitN(expr, " = ", 2)
		name := resolveName(strings.TrimSpace(parts[0]), names)
		want := values[strings.TrimSpace(parts[1])]
		ok = existing != nil && stringOf(existing[name]) == stringOf(want)
	default:
		return fmt.Errorf("dynamotest: unsupported condition %q", expr)
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	return nil
}

func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		return names[token]
	}
	return token
}

func keyOf(it item) string {
	return stringOf(it[hashKey])
}

func stringOf(v types.AttributeValue) string {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		return t.Value
	default:
		return ""
	}
}

func numberOf(v types.AttributeValue) (int64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamotest: expected number attribute")
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
