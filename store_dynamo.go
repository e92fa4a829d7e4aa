package dal

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI captures the subset of DynamoDB client methods used by the backend.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

// DynamoQuery runs a Query instead of a Scan.
type DynamoQuery struct {
	KeyCondition expression.KeyConditionBuilder
	Filter       *expression.ConditionBuilder
	IndexName    string
}

type dynamoBackend struct {
	client      DynamoAPI
	tablePrefix string
	idField     string
}

func newDynamoBackend(ctx context.Context, cfg Config) (Backend, error) {
	client := cfg.Dynamo.Client
	if client == nil {
		sdkClient, err := newDynamoClient(ctx, cfg.Dynamo)
		if err != nil {
			return nil, err
		}
		client = sdkClient
	}
	// Check connectivity so credential and endpoint problems surface at init.
	if _, err := client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}); err != nil {
		return nil, fmt.Errorf("check dynamodb connectivity: %w", err)
	}
	return NewDynamoBackend(client, cfg.Dynamo.TablePrefix, cfg.IDField), nil
}

// NewDynamoBackend wraps a DynamoDB client. Each collection maps to the table
// tablePrefix+collection; scalar keys are stored under idField.
func NewDynamoBackend(client DynamoAPI, tablePrefix, idField string) Backend {
	if idField == "" {
		idField = defaultIDField
	}
	return &dynamoBackend{client: client, tablePrefix: tablePrefix, idField: idField}
}

func newDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		// Local endpoints (DynamoDB Local, LocalStack) accept any static credentials.
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (b *dynamoBackend) Type() BackendType { return BackendManagedNoSQL }

func (b *dynamoBackend) Get(ctx context.Context, collection string, key Key) (Document, bool, error) {
	keyAttrs, err := b.keyAttributes(key)
	if err != nil {
		return nil, false, err
	}
	input := &dynamodb.GetItemInput{
		TableName: aws.String(b.table(collection)),
		Key:       keyAttrs,
	}
	out, err := b.client.GetItem(ctx, input)
	if err != nil {
		return nil, false, tableError(input.TableName, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	doc, err := unmarshalDynamoItem(out.Item)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Set updates the non-key attributes of the item addressed by key and returns the
// full item. A zero key or ItemKey writes data as a complete item.
func (b *dynamoBackend) Set(ctx context.Context, collection string, key Key, data Document) (Document, error) {
	if key.IsZero() || (key.IsComposite() && len(key.Fields()) == 0) {
		return b.putItem(ctx, collection, data)
	}
	keyAttrs, err := b.keyAttributes(key)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(data))
	for name := range data {
		if _, isKey := keyAttrs[name]; isKey {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	input := &dynamodb.UpdateItemInput{
		TableName:    aws.String(b.table(collection)),
		Key:          keyAttrs,
		ReturnValues: types.ReturnValueAllNew,
	}
	if len(names) > 0 {
		var update expression.UpdateBuilder
		for _, name := range names {
			update = update.Set(expression.Name(name), expression.Value(data[name]))
		}
		expr, err := expression.NewBuilder().WithUpdate(update).Build()
		if err != nil {
			return nil, fmt.Errorf("build update expression: %w", err)
		}
		input.UpdateExpression = expr.Update()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	out, err := b.client.UpdateItem(ctx, input)
	if err != nil {
		return nil, tableError(input.TableName, err)
	}
	return unmarshalDynamoItem(out.Attributes)
}

func (b *dynamoBackend) putItem(ctx context.Context, collection string, data Document) (Document, error) {
	item, err := attributevalue.MarshalMap(map[string]any(data))
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	table := aws.String(b.table(collection))
	if _, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: table,
		Item:      item,
	}); err != nil {
		return nil, tableError(table, err)
	}
	return unmarshalDynamoItem(item)
}

func (b *dynamoBackend) Fetch(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	table := aws.String(b.table(collection))
	switch f := filter.(type) {
	case nil:
		return b.scan(ctx, &dynamodb.ScanInput{TableName: table})
	case Fields:
		return b.scanWhere(ctx, table, f)
	case map[string]any:
		return b.scanWhere(ctx, table, Fields(f))
	case expression.ConditionBuilder:
		expr, err := expression.NewBuilder().WithFilter(f).Build()
		if err != nil {
			return nil, fmt.Errorf("build filter expression: %w", err)
		}
		return b.scan(ctx, &dynamodb.ScanInput{
			TableName:                 table,
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
	case DynamoQuery:
		builder := expression.NewBuilder().WithKeyCondition(f.KeyCondition)
		if f.Filter != nil {
			builder = builder.WithFilter(*f.Filter)
		}
		expr, err := builder.Build()
		if err != nil {
			return nil, fmt.Errorf("build query expression: %w", err)
		}
		input := &dynamodb.QueryInput{
			TableName:                 table,
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}
		if f.IndexName != "" {
			input.IndexName = aws.String(f.IndexName)
		}
		return b.query(ctx, input)
	default:
		return nil, fmt.Errorf("%w: %T for dynamodb", ErrUnsupportedFilter, filter)
	}
}

func (b *dynamoBackend) scanWhere(ctx context.Context, table *string, fields Fields) ([]Document, error) {
	if len(fields) == 0 {
		return b.scan(ctx, &dynamodb.ScanInput{TableName: table})
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	cond := expression.Name(names[0]).Equal(expression.Value(fields[names[0]]))
	for _, name := range names[1:] {
		cond = cond.And(expression.Name(name).Equal(expression.Value(fields[name])))
	}
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("build filter expression: %w", err)
	}
	return b.scan(ctx, &dynamodb.ScanInput{
		TableName:                 table,
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

func (b *dynamoBackend) scan(ctx context.Context, input *dynamodb.ScanInput) ([]Document, error) {
	out := []Document{}
	for {
		page, err := b.client.Scan(ctx, input)
		if err != nil {
			return nil, tableError(input.TableName, err)
		}
		docs, err := unmarshalDynamoItems(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (b *dynamoBackend) query(ctx context.Context, input *dynamodb.QueryInput) ([]Document, error) {
	out := []Document{}
	for {
		page, err := b.client.Query(ctx, input)
		if err != nil {
			return nil, tableError(input.TableName, err)
		}
		docs, err := unmarshalDynamoItems(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (b *dynamoBackend) keyAttributes(key Key) (map[string]types.AttributeValue, error) {
	switch {
	case key.IsZero():
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	case key.IsComposite():
		fields := key.Fields()
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: composite key without fields", ErrInvalidKey)
		}
		return attributevalue.MarshalMap(fields)
	default:
		av, err := attributevalue.Marshal(key.Scalar())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return map[string]types.AttributeValue{b.idField: av}, nil
	}
}

func (b *dynamoBackend) table(collection string) string {
	return b.tablePrefix + collection
}

func unmarshalDynamoItem(item map[string]types.AttributeValue) (Document, error) {
	var doc map[string]any
	err := attributevalue.UnmarshalMapWithOptions(item, &doc, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return Document(exactNumbers(doc).(map[string]any)), nil
}

func unmarshalDynamoItems(items []map[string]types.AttributeValue) ([]Document, error) {
	out := make([]Document, 0, len(items))
	for _, item := range items {
		doc, err := unmarshalDynamoItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func isDynamoNotFound(err error) bool {
	var rnfe *types.ResourceNotFoundException
	return errors.As(err, &rnfe)
}

// tableError names the table when DynamoDB reports it missing.
func tableError(table *string, err error) error {
	if isDynamoNotFound(err) {
		return fmt.Errorf("dynamodb table %q not found: %w", aws.ToString(table), err)
	}
	return err
}
