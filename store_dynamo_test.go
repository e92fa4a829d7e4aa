package dal

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynStub records requests and serves canned responses.
type dynStub struct {
	getItem    *dynamodb.GetItemInput
	putItem    *dynamodb.PutItemInput
	updateItem *dynamodb.UpdateItemInput
	scans      []*dynamodb.ScanInput
	queries    []*dynamodb.QueryInput
	listCalls  int

	item       map[string]types.AttributeValue
	attributes map[string]types.AttributeValue
	pages      [][]map[string]types.AttributeValue
	err        error
}

func (d *dynStub) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	d.getItem = in
	if d.err != nil {
		return nil, d.err
	}
	return &dynamodb.GetItemOutput{Item: d.item}, nil
}

func (d *dynStub) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	d.putItem = in
	if d.err != nil {
		return nil, d.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (d *dynStub) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	d.updateItem = in
	if d.err != nil {
		return nil, d.err
	}
	return &dynamodb.UpdateItemOutput{Attributes: d.attributes}, nil
}

func (d *dynStub) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	copied := *in
	d.scans = append(d.scans, &copied)
	if d.err != nil {
		return nil, d.err
	}
	return &dynamodb.ScanOutput{Items: d.page(len(d.scans) - 1), LastEvaluatedKey: d.next(len(d.scans) - 1)}, nil
}

func (d *dynStub) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	copied := *in
	d.queries = append(d.queries, &copied)
	if d.err != nil {
		return nil, d.err
	}
	return &dynamodb.QueryOutput{Items: d.page(len(d.queries) - 1), LastEvaluatedKey: d.next(len(d.queries) - 1)}, nil
}

func (d *dynStub) ListTables(context.Context, *dynamodb.ListTablesInput, ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	d.listCalls++
	if d.err != nil {
		return nil, d.err
	}
	return &dynamodb.ListTablesOutput{}, nil
}

func (d *dynStub) page(i int) []map[string]types.AttributeValue {
	if i < len(d.pages) {
		return d.pages[i]
	}
	return nil
}

func (d *dynStub) next(i int) map[string]types.AttributeValue {
	if i+1 < len(d.pages) {
		return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "cursor"}}
	}
	return nil
}

func strAttr(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func TestDynamoBackendGet(t *testing.T) {
	stub := &dynStub{item: map[string]types.AttributeValue{
		"id":   strAttr("u1"),
		"name": strAttr("A"),
		"age":  &types.AttributeValueMemberN{Value: "30"},
	}}
	backend := NewDynamoBackend(stub, "app_", "id")

	doc, found, err := backend.Get(context.Background(), "users", ID("u1"))
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if doc["name"] != "A" || doc["age"] != float64(30) {
		t.Fatalf("unexpected document: %v", doc)
	}
	if aws.ToString(stub.getItem.TableName) != "app_users" {
		t.Fatalf("unexpected table: %s", aws.ToString(stub.getItem.TableName))
	}
	if key, ok := stub.getItem.Key["id"].(*types.AttributeValueMemberS); !ok || key.Value != "u1" {
		t.Fatalf("unexpected key attributes: %#v", stub.getItem.Key)
	}

	stub.item = nil
	doc, found, err = backend.Get(context.Background(), "users", ID("missing"))
	if err != nil || found || doc != nil {
		t.Fatalf("expected clean miss, got doc=%v found=%v err=%v", doc, found, err)
	}
}

func TestDynamoBackendGetCompositeKey(t *testing.T) {
	stub := &dynStub{}
	backend := NewDynamoBackend(stub, "", "id")

	key := CompositeKey("pk", map[string]any{"pk": "tenant#1", "sk": 7})
	if _, _, err := backend.Get(context.Background(), "orders", key); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stub.getItem.Key) != 2 {
		t.Fatalf("expected both key attributes, got %#v", stub.getItem.Key)
	}
	if sk, ok := stub.getItem.Key["sk"].(*types.AttributeValueMemberN); !ok || sk.Value != "7" {
		t.Fatalf("unexpected sort key: %#v", stub.getItem.Key["sk"])
	}

	if _, _, err := backend.Get(context.Background(), "orders", Key{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for zero key, got %v", err)
	}
}

func TestDynamoBackendSetUpdatesNonKeyAttributes(t *testing.T) {
	stub := &dynStub{attributes: map[string]types.AttributeValue{
		"id":   strAttr("u1"),
		"name": strAttr("A"),
		"city": strAttr("Oslo"),
	}}
	backend := NewDynamoBackend(stub, "", "id")

	doc, err := backend.Set(context.Background(), "users", ID("u1"), Document{"id": "ignored", "name": "A", "city": "Oslo"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if doc["city"] != "Oslo" || doc["id"] != "u1" {
		t.Fatalf("unexpected returned document: %v", doc)
	}

	in := stub.updateItem
	if in.ReturnValues != types.ReturnValueAllNew {
		t.Fatalf("expected ALL_NEW, got %q", in.ReturnValues)
	}
	if in.UpdateExpression == nil {
		t.Fatalf("expected update expression")
	}
	var names []string
	for _, name := range in.ExpressionAttributeNames {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "city" || names[1] != "name" {
		t.Fatalf("expected only non-key attributes updated, got %v", names)
	}
}

func TestDynamoBackendSetKeyOnlyOmitsExpression(t *testing.T) {
	stub := &dynStub{attributes: map[string]types.AttributeValue{"id": strAttr("u1")}}
	backend := NewDynamoBackend(stub, "", "id")

	if _, err := backend.Set(context.Background(), "users", ID("u1"), Document{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if stub.updateItem.UpdateExpression != nil || len(stub.updateItem.ExpressionAttributeNames) != 0 {
		t.Fatalf("expected no update expression, got %v", aws.ToString(stub.updateItem.UpdateExpression))
	}
}

func TestDynamoBackendSetItemShapedWritePutsItem(t *testing.T) {
	stub := &dynStub{}
	backend := NewDynamoBackend(stub, "", "id")

	doc, err := backend.Set(context.Background(), "orders", ItemKey("order_id"), Document{"order_id": "o1", "total": 12})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if stub.putItem == nil || stub.updateItem != nil {
		t.Fatalf("expected PutItem, got put=%v update=%v", stub.putItem, stub.updateItem)
	}
	if doc["order_id"] != "o1" || doc["total"] != float64(12) {
		t.Fatalf("unexpected returned item: %v", doc)
	}
}

func TestDynamoBackendFetchPaginatesScan(t *testing.T) {
	stub := &dynStub{pages: [][]map[string]types.AttributeValue{
		{{"id": strAttr("u1")}, {"id": strAttr("u2")}},
		{{"id": strAttr("u3")}},
	}}
	backend := NewDynamoBackend(stub, "", "id")

	docs, err := backend.Fetch(context.Background(), "users", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(docs) != 3 || docs[2]["id"] != "u3" {
		t.Fatalf("unexpected documents: %v", docs)
	}
	if len(stub.scans) != 2 || stub.scans[1].ExclusiveStartKey == nil {
		t.Fatalf("expected second page requested with start key, got %d scans", len(stub.scans))
	}
}

func TestDynamoBackendFetchFilters(t *testing.T) {
	ctx := context.Background()

	stub := &dynStub{}
	backend := NewDynamoBackend(stub, "", "id")
	if _, err := backend.Fetch(ctx, "users", Fields{"status": "open", "tier": 2}); err != nil {
		t.Fatalf("fetch fields: %v", err)
	}
	scan := stub.scans[0]
	if scan.FilterExpression == nil || len(scan.ExpressionAttributeValues) != 2 {
		t.Fatalf("expected equality filter over two attributes, got %+v", scan)
	}

	cond := expression.Name("age").GreaterThan(expression.Value(21))
	if _, err := backend.Fetch(ctx, "users", cond); err != nil {
		t.Fatalf("fetch condition: %v", err)
	}
	if stub.scans[1].FilterExpression == nil {
		t.Fatalf("expected condition filter expression")
	}

	status := expression.Name("status").Equal(expression.Value("open"))
	query := DynamoQuery{
		KeyCondition: expression.Key("tenant").Equal(expression.Value("t1")),
		Filter:       &status,
		IndexName:    "by_tenant",
	}
	if _, err := backend.Fetch(ctx, "orders", query); err != nil {
		t.Fatalf("fetch query: %v", err)
	}
	q := stub.queries[0]
	if q.KeyConditionExpression == nil || q.FilterExpression == nil || aws.ToString(q.IndexName) != "by_tenant" {
		t.Fatalf("unexpected query input: %+v", q)
	}

	if _, err := backend.Fetch(ctx, "orders", SQLFilter{}); !errors.Is(err, ErrUnsupportedFilter) {
		t.Fatalf("expected ErrUnsupportedFilter, got %v", err)
	}
}

func TestNewDynamoBackendChecksClient(t *testing.T) {
	stub := &dynStub{}
	backend, err := newDynamoBackend(context.Background(), Config{Dynamo: DynamoConfig{Client: stub, TablePrefix: "p_"}}.withDefaults())
	if err != nil {
		t.Fatalf("new dynamo backend: %v", err)
	}
	if stub.listCalls != 1 || backend.Type() != BackendManagedNoSQL {
		t.Fatalf("expected one connectivity check, got %d", stub.listCalls)
	}

	failing := &dynStub{err: errors.New("no credentials")}
	if _, err := newDynamoBackend(context.Background(), Config{Dynamo: DynamoConfig{Client: failing}}.withDefaults()); err == nil {
		t.Fatalf("expected connectivity check failure")
	}
}

func TestNewDynamoClientUsesEndpoint(t *testing.T) {
	client, err := newDynamoClient(context.Background(), DynamoConfig{Region: "eu-west-1", Endpoint: "http://localhost:8000"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	opts := client.Options()
	if aws.ToString(opts.BaseEndpoint) != "http://localhost:8000" || opts.Region != "eu-west-1" {
		t.Fatalf("unexpected client options: endpoint=%s region=%s", aws.ToString(opts.BaseEndpoint), opts.Region)
	}
}

func TestDynamoBackendNamesMissingTable(t *testing.T) {
	ctx := context.Background()
	stub := &dynStub{err: &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}}
	backend := NewDynamoBackend(stub, "app_", "id")

	_, _, getErr := backend.Get(ctx, "users", ID("u1"))
	_, setErr := backend.Set(ctx, "users", ID("u1"), Document{"name": "A"})
	_, putErr := backend.Set(ctx, "users", ItemKey("id"), Document{"id": "u1"})
	_, scanErr := backend.Fetch(ctx, "users", nil)
	_, queryErr := backend.Fetch(ctx, "users", DynamoQuery{KeyCondition: expression.Key("id").Equal(expression.Value("u1"))})
	for name, err := range map[string]error{"get": getErr, "update": setErr, "put": putErr, "scan": scanErr, "query": queryErr} {
		if err == nil || !strings.Contains(err.Error(), `table "app_users" not found`) {
			t.Fatalf("%s: expected missing table named, got %v", name, err)
		}
		if !isDynamoNotFound(err) {
			t.Fatalf("%s: expected wrapped ResourceNotFoundException", name)
		}
	}

	stub.err = errors.New("throttled")
	if _, _, err := backend.Get(ctx, "users", ID("u1")); err == nil || strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected other errors unchanged, got %v", err)
	}
	if isDynamoNotFound(errors.New("other")) {
		t.Fatalf("unexpected match")
	}
}

func TestDynamoBackendKeepsLargeNumbersExact(t *testing.T) {
	stub := &dynStub{attributes: map[string]types.AttributeValue{
		"id":   &types.AttributeValueMemberN{Value: "9007199254740993"},
		"name": strAttr("B"),
		"age":  &types.AttributeValueMemberN{Value: "31"},
	}}
	backend := NewDynamoBackend(stub, "", "id")

	doc, err := backend.Set(context.Background(), "users", ID(int64(9007199254740993)), Document{"name": "B"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if doc["id"] != json.Number("9007199254740993") {
		t.Fatalf("expected exact identifier, got %T %v", doc["id"], doc["id"])
	}
	if doc["age"] != float64(31) {
		t.Fatalf("expected float64 for small numbers, got %T", doc["age"])
	}
	if key, _ := DeriveCacheKey("users", ID(doc["id"])); key != "users:9007199254740993" {
		t.Fatalf("unexpected derived key: %q", key)
	}
}
