package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-hd-delivery/internal/aws"
)

// payloadPrefix marks payload index items in the records table.
const payloadPrefix = "PAYLOAD#"

// payloadIndex is the item binding an invoice payload to its record.
type payloadIndex struct {
	Key       string    `dynamodbav:"record_id"` // PK: PAYLOAD#<token>
	RecordID  string    `dynamodbav:"target_record_id"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	ExpiresAt int64     `dynamodbav:"expires_at,omitempty"`
}

// DynamoStore keeps records in a DynamoDB table keyed by record_id. Payload
// index items live in the same table under a PAYLOAD# key and share the
// record's TTL attribute (expires_at).
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	indexTTL  time.Duration
	nowFunc   func() time.Time
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore. indexTTL bounds how long a payload
// index item outlives its invoice (e.g., 30 days); zero keeps it forever.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string, indexTTL time.Duration) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		indexTTL:  indexTTL,
		nowFunc:   time.Now,
	}
}

// Create puts rec with attribute_not_exists(record_id); an existing record
// is read back and returned.
func (s *DynamoStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	now := s.nowFunc()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(record_id)"),
	})
	if err != nil {
		if !isConditionalFailure(err) {
			return Record{}, false, fmt.Errorf("put item: %w", err)
		}
		existing, getErr := s.Get(ctx, rec.ID)
		if getErr != nil {
			return Record{}, false, getErr
		}
		if existing == nil {
			return Record{}, false, fmt.Errorf("record %s vanished after conditional failure", rec.ID)
		}
		return *existing, false, nil
	}
	return rec, true, nil
}

// Get fetches a record by id. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(id),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// FindByPayload resolves the payload index item, then the record.
func (s *DynamoStore) FindByPayload(ctx context.Context, payload string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(payloadPrefix + payload),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get payload index: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var idx payloadIndex
	if err := attributevalue.UnmarshalMap(out.Item, &idx); err != nil {
		return nil, fmt.Errorf("unmarshal payload index: %w", err)
	}
	return s.Get(ctx, idx.RecordID)
}

// Transition conditionally updates the record status from -> to. When
// patch.Payload is set the update and the payload index put are issued as one
// TransactWriteItems call.
func (s *DynamoStore) Transition(ctx context.Context, id string, from, to State, patch Patch) (Record, error) {
	now := s.nowFunc()
	update := s.buildUpdate(id, from, to, patch, now)

	if patch.Payload == "" {
		update.ReturnValues = types.ReturnValueAllNew
		out, err := s.client.UpdateItem(ctx, update)
		if err != nil {
			if isConditionalFailure(err) {
				return Record{}, ErrStatusMismatch
			}
			return Record{}, fmt.Errorf("update item: %w", err)
		}
		if len(out.Attributes) == 0 {
			return s.mustGet(ctx, id)
		}
		var rec Record
		if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
			return Record{}, fmt.Errorf("unmarshal record: %w", err)
		}
		return rec, nil
	}

	idx := payloadIndex{
		Key:       payloadPrefix + patch.Payload,
		RecordID:  id,
		CreatedAt: now,
	}
	if s.indexTTL > 0 {
		idx.ExpiresAt = now.Add(s.indexTTL).Unix()
	}
	idxMap, err := attributevalue.MarshalMap(idx)
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload index: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                 update.TableName,
					Key:                       update.Key,
					UpdateExpression:          update.UpdateExpression,
					ConditionExpression:       update.ConditionExpression,
					ExpressionAttributeNames:  update.ExpressionAttributeNames,
					ExpressionAttributeValues: update.ExpressionAttributeValues,
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                idxMap,
					ConditionExpression: awsString("attribute_not_exists(record_id)"),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return Record{}, classifyCancellation(tce)
		}
		return Record{}, fmt.Errorf("transact write: %w", err)
	}
	return s.mustGet(ctx, id)
}

// Sweep is a no-op: DynamoDB TTL on expires_at removes terminal records.
func (s *DynamoStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *DynamoStore) buildUpdate(id string, from, to State, patch Patch, now time.Time) *dyn.UpdateItemInput {
	expr := "SET #s = :new, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: string(to)},
		":expected": &types.AttributeValueMemberS{Value: string(from)},
		":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	if patch.Payload != "" {
		expr += ", payload = :p"
		values[":p"] = &types.AttributeValueMemberS{Value: patch.Payload}
	}
	if patch.FailureReason != "" {
		expr += ", failure_reason = :fr"
		values[":fr"] = &types.AttributeValueMemberS{Value: patch.FailureReason}
	}
	if patch.PreviewKey != "" {
		expr += ", preview_key = :pk"
		values[":pk"] = &types.AttributeValueMemberS{Value: string(patch.PreviewKey)}
	}
	if patch.HDKey != "" {
		expr += ", hd_key = :hk"
		values[":hk"] = &types.AttributeValueMemberS{Value: string(patch.HDKey)}
	}
	if patch.ExpiresAt != 0 {
		expr += ", expires_at = :ttl"
		values[":ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(patch.ExpiresAt, 10)}
	}
	return &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       recordKey(id),
		UpdateExpression:          &expr,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("#s = :expected"),
	}
}

func (s *DynamoStore) mustGet(ctx context.Context, id string) (Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, fmt.Errorf("record %s: %w", id, ErrStatusMismatch)
	}
	return *rec, nil
}

// classifyCancellation maps the per-item cancellation reasons of an invoice
// transaction: item 0 is the state update, item 1 the payload index put.
func classifyCancellation(tce *types.TransactionCanceledException) error {
	if len(tce.CancellationReasons) >= 2 {
		if code := tce.CancellationReasons[1].Code; code != nil && *code == "ConditionalCheckFailed" {
			return ErrPayloadTaken
		}
	}
	return ErrStatusMismatch
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func recordKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"record_id": &types.AttributeValueMemberS{Value: id},
	}
}

func awsString(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
