// Package catalogue persists the durable FileRecord index in DynamoDB. It
// is deliberately independent of the in-memory UploadSession registry:
// only the terminal catalogue survives a restart.
package catalogue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
)

// Store is the FileRecord catalogue contract.
type Store interface {
	Get(ctx context.Context, fileID string) (*model.FileRecord, error)
	Put(ctx context.Context, record model.FileRecord) error
	ListByOwner(ctx context.Context, ownerID string) ([]model.FileRecord, error)
	IsReady(ctx context.Context) error
	Name() string
}

// DynamoStore is the DynamoDB implementation.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// New builds a DynamoStore against tableName, keyed on file_id with an
// owner_id-index GSI for ListByOwner.
func New(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// IsReady implements health.ReadinessCheck.
func (s *DynamoStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

// Name implements health.ReadinessCheck.
func (s *DynamoStore) Name() string { return "Catalogue[" + s.tableName + "]" }

// Get looks up one record by fileID.
func (s *DynamoStore) Get(ctx context.Context, fileID string) (*model.FileRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"file_id": &types.AttributeValueMemberS{Value: fileID},
		},
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.IOError, "get file record", err)
	}
	if out.Item == nil {
		return nil, apperror.New(apperror.NotFound, "file record not found")
	}

	var record model.FileRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, apperror.Wrap(apperror.Internal, "unmarshal file record", err)
	}
	return &record, nil
}

// Put writes one record, overwriting any existing entry for the same fileID
// — Archive's finalization is already idempotent, so a retried catalogue
// write is harmless.
func (s *DynamoStore) Put(ctx context.Context, record model.FileRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return apperror.Wrap(apperror.Internal, "marshal file record", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return apperror.Wrap(apperror.IOError, "put file record", err)
	}
	return nil
}

// ListByOwner queries the owner_id-index GSI, backing GET /files.
func (s *DynamoStore) ListByOwner(ctx context.Context, ownerID string) ([]model.FileRecord, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("owner_id-index"),
		KeyConditionExpression: aws.String("owner_id = :o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: ownerID},
		},
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.IOError, "query file records", err)
	}

	var records []model.FileRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, apperror.Wrap(apperror.Internal, "unmarshal file records", err)
	}
	return records, nil
}
