// Package lease serializes deployment runs per environment through a
// conditional-put record carrying an owner and an expiry.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// ErrLeaseHeld means another run holds a live lease on the
// environment. The caller aborts without issuing any mutating call.
var ErrLeaseHeld = errors.New("deployment lease held by another run")

// DefaultTTL bounds how long a crashed run can block the environment.
const DefaultTTL = 15 * time.Minute

// Lease is the record stored per environment.
type Lease struct {
	Environment string `dynamodbav:"environment"`
	Owner       string `dynamodbav:"owner"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
}

type dynamoAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store acquires and releases deployment leases.
type Store struct {
	client dynamoAPI
	table  string
	ttl    time.Duration
	logger *slog.Logger

	now func() time.Time
}

// NewStore creates a lease store backed by the given table.
func NewStore(client dynamoAPI, table string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		table:  table,
		ttl:    DefaultTTL,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureTable creates the lease table when absent and waits until it
// is usable.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err == nil {
		return nil
	}

	var notFound *dbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to look up lease table %s: %w", s.table, err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: dbtypes.BillingModePayPerRequest,
		AttributeDefinitions: []dbtypes.AttributeDefinition{{
			AttributeName: aws.String("environment"),
			AttributeType: dbtypes.ScalarAttributeTypeS,
		}},
		KeySchema: []dbtypes.KeySchemaElement{{
			AttributeName: aws.String("environment"),
			KeyType:       dbtypes.KeyTypeHash,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create lease table %s: %w", s.table, err)
	}

	s.logger.InfoContext(ctx, "created lease table", slog.String("table", s.table))

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	input := &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}
	if err := waiter.Wait(ctx, input, 2*time.Minute); err != nil {
		return fmt.Errorf("lease table %s did not become usable: %w", s.table, err)
	}
	return nil
}

// Acquire takes the lease for the environment and returns the owner
// token needed to release it. A live lease held by another run fails
// with ErrLeaseHeld; an expired lease is taken over.
func (s *Store) Acquire(ctx context.Context, environment string) (string, error) {
	owner := uuid.NewString()
	record := Lease{
		Environment: environment,
		Owner:       owner,
		ExpiresAt:   s.now().Add(s.ttl).Unix(),
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal lease: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(environment) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", s.now().Unix())},
		},
	})
	if err != nil {
		var conditionFailed *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return "", fmt.Errorf("%w: environment %s", ErrLeaseHeld, environment)
		}
		return "", fmt.Errorf("failed to acquire lease for %s: %w", environment, err)
	}

	s.logger.InfoContext(ctx, "acquired deployment lease",
		slog.String("environment", environment),
		slog.String("owner", owner),
	)
	return owner, nil
}

// Release drops the lease if this run still owns it. A lease that
// expired and was taken over is left alone.
func (s *Store) Release(ctx context.Context, environment, owner string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]dbtypes.AttributeValue{
			"environment": &dbtypes.AttributeValueMemberS{Value: environment},
		},
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var conditionFailed *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			s.logger.WarnContext(ctx, "lease already taken over, leaving it",
				slog.String("environment", environment),
			)
			return nil
		}
		return fmt.Errorf("failed to release lease for %s: %w", environment, err)
	}

	s.logger.InfoContext(ctx, "released deployment lease",
		slog.String("environment", environment),
	)
	return nil
}
