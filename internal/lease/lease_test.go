package lease

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo implements the conditional-put semantics the store relies
// on: a put fails while a live record exists, an expired record is
// replaced, a conditional delete checks the owner.
type fakeDynamo struct {
	tableExists bool
	records     map[string]Lease

	createCalls int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tableExists: true, records: map[string]Lease{}}
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if !f.tableExists {
		return nil, &dbtypes.ResourceNotFoundException{}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &dbtypes.TableDescription{
			TableName:   params.TableName,
			TableStatus: dbtypes.TableStatusActive,
		},
	}, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.createCalls++
	f.tableExists = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	env := params.Item["environment"].(*dbtypes.AttributeValueMemberS).Value
	owner := params.Item["owner"].(*dbtypes.AttributeValueMemberS).Value
	expires, _ := strconv.ParseInt(params.Item["expires_at"].(*dbtypes.AttributeValueMemberN).Value, 10, 64)
	now, _ := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*dbtypes.AttributeValueMemberN).Value, 10, 64)

	if existing, ok := f.records[env]; ok && existing.ExpiresAt >= now {
		return nil, &dbtypes.ConditionalCheckFailedException{}
	}
	f.records[env] = Lease{Environment: env, Owner: owner, ExpiresAt: expires}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	env := params.Key["environment"].(*dbtypes.AttributeValueMemberS).Value
	owner := params.ExpressionAttributeValues[":owner"].(*dbtypes.AttributeValueMemberS).Value

	existing, ok := f.records[env]
	if !ok || existing.Owner != owner {
		return nil, &dbtypes.ConditionalCheckFailedException{}
	}
	delete(f.records, env)
	return &dynamodb.DeleteItemOutput{}, nil
}

func newTestStore(client dynamoAPI) *Store {
	return NewStore(client, "pdfdeploy-leases", nil)
}

func TestEnsureTableCreatesWhenAbsent(t *testing.T) {
	fake := newFakeDynamo()
	fake.tableExists = false
	s := newTestStore(fake)

	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}
	if fake.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", fake.createCalls)
	}
}

func TestEnsureTableReusesExisting(t *testing.T) {
	fake := newFakeDynamo()
	s := newTestStore(fake)

	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}
	if fake.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0", fake.createCalls)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	fake := newFakeDynamo()
	s := newTestStore(fake)

	owner, err := s.Acquire(context.Background(), "production")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if owner == "" {
		t.Fatal("owner token empty")
	}

	if err := s.Release(context.Background(), "production", owner); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if len(fake.records) != 0 {
		t.Errorf("records = %v after release", fake.records)
	}
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	fake := newFakeDynamo()
	s := newTestStore(fake)

	if _, err := s.Acquire(context.Background(), "production"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Acquire(context.Background(), "production")
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("Acquire() error = %v, want ErrLeaseHeld", err)
	}
}

func TestAcquireTakesOverExpiredLease(t *testing.T) {
	fake := newFakeDynamo()
	s := newTestStore(fake)

	if _, err := s.Acquire(context.Background(), "production"); err != nil {
		t.Fatal(err)
	}

	// Jump past the expiry; the stale record must not block.
	s.now = func() time.Time { return time.Now().Add(DefaultTTL + time.Minute) }
	owner, err := s.Acquire(context.Background(), "production")
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	if owner == "" {
		t.Error("owner token empty")
	}
}

func TestReleaseByNonOwnerLeavesLease(t *testing.T) {
	fake := newFakeDynamo()
	s := newTestStore(fake)

	owner, err := s.Acquire(context.Background(), "production")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Release(context.Background(), "production", "someone-else"); err != nil {
		t.Fatalf("Release() by non-owner error = %v, want nil", err)
	}
	if got := fake.records["production"].Owner; got != owner {
		t.Errorf("lease owner = %q, want %q", got, owner)
	}
}

func TestLeasesAreIndependentPerEnvironment(t *testing.T) {
	fake := newFakeDynamo()
	s := newTestStore(fake)

	if _, err := s.Acquire(context.Background(), "production"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Acquire(context.Background(), "staging"); err != nil {
		t.Fatalf("Acquire(staging) error = %v", err)
	}
}
