package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecrets struct {
	values map[string]string
	calls  int
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	value, ok := f.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value)}, nil
}

func TestResolvePassesPlainValuesThrough(t *testing.T) {
	r := NewResolver(&fakeSecrets{}, nil)

	resolved, err := r.Resolve(context.Background(), map[string]string{
		"STAGE":     "production",
		"LOG_LEVEL": "INFO",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved["STAGE"] != "production" || resolved["LOG_LEVEL"] != "INFO" {
		t.Errorf("resolved = %v", resolved)
	}
}

func TestResolvePlainSecret(t *testing.T) {
	fake := &fakeSecrets{values: map[string]string{
		"pdf-service/api-key": "key-value",
	}}
	r := NewResolver(fake, nil)

	resolved, err := r.Resolve(context.Background(), map[string]string{
		"API_KEY": "secret:pdf-service/api-key",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved["API_KEY"] != "key-value" {
		t.Errorf("API_KEY = %q", resolved["API_KEY"])
	}
}

func TestResolveJSONKey(t *testing.T) {
	fake := &fakeSecrets{values: map[string]string{
		"pdf-service/db": `{"host": "db.internal", "password": "hunter2"}`,
	}}
	r := NewResolver(fake, nil)

	resolved, err := r.Resolve(context.Background(), map[string]string{
		"DB_HOST":     "secret:pdf-service/db#host",
		"DB_PASSWORD": "secret:pdf-service/db#password",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved["DB_HOST"] != "db.internal" || resolved["DB_PASSWORD"] != "hunter2" {
		t.Errorf("resolved = %v", resolved)
	}
	// Both keys come from one secret; the second lookup hits the cache.
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}
}

func TestResolveMissingJSONKey(t *testing.T) {
	fake := &fakeSecrets{values: map[string]string{
		"pdf-service/db": `{"host": "db.internal"}`,
	}}
	r := NewResolver(fake, nil)

	_, err := r.Resolve(context.Background(), map[string]string{
		"DB_PASSWORD": "secret:pdf-service/db#password",
	})
	if err == nil {
		t.Fatal("Resolve() expected error for missing key")
	}
}

func TestResolveUnknownSecret(t *testing.T) {
	r := NewResolver(&fakeSecrets{}, nil)

	_, err := r.Resolve(context.Background(), map[string]string{
		"API_KEY": "secret:missing",
	})
	if err == nil {
		t.Fatal("Resolve() expected error for unknown secret")
	}
}
