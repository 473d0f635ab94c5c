package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type stubAWSClient struct {
	values map[string]string
	err    error
}

func (c *stubAWSClient) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	v, ok := c.values[*params.SecretId]
	if !ok {
		return &secretsmanager.GetSecretValueOutput{}, nil
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}, nil
}

func TestAWSProvider_Get(t *testing.T) {
	t.Parallel()

	provider, err := NewAWSWithClient(&stubAWSClient{values: map[string]string{
		"provenet/auth-token": "  token-value  ",
	}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}

	got, err := provider.Get(context.Background(), "provenet/auth-token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "token-value" {
		t.Fatalf("value: got %q", got)
	}

	if _, err := provider.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := provider.Get(context.Background(), "  "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty key, got %v", err)
	}
}

func TestAWSProvider_GetWrapsClientError(t *testing.T) {
	t.Parallel()

	provider, err := NewAWSWithClient(&stubAWSClient{err: errors.New("throttled")})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	if _, err := provider.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEnvProvider_Get(t *testing.T) {
	t.Setenv("PROVENET_TEST_SECRET", " env-token ")

	provider := NewEnv()
	got, err := provider.Get(context.Background(), "PROVENET_TEST_SECRET")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "env-token" {
		t.Fatalf("value: got %q", got)
	}
	if _, err := provider.Get(context.Background(), "PROVENET_TEST_SECRET_MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNew_Drivers(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), "env"); err != nil {
		t.Fatalf("env driver: %v", err)
	}
	if _, err := New(context.Background(), ""); err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAuthToken(t *testing.T) {
	t.Parallel()

	got, err := AuthToken(context.Background(), nil, "")
	if err != nil || got != "" {
		t.Fatalf("anonymous: got (%q, %v)", got, err)
	}
	if _, err := AuthToken(context.Background(), nil, "key"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil provider, got %v", err)
	}

	provider, err := NewAWSWithClient(&stubAWSClient{values: map[string]string{"key": "tok"}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err = AuthToken(context.Background(), provider, "key")
	if err != nil || got != "tok" {
		t.Fatalf("resolved: got (%q, %v)", got, err)
	}
}
