package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxBytes int64 = 256 << 20
)

var (
	ErrInvalidConfig = errors.New("artifactstore: invalid config")
	ErrInvalidKey    = errors.New("artifactstore: invalid key")
	ErrNotFound      = errors.New("artifactstore: not found")
	ErrTooLarge      = errors.New("artifactstore: artifact too large")
)

// Store is the content-addressed artifact cache. Pin marks a key as backing
// an in-flight job; pinned keys are never evicted.
type Store interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Pin(ctx context.Context, key string) error
	Unpin(ctx context.Context, key string) error
}

// Key helpers for the three artifact kinds. Content addressing makes writes
// idempotent: the same id always maps to the same bytes.
func ProgramKey(id common.Hash) string {
	return "programs/" + id.Hex()
}

func InputKey(id common.Hash) string {
	return "inputs/" + id.Hex()
}

func ProofKey(fingerprint common.Hash) string {
	return "proofs/" + fingerprint.Hex()
}

type Config struct {
	Driver string
	Prefix string

	// MaxBytes bounds total cached bytes in the memory driver. Defaults to
	// 256 MiB when <= 0. Pinned artifacts do not count against eviction.
	MaxBytes int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverMemory
	}
	return v
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

type s3Store struct {
	client   S3Client
	bucket   string
	prefix   string
	maxBytes int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &s3Store{
		client:   cfg.S3Client,
		bucket:   bucket,
		prefix:   normalizePrefix(cfg.Prefix),
		maxBytes: maxBytes,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte) error {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if int64(len(payload)) > s.maxBytes {
		return fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, logicalKey, s.maxBytes)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(joinPrefix(s.prefix, logicalKey)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("artifactstore/s3: put %q: %w", logicalKey, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
		}
		return nil, fmt.Errorf("artifactstore/s3: get %q: %w", logicalKey, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("artifactstore/s3: read %q: %w", logicalKey, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, logicalKey, s.maxBytes)
	}
	return data, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifactstore/s3: head %q: %w", logicalKey, err)
	}
	return true, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	logicalKey, err := normalizeKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, logicalKey)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("artifactstore/s3: delete %q: %w", logicalKey, err)
	}
	return nil
}

// Pin is a no-op for s3: the durable tier is not evicted client-side.
func (s *s3Store) Pin(_ context.Context, key string) error {
	_, err := normalizeKey(key)
	return err
}

func (s *s3Store) Unpin(_ context.Context, key string) error {
	_, err := normalizeKey(key)
	return err
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
