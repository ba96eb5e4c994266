package custody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"
)

const maxKeyObjectSize = 64 << 10

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Bucket string
	Prefix string
	Client S3Client
}

// S3Backend stores each record as <prefix>/keys/<address>.json. Writes use If-None-Match: *
// so a second write of the same address is rejected by the bucket.
type S3Backend struct {
	client S3Client
	bucket string
	prefix string
}

func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &S3Backend{
		client: cfg.Client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}, nil
}

func (s *S3Backend) objectKey(addr common.Address) string {
	k := "keys/" + strings.ToLower(addr.Hex()) + ".json"
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

func (s *S3Backend) Put(ctx context.Context, rec Record) error {
	if rec.Address == (common.Address{}) || len(rec.KeyJSON) == 0 {
		return fmt.Errorf("%w: empty record", ErrInvalidConfig)
	}
	key := s.objectKey(rec.Address)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(rec.KeyJSON),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"created-at": rec.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrKeyExists, rec.Address)
		}
		return fmt.Errorf("custody/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *S3Backend) Get(ctx context.Context, addr common.Address) (Record, error) {
	key := s.objectKey(addr)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
		}
		return Record{}, fmt.Errorf("custody/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxKeyObjectSize+1))
	if err != nil {
		return Record{}, fmt.Errorf("custody/s3: read %q: %w", key, err)
	}
	if len(data) > maxKeyObjectSize {
		return Record{}, fmt.Errorf("custody/s3: object %q too large", key)
	}

	rec := Record{Address: addr, KeyJSON: data}
	if ts, err := time.Parse(time.RFC3339, out.Metadata["created-at"]); err == nil {
		rec.CreatedAt = ts
	} else {
		rec.CreatedAt = aws.ToTime(out.LastModified)
	}
	return rec, nil
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

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict", "412":
		return true
	default:
		return false
	}
}
