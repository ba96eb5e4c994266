package custody

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"
)

func TestNewS3Backend_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewS3Backend(S3Config{Client: &fakeS3Client{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing bucket: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewS3Backend(S3Config{Bucket: "keys"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing client: expected ErrInvalidConfig, got %v", err)
	}
}

func TestS3Backend_PutUsesConditionalWrite(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	var got *s3.PutObjectInput
	client := &fakeS3Client{
		putFn: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			got = in
			return &s3.PutObjectOutput{}, nil
		},
	}
	b, err := NewS3Backend(S3Config{Bucket: "custody", Prefix: "/prod/", Client: client})
	if err != nil {
		t.Fatalf("NewS3Backend: %v", err)
	}
	if err := b.Put(context.Background(), Record{Address: addr, KeyJSON: []byte(`{}`), CreatedAt: time.Unix(1700000000, 0)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got == nil {
		t.Fatalf("PutObject not called")
	}
	if want := "prod/keys/0x52908400098527886e0f7030069857d2e4169ee7.json"; aws.ToString(got.Key) != want {
		t.Fatalf("key: got %q want %q", aws.ToString(got.Key), want)
	}
	if aws.ToString(got.IfNoneMatch) != "*" {
		t.Fatalf("IfNoneMatch: got %q want *", aws.ToString(got.IfNoneMatch))
	}
}

func TestS3Backend_ErrorMapping(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x0000000000000000000000000000000000000456")
	client := &fakeS3Client{
		putFn: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, fakeAPIError{code: "PreconditionFailed", msg: "exists"}
		},
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
	}
	b, err := NewS3Backend(S3Config{Bucket: "custody", Client: client})
	if err != nil {
		t.Fatalf("NewS3Backend: %v", err)
	}
	if err := b.Put(context.Background(), Record{Address: addr, KeyJSON: []byte(`{}`)}); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	if _, err := b.Get(context.Background(), addr); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Backend_Get(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x0000000000000000000000000000000000000789")
	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body:     io.NopCloser(bytes.NewReader([]byte(`{"version":3}`))),
				Metadata: map[string]string{"created-at": "2024-01-02T03:04:05Z"},
			}, nil
		},
	}
	b, err := NewS3Backend(S3Config{Bucket: "custody", Client: client})
	if err != nil {
		t.Fatalf("NewS3Backend: %v", err)
	}
	rec, err := b.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.KeyJSON) != `{"version":3}` {
		t.Fatalf("KeyJSON: got %q", rec.KeyJSON)
	}
	if rec.CreatedAt.Year() != 2024 {
		t.Fatalf("CreatedAt: got %v", rec.CreatedAt)
	}
}

type fakeS3Client struct {
	putFn func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code + ": " + f.msg }
