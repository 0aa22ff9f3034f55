package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// S3Client abstracts the S3 operation used by ObjectWriter.
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds connection settings for an S3-compatible store.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an s3.Client from static settings. An empty endpoint
// uses AWS; a custom endpoint (MinIO, R2) switches to path-style addressing.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region: cfg.Region,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// ObjectWriter uploads each entry as its own object under
// <prefix>/<session id>/<index>.json.
type ObjectWriter struct {
	client S3Client
	bucket string
	prefix string
}

// NewObjectWriter creates an object writer for one session.
func NewObjectWriter(client S3Client, bucket, prefix string, sc domain.SessionContext) *ObjectWriter {
	return &ObjectWriter{
		client: client,
		bucket: bucket,
		prefix: path.Join(prefix, sc.ID),
	}
}

// Key returns the object key of the entry at index.
func (w *ObjectWriter) Key(index int) string {
	return path.Join(w.prefix, entryKey(index)+".json")
}

// WriteEntry uploads one entry.
func (w *ObjectWriter) WriteEntry(ctx context.Context, entry domain.TurnEntry) error {
	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	key := w.Key(entry.Index)
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("put object %s (%s): %w", key, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the client is shared.
func (w *ObjectWriter) Close() error {
	return nil
}

var _ EntryWriter = (*ObjectWriter)(nil)
