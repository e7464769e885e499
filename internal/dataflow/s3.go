package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Generated media never changes once written.
const mediaCacheControl = "public, max-age=31536000, immutable"

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint is a MinIO host:port. Empty means AWS S3.
	Endpoint string

	Bucket string
	Region string

	AccessKeyID     string
	SecretAccessKey string

	UseSSL bool

	// PathPrefix is prepended to every key.
	PathPrefix string
}

// S3Backend keeps generated images and videos in an S3 compatible bucket.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
}

// NewS3Backend creates an S3/MinIO backend.
func NewS3Backend(cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client, err := newS3Client(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.PathPrefix, "/"),
	}, nil
}

func newS3Client(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		static := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(static))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.Endpoint == "" {
		return s3.NewFromConfig(awsCfg), nil
	}
	base := "http://" + cfg.Endpoint
	if cfg.UseSSL {
		base = "https://" + cfg.Endpoint
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(base)
		o.UsePathStyle = true // MinIO
	}), nil
}

func (b *S3Backend) objectKey(path string) string {
	if b.prefix == "" {
		return path
	}
	return b.prefix + "/" + path
}

// refKey extracts the object key from "s3://bucket/key".
func refKey(ref *ArtifactRef) string {
	if _, key, ok := strings.Cut(strings.TrimPrefix(ref.URI, "s3://"), "/"); ok {
		return key
	}
	return ref.URI
}

func (b *S3Backend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*ArtifactRef, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	digest := sha256.Sum256(body)
	checksum := hex.EncodeToString(digest[:])
	key := b.objectKey(path)

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
		CacheControl:  aws.String(mediaCacheControl),
		Metadata:      map[string]string{"sha256": checksum},
	}); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	return &ArtifactRef{
		URI:         "s3://" + b.bucket + "/" + key,
		ContentType: contentType,
		Size:        int64(len(body)),
		Checksum:    checksum,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (b *S3Backend) Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(refKey(ref)),
	})
	var missing *s3types.NoSuchKey
	switch {
	case errors.As(err, &missing):
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref.URI)
	case err != nil:
		return nil, fmt.Errorf("download %s: %w", ref.URI, err)
	}
	return out.Body, nil
}

// Delete is idempotent; S3 reports success for missing keys.
func (b *S3Backend) Delete(ctx context.Context, ref *ArtifactRef) error {
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(refKey(ref)),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", ref.URI, err)
	}
	return nil
}

// List returns every object under prefix, following continuation tokens.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]*ArtifactRef, error) {
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.objectKey(prefix)),
	})

	var out []*ArtifactRef
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, &ArtifactRef{
				URI:       "s3://" + b.bucket + "/" + aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (b *S3Backend) PresignGet(ctx context.Context, ref *ArtifactRef, expiry time.Duration) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(refKey(ref)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref.URI, err)
	}
	return req.URL, nil
}

var _ Backend = (*S3Backend)(nil)
