// Package dataflow stores generated artifacts (images, videos) that arrive
// inline as data URLs and hands back URLs the client can load.
package dataflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidDataURL   = errors.New("invalid data url")
	ErrPresignSupported = errors.New("presigned urls not supported")
)

// ArtifactRef references a stored artifact.
type ArtifactRef struct {
	// URI is the backend location, e.g. "s3://bucket/key" or "memory://key".
	URI         string            `json:"uri"`
	ContentType string            `json:"contentType,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Checksum    string            `json:"checksum,omitempty"` // SHA256
	CreatedAt   time.Time         `json:"createdAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Backend defines the storage backend interface.
type Backend interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) (*ArtifactRef, error)
	Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error)
	Delete(ctx context.Context, ref *ArtifactRef) error
	List(ctx context.Context, prefix string) ([]*ArtifactRef, error)
	PresignGet(ctx context.Context, ref *ArtifactRef, expiry time.Duration) (string, error)
}

// Config holds artifact storage configuration.
type Config struct {
	// Type is "memory", "s3" or "minio".
	Type string

	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	PathPrefix      string

	// URLExpiry is the lifetime of presigned download URLs.
	URLExpiry time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:      "memory",
		URLExpiry: 24 * time.Hour,
	}
}

// Service stores artifacts produced by generation tasks.
type Service struct {
	backend   Backend
	urlExpiry time.Duration
	seq       atomic.Int64
}

// New creates a service with the backend named by cfg.Type.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "", "memory":
		backend = NewMemoryBackend()
	case "s3", "minio":
		s3Backend, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown artifact store type: %s", cfg.Type)
	}

	return NewWithBackend(backend, cfg.URLExpiry), nil
}

// NewWithBackend wraps an existing backend.
func NewWithBackend(backend Backend, urlExpiry time.Duration) *Service {
	if urlExpiry <= 0 {
		urlExpiry = DefaultConfig().URLExpiry
	}
	return &Service{backend: backend, urlExpiry: urlExpiry}
}

// ArtifactPath returns the storage path for the n-th artifact of a task.
func ArtifactPath(taskID string, n int64, ext string) string {
	return fmt.Sprintf("workflows/%s/%d%s", taskID, n, ext)
}

// StoreDataURL decodes a base64 data URL, stores it under the task's prefix
// and returns a loadable URL.
func (s *Service) StoreDataURL(ctx context.Context, taskID, dataURL string) (string, *ArtifactRef, error) {
	declared, data, err := DecodeDataURL(dataURL)
	if err != nil {
		return "", nil, err
	}
	return s.StoreBytes(ctx, taskID, data, declared)
}

// StoreBytes stores raw artifact bytes. The content type is sniffed when
// contentType is empty or generic.
func (s *Service) StoreBytes(ctx context.Context, taskID string, data []byte, contentType string) (string, *ArtifactRef, error) {
	detected := mimetype.Detect(data)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = detected.String()
	}
	ext := detected.Extension()
	if !detected.Is(contentType) {
		if m := mimetype.Lookup(contentType); m != nil {
			ext = m.Extension()
		}
	}

	path := ArtifactPath(taskID, s.seq.Add(1), ext)
	ref, err := s.backend.Put(ctx, path, bytes.NewReader(data), contentType)
	metrics.ObserveStore("artifact", "put", err)
	if err != nil {
		return "", nil, fmt.Errorf("store artifact: %w", err)
	}

	u, err := s.URL(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	return u, ref, nil
}

// URL returns a loadable URL for ref: presigned when the backend supports
// it, the raw URI otherwise.
func (s *Service) URL(ctx context.Context, ref *ArtifactRef) (string, error) {
	u, err := s.backend.PresignGet(ctx, ref, s.urlExpiry)
	if errors.Is(err, ErrPresignSupported) {
		return ref.URI, nil
	}
	if err != nil {
		return "", fmt.Errorf("presign artifact: %w", err)
	}
	return u, nil
}

// Open reads an artifact by URI.
func (s *Service) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	rc, err := s.backend.Get(ctx, &ArtifactRef{URI: uri})
	metrics.ObserveStore("artifact", "get", err)
	return rc, err
}

// ListTaskArtifacts lists everything stored for a task.
func (s *Service) ListTaskArtifacts(ctx context.Context, taskID string) ([]*ArtifactRef, error) {
	refs, err := s.backend.List(ctx, fmt.Sprintf("workflows/%s/", taskID))
	metrics.ObserveStore("artifact", "list", err)
	return refs, err
}

// DeleteTaskArtifacts removes everything stored for a task.
func (s *Service) DeleteTaskArtifacts(ctx context.Context, taskID string) (int, error) {
	refs, err := s.ListTaskArtifacts(ctx, taskID)
	if err != nil {
		return 0, err
	}
	for i, ref := range refs {
		err := s.backend.Delete(ctx, ref)
		metrics.ObserveStore("artifact", "delete", err)
		if err != nil {
			return i, err
		}
	}
	return len(refs), nil
}

// DecodeDataURL parses "data:<mime>;base64,<payload>".
func DecodeDataURL(dataURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload", ErrInvalidDataURL)
	}

	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
		}
		return contentType, []byte(decoded), nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some providers omit padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
		}
	}
	return contentType, data, nil
}
