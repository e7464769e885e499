package dataflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

const memoryScheme = "memory://"

// MemoryBackend keeps artifacts in process memory.
type MemoryBackend struct {
	mu        sync.RWMutex
	artifacts map[string]*memoryArtifact
}

type memoryArtifact struct {
	ref  *ArtifactRef
	data []byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{artifacts: make(map[string]*memoryArtifact)}
}

func (m *MemoryBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*ArtifactRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	sum := sha256.Sum256(content)

	ref := &ArtifactRef{
		URI:         memoryScheme + path,
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.artifacts[path] = &memoryArtifact{ref: ref, data: content}
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryBackend) Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error) {
	path := strings.TrimPrefix(ref.URI, memoryScheme)

	m.mu.RLock()
	artifact, ok := m.artifacts[path]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref.URI)
	}
	return io.NopCloser(bytes.NewReader(artifact.data)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ref *ArtifactRef) error {
	m.mu.Lock()
	delete(m.artifacts, strings.TrimPrefix(ref.URI, memoryScheme))
	m.mu.Unlock()
	return nil
}

// List returns matching artifacts sorted by path.
func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*ArtifactRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []*ArtifactRef
	for path, artifact := range m.artifacts {
		if strings.HasPrefix(path, prefix) {
			refs = append(refs, artifact.ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].URI < refs[j].URI })
	return refs, nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, ref *ArtifactRef, expiry time.Duration) (string, error) {
	return "", ErrPresignSupported
}

var _ Backend = (*MemoryBackend)(nil)
