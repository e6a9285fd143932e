// Package blobstore stores write-once archive objects such as audit exports.
// It defines the Store interface, an in-memory implementation for tests and
// development, and an S3 implementation for production.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrObjectTooBig  = errors.New("object exceeds maximum allowed size")
	ErrMissingKey    = errors.New("object key is required")
)

// MaxObjectSize is the maximum allowed object size in bytes (512 MB).
const MaxObjectSize = 512 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Object describes a stored object.
type Object struct {
	Key          string    `json:"key"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is a write-once object store: Put refuses to overwrite a key.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	List(ctx context.Context, prefix string) ([]*Object, error)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	return nil
}

func readLimited(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, ErrObjectTooBig
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	meta    Object
	content []byte
}

// InMemoryStore is a thread-safe, in-memory Store for testing/dev.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

// NewInMemoryStore returns a ready-to-use InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]*storedObject)}
}

// Put reads the content, computes a SHA-256 hash, and stores the object.
func (s *InMemoryStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	h := sha256.Sum256(data)
	meta := Object{
		Key:          key,
		ContentType:  contentType,
		Size:         int64(len(data)),
		SHA256:       fmt.Sprintf("%x", h),
		LastModified: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}
	s.objects[key] = &storedObject{meta: meta, content: data}

	out := meta
	return &out, nil
}

// Get returns a reader over the object content and its metadata.
func (s *InMemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.content)), &meta, nil
}

// List returns the objects whose key starts with prefix, sorted by key.
func (s *InMemoryStore) List(_ context.Context, prefix string) ([]*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Object
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m := obj.meta
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
