package attachment

import (
	"context"
	"errors"
	"sync"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the external object store holding non-inline attachment
// payloads. Deleting a message with a stored attachment requires an
// explicit Delete here; inline attachments die with the message record.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	Delete(ctx context.Context, key string) error
	// URL returns the address a client uses to fetch the blob.
	URL(key string) string
}

type blob struct {
	contentType string
	data        []byte
}

// MemoryBlobStore backs dev mode and the test suite.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string]blob
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]blob)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = blob{contentType: contentType, data: cp}
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, "", ErrBlobNotFound
	}
	return b.data, b.contentType, nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *MemoryBlobStore) URL(key string) string {
	return "/api/blobs/" + key
}

// Len reports the number of stored blobs; used by cascade tests.
func (s *MemoryBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
