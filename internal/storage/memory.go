package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryAudioStore is a simple in-memory blob store useful for tests.
// It is not intended for production use.
type MemoryAudioStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryAudioStore() *MemoryAudioStore {
	return &MemoryAudioStore{blobs: map[string][]byte{}}
}

func (s *MemoryAudioStore) Store(ctx context.Context, r io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	key := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return key, nil
}

func (s *MemoryAudioStore) Resolve(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	return "mem://" + key, nil
}

func (s *MemoryAudioStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *MemoryAudioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrInvalidKey
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryAudioStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Len reports the number of stored blobs.
func (s *MemoryAudioStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
