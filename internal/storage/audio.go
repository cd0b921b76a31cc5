package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AudioStore is the blob-store contract for raw call audio.
//
// Rules:
// - Keys are opaque; callers must not derive paths from them.
// - Delete is idempotent: removing an absent key is not an error.
// - Blobs are short-lived; the pipeline deletes them once a run reaches
//   a terminal outcome.
type AudioStore interface {
	Store(ctx context.Context, r io.Reader, filename string) (string, error)
	Resolve(key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

var ErrInvalidKey = errors.New("storage: invalid key")

// LocalAudioStore keeps uploaded audio on local disk under a single root
// directory, one file per key.
type LocalAudioStore struct {
	root string
}

func NewLocalAudioStore(root string) (*LocalAudioStore, error) {
	if root == "" {
		return nil, errors.New("storage: root dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: init root dir: %w", err)
	}
	return &LocalAudioStore{root: root}, nil
}

func (s *LocalAudioStore) Store(ctx context.Context, r io.Reader, filename string) (string, error) {
	key := uuid.NewString() + filepath.Ext(filename)

	f, err := os.Create(filepath.Join(s.root, key))
	if err != nil {
		return "", fmt.Errorf("storage: create blob: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("storage: write blob: %w", err)
	}
	return key, nil
}

func (s *LocalAudioStore) Resolve(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key), nil
}

func (s *LocalAudioStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.Resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat blob: %w", err)
	}
	return true, nil
}

func (s *LocalAudioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.Resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open blob: %w", err)
	}
	return f, nil
}

func (s *LocalAudioStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	path, err := s.Resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete blob: %w", err)
	}
	return nil
}

// validKey rejects keys that could escape the root directory.
func validKey(key string) error {
	if key == "" || filepath.Base(key) != key {
		return ErrInvalidKey
	}
	return nil
}
