package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalAudioStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()

	key, err := s.Store(ctx, strings.NewReader("audio-bytes"), "clip.m4a")
	if err != nil {
		t.Fatalf("store blob: %v", err)
	}
	if !strings.HasSuffix(key, ".m4a") {
		t.Fatalf("expected extension preserved, got %q", key)
	}

	ok, err := s.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected blob to exist, ok=%v err=%v", ok, err)
	}

	rc, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "audio-bytes" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, _ = s.Exists(ctx, key)
	if ok {
		t.Fatalf("expected blob gone after delete")
	}
}

func TestLocalStoreDeleteIsIdempotent(t *testing.T) {
	s, err := NewLocalAudioStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Delete(context.Background(), "missing-key.m4a"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
	if err := s.Delete(context.Background(), ""); err != nil {
		t.Fatalf("expected empty key delete to no-op, got %v", err)
	}
}

func TestLocalStoreRejectsPathKeys(t *testing.T) {
	s, err := NewLocalAudioStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := s.Resolve("../escape"); err == nil {
		t.Fatalf("expected invalid key error")
	}
}
