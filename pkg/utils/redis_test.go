package utils

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestClaimScriptCompiles(t *testing.T) {
	// Compile-time smoke test: script should be initialized.
	if claimLowestReadyScript == nil {
		t.Fatalf("expected script to be initialized")
	}
}

func TestClaimLowestReadyRejectsNilClient(t *testing.T) {
	if _, _, err := ClaimLowestReady(context.Background(), nil, "k", 0); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestClaimLowestReadyRequiresKey(t *testing.T) {
	// No command is issued; the key guard must fire before any redis call.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	if _, _, err := ClaimLowestReady(context.Background(), rdb, "", 0); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
