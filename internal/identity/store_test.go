package identity

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskrun/taskrun/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	store := NewStore(log)
	t.Cleanup(store.Close)
	return store
}

func TestStore_IssueAndConsumeToken(t *testing.T) {
	store := newTestStore(t)

	plaintext, record, err := store.IssueBootstrapToken(time.Hour)
	if err != nil {
		t.Fatalf("IssueBootstrapToken failed: %v", err)
	}

	if len(plaintext) != 43 {
		t.Errorf("expected 43-character plaintext, got %d", len(plaintext))
	}
	if len(record.TokenHash) != 64 {
		t.Errorf("expected 64-character hex digest, got %d", len(record.TokenHash))
	}
	if record.TokenHash == plaintext {
		t.Error("stored record must not contain the plaintext")
	}
	if record.Consumed {
		t.Error("fresh token must not be consumed")
	}
	if !record.ExpiresAt.After(record.CreatedAt) {
		t.Error("expected expires_at after created_at")
	}

	if err := store.ConsumeToken(plaintext); err != nil {
		t.Fatalf("ConsumeToken failed: %v", err)
	}

	// Single use: the same plaintext never validates twice
	if err := store.ConsumeToken(plaintext); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken on reuse, got %v", err)
	}
}

func TestStore_ConsumeUnknownToken(t *testing.T) {
	store := newTestStore(t)

	if err := store.ConsumeToken("never-issued"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestStore_ConsumeExpiredToken(t *testing.T) {
	store := newTestStore(t)

	plaintext, _, err := store.IssueBootstrapToken(-time.Millisecond)
	if err != nil {
		t.Fatalf("IssueBootstrapToken failed: %v", err)
	}

	if err := store.ConsumeToken(plaintext); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestBootstrapToken_ValidityBoundary(t *testing.T) {
	store := newTestStore(t)

	_, record, err := store.IssueBootstrapToken(time.Hour)
	if err != nil {
		t.Fatalf("IssueBootstrapToken failed: %v", err)
	}

	if !record.IsValid(record.ExpiresAt.Add(-time.Millisecond)) {
		t.Error("token must be valid 1ms before expiry")
	}
	if record.IsValid(record.ExpiresAt) {
		t.Error("token must be invalid at expiry")
	}
	if record.IsValid(record.ExpiresAt.Add(time.Millisecond)) {
		t.Error("token must be invalid 1ms after expiry")
	}

	record.Consumed = true
	if record.IsValid(record.CreatedAt) {
		t.Error("consumed token must never be valid")
	}
}

func TestStore_TokenOneShot(t *testing.T) {
	store := newTestStore(t)

	plaintext, _, err := store.IssueBootstrapToken(time.Hour)
	if err != nil {
		t.Fatalf("IssueBootstrapToken failed: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.ConsumeToken(plaintext)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 {
		t.Errorf("expected exactly 1 successful consume, got %d", succeeded)
	}
}

func TestStore_SweepExpired(t *testing.T) {
	store := newTestStore(t)

	// One live token, one expired, one consumed
	if _, _, err := store.IssueBootstrapToken(time.Hour); err != nil {
		t.Fatalf("IssueBootstrapToken failed: %v", err)
	}
	if _, _, err := store.IssueBootstrapToken(-time.Minute); err != nil {
		t.Fatalf("IssueBootstrapToken failed: %v", err)
	}
	consumed, _, err := store.IssueBootstrapToken(time.Hour)
	if err != nil {
		t.Fatalf("IssueBootstrapToken failed: %v", err)
	}
	if err := store.ConsumeToken(consumed); err != nil {
		t.Fatalf("ConsumeToken failed: %v", err)
	}

	if got := store.TokenCount(); got != 3 {
		t.Fatalf("expected 3 stored tokens, got %d", got)
	}

	removed := store.sweepExpired(time.Now().UTC())
	if removed != 2 {
		t.Errorf("expected sweep to remove 2 tokens, got %d", removed)
	}
	if got := store.TokenCount(); got != 1 {
		t.Errorf("expected 1 token after sweep, got %d", got)
	}
}

func TestStore_CloseIdempotent(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	store := NewStore(log)
	store.Close()
	store.Close()
}
