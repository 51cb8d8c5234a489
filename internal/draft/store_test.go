package draft

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge-io/botforge/internal/models"
)

func newTestStore(t *testing.T, ttl time.Duration) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(ttl, slog.Default())
	t.Cleanup(s.Close)
	return s
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	d, err := s.Create(ctx, models.EntityChatbot, "ws-1", map[string]any{"name": "support-bot"})
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	assert.Equal(t, models.DraftStatusDraft, d.Status)
	assert.Equal(t, d.UpdatedAt.Add(time.Hour), d.ExpiresAt)

	got, err := s.Get(ctx, models.EntityChatbot, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "support-bot", got.Payload["name"])
	assert.Equal(t, "ws-1", got.OwnerScope)
}

func TestWrongTypeIsMismatchNotMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	d, err := s.Create(ctx, models.EntityChatbot, "ws-1", nil)
	require.NoError(t, err)

	// The entity type is immutable; addressing an existing id under a
	// different type is a mismatch, not a miss.
	_, err = s.Get(ctx, models.EntityWorkflow, d.ID)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = s.Update(ctx, models.EntityWorkflow, d.ID, map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = s.BeginFinalize(ctx, models.EntityKnowledgeBase, d.ID)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// A genuinely unknown id still reads as not found.
	_, err = s.Get(ctx, models.EntityWorkflow, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// The draft itself is untouched and reachable under its own type.
	got, err := s.Get(ctx, models.EntityChatbot, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusDraft, got.Status)
}

func TestUpdateReplacesPayloadAndExtendsTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	d, err := s.Create(ctx, models.EntityChatbot, "ws-1", map[string]any{"name": "a", "model": "m"})
	require.NoError(t, err)

	// Advance the clock so the extended expiry is observable.
	base := time.Now()
	s.now = func() time.Time { return base.Add(30 * time.Minute) }

	updated, err := s.Update(ctx, models.EntityChatbot, d.ID, map[string]any{"name": "b"})
	require.NoError(t, err)

	// Wholesale replacement: the old "model" key is gone.
	assert.Equal(t, "b", updated.Payload["name"])
	_, hasModel := updated.Payload["model"]
	assert.False(t, hasModel)
	assert.Equal(t, base.Add(30*time.Minute).Add(time.Hour), updated.ExpiresAt)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	d, err := s.Create(ctx, models.EntityKnowledgeBase, "ws-1", nil)
	require.NoError(t, err)

	// No explicit delete: once past the TTL the draft is unreachable
	// even before the reaper runs.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = s.Get(ctx, models.EntityKnowledgeBase, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Update(ctx, models.EntityKnowledgeBase, d.ID, map[string]any{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.BeginFinalize(ctx, models.EntityKnowledgeBase, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaperEvicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	_, err := s.Create(ctx, models.EntityChatbot, "ws-1", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.evictExpired()

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Empty(t, s.drafts)
}

func TestBeginFinalizeGuard(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	d, err := s.Create(ctx, models.EntityChatbot, "ws-1", map[string]any{"name": "a"})
	require.NoError(t, err)

	guarded, err := s.BeginFinalize(ctx, models.EntityChatbot, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusFinalizing, guarded.Status)

	// Second finalize loses.
	_, err = s.BeginFinalize(ctx, models.EntityChatbot, d.ID)
	assert.ErrorIs(t, err, ErrConflict)

	// Finalizing drafts reject mutations: finalize is a one-way gate.
	_, err = s.Update(ctx, models.EntityChatbot, d.ID, map[string]any{})
	assert.ErrorIs(t, err, ErrConflict)

	// Revert makes the draft editable again.
	require.NoError(t, s.AbortFinalize(ctx, models.EntityChatbot, d.ID))
	got, err := s.Get(ctx, models.EntityChatbot, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusDraft, got.Status)

	_, err = s.Update(ctx, models.EntityChatbot, d.ID, map[string]any{"name": "b"})
	assert.NoError(t, err)
}

func TestBeginFinalizeConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	d, err := s.Create(ctx, models.EntityChatbot, "ws-1", nil)
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BeginFinalize(ctx, models.EntityChatbot, d.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller wins the guard")
	assert.Equal(t, callers-1, conflicts)
}

func TestCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Hour)

	d, err := s.Create(ctx, models.EntityChatbot, "ws-1", map[string]any{"name": "a"})
	require.NoError(t, err)

	// Mutating a returned draft must not leak into the store.
	d.Payload["name"] = "mutated"

	got, err := s.Get(ctx, models.EntityChatbot, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Payload["name"])
}
