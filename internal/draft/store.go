package draft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botforge-io/botforge/internal/models"
)

// Store is the TTL-backed ephemeral store for drafts, keyed by
// (entity type, draft id). Reads after a completed write observe that
// write; updates are last-write-wins per draft.
type Store interface {
	// Create stores a new draft and returns it with id and expiry set.
	Create(ctx context.Context, entityType models.EntityType, ownerScope string, payload map[string]any) (*models.Draft, error)

	// Get returns the draft or ErrNotFound if absent or expired.
	Get(ctx context.Context, entityType models.EntityType, id string) (*models.Draft, error)

	// Update replaces the payload wholesale and resets the expiry window.
	// Finalizing drafts reject updates with ErrConflict.
	Update(ctx context.Context, entityType models.EntityType, id string, payload map[string]any) (*models.Draft, error)

	// SetPreview stores transient preview state without touching the payload.
	SetPreview(ctx context.Context, entityType models.EntityType, id string, preview map[string]any) error

	// Delete removes the draft. Deleting an absent draft is not an error.
	Delete(ctx context.Context, entityType models.EntityType, id string) error

	// BeginFinalize atomically flips status draft -> finalizing. This is
	// the finalize guard: exactly one concurrent caller wins, the rest
	// observe ErrConflict. The winner receives the guarded draft.
	BeginFinalize(ctx context.Context, entityType models.EntityType, id string) (*models.Draft, error)

	// AbortFinalize reverts the guard so the user can retry after a
	// failed entity commit without losing their work.
	AbortFinalize(ctx context.Context, entityType models.EntityType, id string) error
}

type draftKey struct {
	entityType models.EntityType
	id         string
}

// MemoryStore is the single-node Store implementation: an in-process map
// guarded by a RWMutex with a reaper goroutine for passive TTL expiry.
// Expiry is additionally enforced on every read so a draft past its TTL is
// unreachable even before the reaper visits it.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[draftKey]*models.Draft
	ttl    time.Duration
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once

	// now is swappable for expiry tests.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a draft store with the given TTL and starts the
// reaper. Call Close to stop the reaper goroutine.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		drafts: make(map[draftKey]*models.Draft),
		ttl:    ttl,
		logger: logger,
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go s.reap(ttl / 4)
	return s
}

// Close stops the reaper goroutine.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) reap(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, d := range s.drafts {
		if d.Expired(now) {
			delete(s.drafts, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("evicted expired drafts", "count", evicted)
	}
}

// Create stores a new draft.
func (s *MemoryStore) Create(ctx context.Context, entityType models.EntityType, ownerScope string, payload map[string]any) (*models.Draft, error) {
	now := s.now()
	d := &models.Draft{
		ID:         uuid.New().String()[:8], // short ids read better in URLs and logs
		EntityType: entityType,
		OwnerScope: ownerScope,
		Status:     models.DraftStatusDraft,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	s.drafts[draftKey{entityType, d.ID}] = d
	s.mu.Unlock()

	s.logger.Info("draft created", "draft_id", d.ID, "entity_type", entityType, "owner", ownerScope)
	return d.Clone(), nil
}

// find returns the live draft for key. An id that exists under a different
// entity type is reported as ErrTypeMismatch rather than ErrNotFound; the
// type segment of the key is part of the request, not a search hint.
// Caller holds the mutex.
func (s *MemoryStore) find(key draftKey) (*models.Draft, error) {
	now := s.now()
	if d, ok := s.drafts[key]; ok && !d.Expired(now) {
		return d, nil
	}
	for other, d := range s.drafts {
		if other.id == key.id && other.entityType != key.entityType && !d.Expired(now) {
			return nil, fmt.Errorf("%w: draft %s is a %s", ErrTypeMismatch, key.id, d.EntityType)
		}
	}
	return nil, ErrNotFound
}

// Get returns the draft or ErrNotFound when absent or expired.
func (s *MemoryStore) Get(ctx context.Context, entityType models.EntityType, id string) (*models.Draft, error) {
	s.mu.RLock()
	d, err := s.find(draftKey{entityType, id})
	s.mu.RUnlock()

	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Update replaces the payload wholesale and extends the expiry window.
func (s *MemoryStore) Update(ctx context.Context, entityType models.EntityType, id string, payload map[string]any) (*models.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.find(draftKey{entityType, id})
	if err != nil {
		return nil, err
	}
	if d.Status == models.DraftStatusFinalizing {
		return nil, ErrConflict
	}

	now := s.now()
	d.Payload = payload
	d.UpdatedAt = now
	d.ExpiresAt = now.Add(s.ttl)
	return d.Clone(), nil
}

// SetPreview stores transient preview state. It does not extend the TTL;
// preview output is a side effect of reads, not an edit.
func (s *MemoryStore) SetPreview(ctx context.Context, entityType models.EntityType, id string, preview map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.find(draftKey{entityType, id})
	if err != nil {
		return err
	}
	if d.Status == models.DraftStatusFinalizing {
		return ErrConflict
	}
	d.PreviewState = preview
	return nil
}

// Delete removes the draft.
func (s *MemoryStore) Delete(ctx context.Context, entityType models.EntityType, id string) error {
	s.mu.Lock()
	delete(s.drafts, draftKey{entityType, id})
	s.mu.Unlock()
	return nil
}

// BeginFinalize is the atomic check-and-set guard against double
// finalization. The map mutex makes the check-and-flip a single critical
// section, mirroring a conditional UPDATE on a shared store.
func (s *MemoryStore) BeginFinalize(ctx context.Context, entityType models.EntityType, id string) (*models.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.find(draftKey{entityType, id})
	if err != nil {
		return nil, err
	}
	if d.Status != models.DraftStatusDraft {
		return nil, ErrConflict
	}

	d.Status = models.DraftStatusFinalizing
	return d.Clone(), nil
}

// AbortFinalize reverts the guard to draft status.
func (s *MemoryStore) AbortFinalize(ctx context.Context, entityType models.EntityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[draftKey{entityType, id}]
	if !ok {
		return ErrNotFound
	}
	if d.Status == models.DraftStatusFinalizing {
		d.Status = models.DraftStatusDraft
	}
	return nil
}
