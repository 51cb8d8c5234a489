// Package models defines data structures for the BotForge deployment lifecycle.
package models

import "time"

// EntityType identifies what kind of entity a draft stages.
// The type is fixed at draft creation and never changes.
type EntityType string

const (
	EntityKnowledgeBase EntityType = "knowledge-base"
	EntityChatbot       EntityType = "chatbot"
	EntityWorkflow      EntityType = "workflow"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityKnowledgeBase, EntityChatbot, EntityWorkflow:
		return true
	}
	return false
}

// DraftStatus is the lifecycle state of a draft.
type DraftStatus string

const (
	// DraftStatusDraft accepts auto-save updates.
	DraftStatusDraft DraftStatus = "draft"

	// DraftStatusFinalizing is the one-way finalize guard. A finalizing
	// draft rejects all further mutation until the guard is reverted.
	DraftStatusFinalizing DraftStatus = "finalizing"
)

// Draft is an ephemeral, auto-saved staging document for one entity.
// Every update replaces Payload wholesale and extends ExpiresAt.
type Draft struct {
	ID         string         `json:"id"`
	EntityType EntityType     `json:"entity_type"`
	OwnerScope string         `json:"owner_scope"`
	Status     DraftStatus    `json:"status"`
	Payload    map[string]any `json:"payload"`

	// PreviewState holds transient data such as the last test-run output.
	// It is never validated and dies with the draft.
	PreviewState map[string]any `json:"preview_state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the draft's TTL has lapsed at the given time.
func (d *Draft) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Clone returns a deep-enough copy for handing out beyond the store:
// the payload map is copied one level deep so callers cannot mutate
// stored state through the returned draft.
func (d *Draft) Clone() *Draft {
	out := *d
	out.Payload = copyMap(d.Payload)
	out.PreviewState = copyMap(d.PreviewState)
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
