package pipeline

import (
	"context"
	"fmt"

	"github.com/botforge-io/botforge/internal/models"
)

// Tracker is the read and control surface over pipeline runs used by the
// HTTP handlers and the CLI.
type Tracker struct {
	store RunStore
}

func NewTracker(store RunStore) *Tracker {
	return &Tracker{store: store}
}

// Status returns the external view of a run.
func (t *Tracker) Status(ctx context.Context, id string) (*models.RunView, error) {
	run, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := run.View()
	return &view, nil
}

// Logs returns up to limit entries, newest first. limit <= 0 means all
// retained entries.
func (t *Tracker) Logs(ctx context.Context, id string, limit int) ([]models.LogEntry, error) {
	run, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	n := len(run.Logs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.LogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, run.Logs[i])
	}
	return out, nil
}

// RequestCancel flags a run for cooperative cancellation. Cancelling an
// already terminal run reports ErrRunTerminal so callers can distinguish
// it from an unknown run.
func (t *Tracker) RequestCancel(ctx context.Context, id string) error {
	run, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, id, run.Status)
	}
	return t.store.RequestCancel(ctx, id)
}
