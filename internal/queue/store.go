package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sap-alerte/fieldsync/internal/models"
)

// Store persists the two offline collections.
type Store interface {
	// Add inserts an unsynced collecte and returns its id.
	Add(ctx context.Context, payload json.RawMessage, at time.Time) (int64, error)

	// Get returns one collecte or models.ErrMutationNotFound.
	Get(ctx context.Context, id int64) (*models.QueuedMutation, error)

	// ListPending returns every unsynced collecte in id order.
	ListPending(ctx context.Context) ([]*models.QueuedMutation, error)

	// MarkSynced flags a collecte synced. It reports false for an unknown id
	// and keeps the first synced_at on repeated calls.
	MarkSynced(ctx context.Context, id int64, at time.Time) (bool, error)

	// RecordFailure increments the retry count and returns the new value.
	RecordFailure(ctx context.Context, id int64, reason string) (int, error)

	// ResetRetries sets the retry count back to zero.
	ResetRetries(ctx context.Context, id int64) error

	// Delete removes a collecte regardless of state.
	Delete(ctx context.Context, id int64) (bool, error)

	// CountPending counts unsynced collectes.
	CountPending(ctx context.Context) (int, error)

	// AddRequest records an offline request notice.
	AddRequest(ctx context.Context, req models.OfflineRequest) (int64, error)

	// ListPendingRequests returns unsynced request records.
	ListPendingRequests(ctx context.Context) ([]*models.OfflineRequest, error)

	// MarkRequestsSynced flags every pending request record synced.
	MarkRequestsSynced(ctx context.Context, at time.Time) (int, error)

	// PurgeSynced deletes rows synced before cutoff in both collections.
	PurgeSynced(ctx context.Context, cutoff time.Time) (int, error)

	// Clear wipes both collections.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Opener creates the backing store on first use.
type Opener func(ctx context.Context) (Store, error)
