package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
)

// Submitter delivers one collecte payload to the backend.
type Submitter interface {
	Submit(ctx context.Context, payload json.RawMessage) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, payload json.RawMessage) error

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Options configures a Queue.
type Options struct {
	// MaxRetries holds an item back from automatic sync once its retry
	// count reaches this value.
	MaxRetries int
	// Now overrides the clock.
	Now func() time.Time
}

// Queue is the durable write queue for collectes captured while offline.
type Queue struct {
	open   Opener
	logger *events.Logger
	bus    *events.Bus[models.SyncEvent]

	maxRetries int
	now        func() time.Time

	// Store handle, opened lazily
	initMu sync.Mutex
	store  Store
	closed bool

	// Sync state
	mu       sync.Mutex
	syncing  bool
	cancelFn context.CancelFunc
}

// New creates a queue. The store is not opened until first use.
func New(open Opener, opts Options, logger *events.Logger) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = logger.WithField("component", "write_queue")

	return &Queue{
		open:       open,
		logger:     logger,
		bus:        events.NewBus[models.SyncEvent]("sync_events", logger),
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
	}
}

// Initialize opens the backing store. Repeated calls reuse the open handle.
func (q *Queue) Initialize(ctx context.Context) error {
	_, err := q.handle(ctx)
	return err
}

func (q *Queue) handle(ctx context.Context) (Store, error) {
	q.initMu.Lock()
	defer q.initMu.Unlock()

	if q.closed {
		return nil, models.ErrStoreClosed
	}
	if q.store != nil {
		return q.store, nil
	}

	store, err := q.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	q.store = store
	q.logger.Debug("Queue store opened")

	return store, nil
}

// MaxRetries returns the retry threshold.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Subscribe registers a listener for queue events.
func (q *Queue) Subscribe(fn func(models.SyncEvent)) func() {
	return q.bus.Subscribe(fn)
}

func (q *Queue) publish(t models.SyncEventType, mutate func(*models.SyncEvent)) {
	ev := models.SyncEvent{Type: t, At: q.now()}
	if mutate != nil {
		mutate(&ev)
	}
	q.bus.Publish(ev)
}

// Enqueue durably stores a collecte payload.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return 0, fmt.Errorf("enqueue: %w", models.ErrInvalidPayload)
	}

	store, err := q.handle(ctx)
	if err != nil {
		return 0, err
	}

	id, err := store.Add(ctx, payload, q.now())
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	q.logger.WithField("mutation_id", id).Info("Collecte saved offline")
	q.publish(models.SyncEventSaved, func(ev *models.SyncEvent) { ev.MutationID = id })

	return id, nil
}

// Get returns one collecte.
func (q *Queue) Get(ctx context.Context, id int64) (*models.QueuedMutation, error) {
	store, err := q.handle(ctx)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, id)
}

// ListPending returns every unsynced collecte, exhausted ones included.
func (q *Queue) ListPending(ctx context.Context) ([]*models.QueuedMutation, error) {
	store, err := q.handle(ctx)
	if err != nil {
		return nil, err
	}
	return store.ListPending(ctx)
}

// MarkSynced flags a collecte synced. Unknown ids report false.
func (q *Queue) MarkSynced(ctx context.Context, id int64) (bool, error) {
	store, err := q.handle(ctx)
	if err != nil {
		return false, err
	}
	return store.MarkSynced(ctx, id, q.now())
}

// Remove deletes a collecte regardless of its state.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	store, err := q.handle(ctx)
	if err != nil {
		return err
	}
	if _, err := store.Delete(ctx, id); err != nil {
		return err
	}
	return nil
}

// CountPending counts unsynced collectes.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	store, err := q.handle(ctx)
	if err != nil {
		return 0, err
	}
	return store.CountPending(ctx)
}

// ResetRetries re-arms an exhausted collecte for automatic sync.
func (q *Queue) ResetRetries(ctx context.Context, id int64) error {
	store, err := q.handle(ctx)
	if err != nil {
		return err
	}
	if err := store.ResetRetries(ctx, id); err != nil {
		return err
	}
	q.logger.WithField("mutation_id", id).Info("Retry count reset")
	return nil
}

// PurgeSyncedOlderThan deletes records that were synced more than days ago.
// days <= 0 uses 7.
func (q *Queue) PurgeSyncedOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 7
	}

	store, err := q.handle(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	return store.PurgeSynced(ctx, cutoff)
}

// ClearAll wipes both collections.
func (q *Queue) ClearAll(ctx context.Context) error {
	store, err := q.handle(ctx)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx); err != nil {
		return err
	}
	q.logger.Warn("Offline queue cleared")
	return nil
}

// RecordRequest stores an offline request notice for auditing.
func (q *Queue) RecordRequest(ctx context.Context, notice models.OfflineRequestNotice) (int64, error) {
	store, err := q.handle(ctx)
	if err != nil {
		return 0, err
	}

	ts := notice.Time()
	if notice.Timestamp == 0 {
		ts = q.now()
	}

	return store.AddRequest(ctx, models.OfflineRequest{
		Method:    notice.Method,
		URL:       notice.URL,
		Timestamp: ts,
	})
}

// ListPendingRequests returns request records not yet covered by a sync.
func (q *Queue) ListPendingRequests(ctx context.Context) ([]*models.OfflineRequest, error) {
	store, err := q.handle(ctx)
	if err != nil {
		return nil, err
	}
	return store.ListPendingRequests(ctx)
}

// MarkRequestsSynced flags every pending request record synced.
func (q *Queue) MarkRequestsSynced(ctx context.Context) (int, error) {
	store, err := q.handle(ctx)
	if err != nil {
		return 0, err
	}
	return store.MarkRequestsSynced(ctx, q.now())
}

// Syncing reports whether a drain is running.
func (q *Queue) Syncing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncing
}

// Cancel stops an ongoing drain between items.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelFn != nil {
		q.cancelFn()
	}
}

// Sync drains the queue through submitter, one item at a time in queue
// order. Delivered items are removed. A failed item keeps its place with an
// incremented retry count, and the drain moves on. Items at the retry
// threshold are skipped and counted as exhausted.
//
// A concurrent call returns models.ErrSyncInProgress with a zero result.
func (q *Queue) Sync(ctx context.Context, submitter Submitter) (models.SyncResult, error) {
	q.mu.Lock()
	if q.syncing {
		q.mu.Unlock()
		return models.SyncResult{}, models.ErrSyncInProgress
	}
	q.syncing = true

	ctx, cancel := context.WithCancel(ctx)
	q.cancelFn = cancel
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.cancelFn = nil
		q.mu.Unlock()
		cancel()
	}()

	var result models.SyncResult
	q.publish(models.SyncEventStarted, nil)

	store, err := q.handle(ctx)
	if err != nil {
		return result, q.fail(&models.SyncError{Code: models.ErrCodeStorage, Phase: "open", Err: err})
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		return result, q.fail(&models.SyncError{Code: models.ErrCodeStorage, Phase: "list", Err: err})
	}

	q.logger.WithField("pending", len(pending)).Info("Starting sync")

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return result, q.fail(&models.SyncError{Code: models.ErrCodeNetwork, Phase: "submit", Err: err})
		}

		if m.Exhausted(q.maxRetries) {
			result.Exhausted++
			q.logger.WithFields(map[string]interface{}{
				"mutation_id": m.ID,
				"retry_count": m.RetryCount,
			}).Debug("Skipping exhausted collecte")
			continue
		}

		itemCtx := events.WithMutationID(ctx, m.ID)
		if err := submitter.Submit(itemCtx, m.Payload); err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-request; the item is not at fault.
				return result, q.fail(&models.SyncError{
					Code: models.ErrCodeNetwork, Phase: "submit", MutationID: m.ID, Err: ctx.Err(),
				})
			}
			result.Failed++
			q.recordFailure(ctx, store, m, err)
			continue
		}

		if _, err := store.Delete(ctx, m.ID); err != nil {
			// Delivered but still queued; it will be sent again on the next drain.
			q.logger.WithError(err).WithField("mutation_id", m.ID).Error("Failed to remove synced collecte")
		}
		result.Synced++
	}

	q.logger.WithFields(map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"exhausted": result.Exhausted,
	}).Info("Sync completed")

	res := result
	q.publish(models.SyncEventCompleted, func(ev *models.SyncEvent) { ev.Result = &res })

	return result, nil
}

func (q *Queue) recordFailure(ctx context.Context, store Store, m *models.QueuedMutation, cause error) {
	logger := q.logger.WithError(cause).WithField("mutation_id", m.ID)

	retries, err := store.RecordFailure(ctx, m.ID, cause.Error())
	if err != nil {
		logger.WithField("persist_error", err.Error()).Error("Failed to persist retry count")
		return
	}

	logger = logger.WithField("retry_count", retries)
	if retries < q.maxRetries {
		logger.Warn("Collecte sync failed")
		return
	}

	logger.Error("Collecte held back after repeated failures")
	q.publish(models.SyncEventExhausted, func(ev *models.SyncEvent) {
		ev.MutationID = m.ID
		ev.Err = cause.Error()
	})
}

func (q *Queue) fail(err error) error {
	q.logger.WithError(err).Error("Sync failed")
	q.publish(models.SyncEventError, func(ev *models.SyncEvent) { ev.Err = err.Error() })
	return err
}

// Close releases the store. Later operations fail with models.ErrStoreClosed.
func (q *Queue) Close() error {
	q.initMu.Lock()
	defer q.initMu.Unlock()

	q.closed = true
	if q.store == nil {
		return nil
	}

	err := q.store.Close()
	q.store = nil
	if err != nil && !errors.Is(err, models.ErrStoreClosed) {
		return fmt.Errorf("close queue store: %w", err)
	}
	return nil
}
