package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sap-alerte/fieldsync/internal/models"
)

// MemoryStore keeps both collections in memory. It is used by tests and
// by the CLI when no data directory is wanted.
type MemoryStore struct {
	mu        sync.RWMutex
	collectes map[int64]*models.QueuedMutation
	requests  map[int64]*models.OfflineRequest
	nextID    int64
	nextReqID int64
	closed    bool

	failOn map[string]error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collectes: make(map[int64]*models.QueuedMutation),
		requests:  make(map[int64]*models.OfflineRequest),
		failOn:    make(map[string]error),
	}
}

// MemoryOpener returns an Opener that always yields store.
func MemoryOpener(store *MemoryStore) Opener {
	return func(ctx context.Context) (Store, error) {
		return store, nil
	}
}

func (m *MemoryStore) check(op string) error {
	if m.closed {
		return models.ErrStoreClosed
	}
	if err, ok := m.failOn[op]; ok {
		return err
	}
	return nil
}

// SetFailure makes the named operation return err until cleared with a nil
// err. Operation names: add, get, list, mark, fail, reset, delete, count,
// add_request, list_requests, mark_requests, purge, clear.
func (m *MemoryStore) SetFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failOn, op)
		return
	}
	m.failOn[op] = err
}

func copyMutation(src *models.QueuedMutation) *models.QueuedMutation {
	dst := *src
	dst.Payload = append(json.RawMessage(nil), src.Payload...)
	if src.SyncedAt != nil {
		t := *src.SyncedAt
		dst.SyncedAt = &t
	}
	return &dst
}

// Add inserts a collecte.
func (m *MemoryStore) Add(ctx context.Context, payload json.RawMessage, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("add"); err != nil {
		return 0, err
	}

	m.nextID++
	m.collectes[m.nextID] = &models.QueuedMutation{
		ID:         m.nextID,
		Collection: models.CollectionCollectes,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: at,
	}
	return m.nextID, nil
}

// Get returns one collecte.
func (m *MemoryStore) Get(ctx context.Context, id int64) (*models.QueuedMutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("get"); err != nil {
		return nil, err
	}

	c, ok := m.collectes[id]
	if !ok {
		return nil, models.ErrMutationNotFound
	}
	return copyMutation(c), nil
}

// ListPending returns unsynced collectes in id order.
func (m *MemoryStore) ListPending(ctx context.Context) ([]*models.QueuedMutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("list"); err != nil {
		return nil, err
	}

	var pending []*models.QueuedMutation
	for _, c := range m.collectes {
		if !c.Synced {
			pending = append(pending, copyMutation(c))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending, nil
}

// MarkSynced flags a collecte synced.
func (m *MemoryStore) MarkSynced(ctx context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("mark"); err != nil {
		return false, err
	}

	c, ok := m.collectes[id]
	if !ok {
		return false, nil
	}
	if !c.Synced {
		c.Synced = true
		c.SyncedAt = &at
	}
	return true, nil
}

// RecordFailure increments the retry count.
func (m *MemoryStore) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("fail"); err != nil {
		return 0, err
	}

	c, ok := m.collectes[id]
	if !ok {
		return 0, models.ErrMutationNotFound
	}
	c.RetryCount++
	c.LastError = reason
	return c.RetryCount, nil
}

// ResetRetries re-arms a collecte.
func (m *MemoryStore) ResetRetries(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("reset"); err != nil {
		return err
	}

	c, ok := m.collectes[id]
	if !ok {
		return models.ErrMutationNotFound
	}
	c.RetryCount = 0
	c.LastError = ""
	return nil
}

// Delete removes a collecte.
func (m *MemoryStore) Delete(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("delete"); err != nil {
		return false, err
	}

	_, ok := m.collectes[id]
	delete(m.collectes, id)
	return ok, nil
}

// CountPending counts unsynced collectes.
func (m *MemoryStore) CountPending(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("count"); err != nil {
		return 0, err
	}

	n := 0
	for _, c := range m.collectes {
		if !c.Synced {
			n++
		}
	}
	return n, nil
}

// AddRequest records an offline request notice.
func (m *MemoryStore) AddRequest(ctx context.Context, req models.OfflineRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("add_request"); err != nil {
		return 0, err
	}

	m.nextReqID++
	req.ID = m.nextReqID
	req.Synced = false
	req.SyncedAt = nil
	m.requests[req.ID] = &req
	return req.ID, nil
}

// ListPendingRequests returns unsynced request records.
func (m *MemoryStore) ListPendingRequests(ctx context.Context) ([]*models.OfflineRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("list_requests"); err != nil {
		return nil, err
	}

	var reqs []*models.OfflineRequest
	for _, r := range m.requests {
		if !r.Synced {
			cp := *r
			reqs = append(reqs, &cp)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	return reqs, nil
}

// MarkRequestsSynced flags every pending request record synced.
func (m *MemoryStore) MarkRequestsSynced(ctx context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("mark_requests"); err != nil {
		return 0, err
	}

	n := 0
	for _, r := range m.requests {
		if !r.Synced {
			r.Synced = true
			t := at
			r.SyncedAt = &t
			n++
		}
	}
	return n, nil
}

// PurgeSynced deletes rows synced before cutoff.
func (m *MemoryStore) PurgeSynced(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("purge"); err != nil {
		return 0, err
	}

	n := 0
	for id, c := range m.collectes {
		if c.Synced && c.SyncedAt != nil && c.SyncedAt.Before(cutoff) {
			delete(m.collectes, id)
			n++
		}
	}
	for id, r := range m.requests {
		if r.Synced && r.SyncedAt != nil && r.SyncedAt.Before(cutoff) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

// Clear wipes both collections.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("clear"); err != nil {
		return err
	}

	m.collectes = make(map[int64]*models.QueuedMutation)
	m.requests = make(map[int64]*models.OfflineRequest)
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
