package models

import (
	"encoding/json"
	"time"
)

// Collection names, kept identical to the page-side store names.
const (
	CollectionCollectes = "pending_collectes"
	CollectionRequests  = "pending_requests"
)

// DefaultMaxRetries is the retry count after which a mutation is held back
// from automatic sync.
const DefaultMaxRetries = 5

// QueuedMutation is one collecte waiting for delivery to the backend.
type QueuedMutation struct {
	ID         int64           `json:"id"`
	Collection string          `json:"collection"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Synced     bool            `json:"synced"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// Exhausted reports whether the mutation reached the retry threshold.
func (m *QueuedMutation) Exhausted(maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return m.RetryCount >= maxRetries
}

// OfflineRequest is an audit record of a mutating request answered locally
// while the backend was unreachable.
type OfflineRequest struct {
	ID        int64      `json:"id,omitempty"`
	Method    string     `json:"method"`
	URL       string     `json:"url"`
	Timestamp time.Time  `json:"timestamp"`
	Synced    bool       `json:"synced"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// SyncResult counts the outcome of one drain.
type SyncResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Empty reports whether nothing was attempted.
func (r SyncResult) Empty() bool {
	return r.Synced == 0 && r.Failed == 0
}
