package models

import "time"

// SyncEventType identifies queue lifecycle notifications.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync_started"
	SyncEventCompleted SyncEventType = "sync_completed"
	SyncEventError     SyncEventType = "sync_error"
	SyncEventSaved     SyncEventType = "collecte_saved"
	SyncEventExhausted SyncEventType = "sync_item_exhausted"
)

// SyncEvent is published by the write queue to its subscribers.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	Result     *SyncResult   `json:"result,omitempty"`
	MutationID int64         `json:"mutation_id,omitempty"`
	Err        string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}
