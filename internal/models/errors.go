package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeRejected    = "REJECTED"
	ErrCodeServerError = "SERVER_ERROR"
	ErrCodeRateLimit   = "RATE_LIMIT"
	ErrCodeConfig      = "CONFIG_ERROR"
)

// Sentinel errors
var (
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrMutationNotFound = errors.New("mutation not found")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrOffline          = errors.New("backend unreachable")
	ErrStoreClosed      = errors.New("store closed")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// APIError represents an error response from the backend.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Rejected reports whether the backend refused the payload itself.
// Such a mutation will not succeed on retry without being changed.
func (e *APIError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 && e.StatusCode != 429
}

// SyncError provides detailed drain failure information.
type SyncError struct {
	Code       string
	Phase      string
	MutationID int64
	Err        error
}

func (e *SyncError) Error() string {
	if e.MutationID != 0 {
		return fmt.Sprintf("sync %s [%s]: mutation %d: %v", e.Phase, e.Code, e.MutationID, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %v", e.Phase, e.Code, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err carries a permanent backend rejection.
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Rejected()
}
