package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration
	HealthStatus int
	HealthDelay  time.Duration

	// Error injection
	SubmitError error
	HealthError error
	// SubmitErrors fails the n-th Submit call (0-based) with the mapped error.
	SubmitErrors map[int]error
	// SubmitHook runs inside Submit before the result is decided.
	SubmitHook func(ctx context.Context, payload json.RawMessage)

	// Request tracking
	SubmitRequests []SubmitRequest
	HealthChecks   int

	// State
	token    string
	inFlight int
	overlap  bool
	closed   bool
}

// SubmitRequest tracks one Submit call and the window it was in flight.
type SubmitRequest struct {
	Payload json.RawMessage
	Start   time.Time
	End     time.Time
	Err     error
}

// NewMockTransport creates a mock transport with a healthy backend.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		HealthStatus: 200,
		SubmitErrors: make(map[int]error),
	}
}

// Submit records the payload and returns the configured error.
func (m *MockTransport) Submit(ctx context.Context, payload json.RawMessage) error {
	m.mu.Lock()
	idx := len(m.SubmitRequests)
	m.SubmitRequests = append(m.SubmitRequests, SubmitRequest{
		Payload: append(json.RawMessage(nil), payload...),
		Start:   time.Now(),
	})
	m.inFlight++
	if m.inFlight > 1 {
		m.overlap = true
	}
	hook := m.SubmitHook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--

	err := m.SubmitError
	if e, ok := m.SubmitErrors[idx]; ok {
		err = e
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}

	m.SubmitRequests[idx].End = time.Now()
	m.SubmitRequests[idx].Err = err
	return err
}

// CheckHealth returns the configured status.
func (m *MockTransport) CheckHealth(ctx context.Context) (int, error) {
	m.mu.Lock()
	m.HealthChecks++
	delay, status, err := m.HealthDelay, m.HealthStatus, m.HealthError
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	if err != nil {
		return 0, err
	}
	return status, nil
}

// Checks returns the number of CheckHealth calls.
func (m *MockTransport) Checks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.HealthChecks
}

// SetHealth changes the probe answer.
func (m *MockTransport) SetHealth(status int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthStatus = status
	m.HealthError = err
}

// SetHealthDelay changes how long every CheckHealth call waits.
func (m *MockTransport) SetHealthDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthDelay = d
}

// SetSubmitError changes the error returned by every Submit call.
func (m *MockTransport) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitError = err
}

// Requests returns a copy of the recorded Submit calls.
func (m *MockTransport) Requests() []SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubmitRequest(nil), m.SubmitRequests...)
}

// Overlapped reports whether two Submit calls were ever in flight together.
func (m *MockTransport) Overlapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlap
}

// SetToken sets the auth token.
func (m *MockTransport) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// GetToken returns the auth token.
func (m *MockTransport) GetToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
