package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sap-alerte/fieldsync/internal/config"
	"github.com/sap-alerte/fieldsync/internal/events"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// Submission is one collecte received by the fake backend.
type Submission struct {
	Body  json.RawMessage
	Start time.Time
	End   time.Time
}

// FakeBackend is a scriptable stand-in for the application backend. It
// serves the health route, the collecte route, a few shell assets and a
// JSON API.
type FakeBackend struct {
	*httptest.Server

	mu           sync.Mutex
	down         bool
	healthStatus int
	submitQueue  []int
	submitStatus int
	submitDelay  time.Duration
	submissions  []Submission
	inFlight     int
	overlap      bool
	hits         map[string]int
}

// NewFakeBackend starts a healthy backend.
func NewFakeBackend() *FakeBackend {
	fb := &FakeBackend{
		healthStatus: http.StatusOK,
		submitStatus: http.StatusCreated,
		hits:         make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", fb.handleHealth)
	mux.HandleFunc("/api/collectes", fb.handleCollectes)
	mux.HandleFunc("/api/", fb.handleAPI)
	mux.HandleFunc("/", fb.handleAsset)

	fb.Server = httptest.NewServer(fb.dropWhenDown(mux))
	return fb
}

// SetDown makes every request fail at the connection level.
func (fb *FakeBackend) SetDown(down bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.down = down
}

// SetHealthStatus sets the health route status.
func (fb *FakeBackend) SetHealthStatus(status int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.healthStatus = status
}

// SetSubmitStatus sets the status for every later submission.
func (fb *FakeBackend) SetSubmitStatus(status int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.submitStatus = status
}

// QueueSubmitStatuses scripts the next submissions; later ones use the
// default status.
func (fb *FakeBackend) QueueSubmitStatuses(statuses ...int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.submitQueue = append(fb.submitQueue, statuses...)
}

// SetSubmitDelay holds each submission for d.
func (fb *FakeBackend) SetSubmitDelay(d time.Duration) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.submitDelay = d
}

// Submissions returns every accepted or refused submission.
func (fb *FakeBackend) Submissions() []Submission {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]Submission(nil), fb.submissions...)
}

// Overlapped reports whether two submissions were ever in flight together.
func (fb *FakeBackend) Overlapped() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.overlap
}

// Hits returns how often path was requested.
func (fb *FakeBackend) Hits(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.hits[path]
}

func (fb *FakeBackend) dropWhenDown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		down := fb.down
		fb.hits[r.URL.Path]++
		fb.mu.Unlock()

		if down {
			hj, ok := w.(http.Hijacker)
			if !ok {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (fb *FakeBackend) handleHealth(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	status := fb.healthStatus
	fb.mu.Unlock()

	w.WriteHeader(status)
}

func (fb *FakeBackend) handleCollectes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	fb.mu.Lock()
	idx := len(fb.submissions)
	fb.submissions = append(fb.submissions, Submission{Body: body, Start: time.Now()})
	fb.inFlight++
	if fb.inFlight > 1 {
		fb.overlap = true
	}
	status := fb.submitStatus
	if len(fb.submitQueue) > 0 {
		status = fb.submitQueue[0]
		fb.submitQueue = fb.submitQueue[1:]
	}
	delay := fb.submitDelay
	fb.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	fb.mu.Lock()
	fb.inFlight--
	fb.submissions[idx].End = time.Now()
	fb.mu.Unlock()

	switch {
	case status >= 200 && status < 300:
		writeJSON(w, status, map[string]interface{}{"id": idx + 1})
	case status >= 400 && status < 500:
		writeJSON(w, status, map[string]string{"detail": "collecte invalide"})
	default:
		writeJSON(w, status, map[string]string{"code": "SERVER_ERROR", "message": "erreur serveur"})
	}
}

func (fb *FakeBackend) handleAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path})
}

func (fb *FakeBackend) handleAsset(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/", "/index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<!doctype html><title>SAP</title>")
	case "/app.js":
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "console.log('sap')")
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestConfig returns a config pointed at baseURL with fast timings and
// storage under a temp dir.
func TestConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = baseURL
	cfg.Backend.Timeout = 2 * time.Second
	cfg.Backend.MaxRetries = 0
	cfg.Backend.RetryDelay = 10 * time.Millisecond
	cfg.Probe.Interval = time.Hour
	cfg.Probe.Timeout = 500 * time.Millisecond
	cfg.Probe.WatchInterfaces = false
	cfg.Storage.DataDir = t.TempDir()
	cfg.Sync.BackgroundSyncSchedule = ""
	cfg.Proxy.StaticAssets = []string{"/", "/index.html", "/app.js"}
	cfg.Proxy.FetchThroughTimeout = 200 * time.Millisecond
	cfg.Log.Level = "debug"
	cfg.Log.Color = false

	return cfg
}
