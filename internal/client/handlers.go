package client

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sap-alerte/fieldsync/internal/models"
	syncsvc "github.com/sap-alerte/fieldsync/internal/services/sync"
)

// ControlPrefix is where the agent's own routes live. Everything outside
// it goes through the interceptor.
const ControlPrefix = "/_fieldsync"

const maxCollecteSize = 1 << 20

// StatusReport is the body of GET /_fieldsync/status.
type StatusReport struct {
	Connection  models.ConnectionState `json:"connection"`
	Sync        syncsvc.Status         `json:"sync"`
	Interceptor InterceptorStatus      `json:"interceptor"`
	Pages       int                    `json:"pages"`
}

// InterceptorStatus describes the interceptor mode and runtime cache.
type InterceptorStatus struct {
	Online         bool `json:"online"`
	RuntimeClean   bool `json:"runtime_clean"`
	RuntimeEntries int  `json:"runtime_entries"`
}

// QueueReport is the body of GET /_fieldsync/queue.
type QueueReport struct {
	MaxRetries int                      `json:"max_retries"`
	Pending    []*models.QueuedMutation `json:"pending"`
	Requests   []*models.OfflineRequest `json:"requests"`
}

// Handler returns the agent HTTP surface.
func (c *Client) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Get("/status", c.handleStatus)
		r.Get("/queue", c.handleQueue)
		r.Post("/queue/{id}/retry", c.handleRetry)
		r.Post("/sync", c.handleSync)
		r.Post("/probe", c.handleProbe)
		r.Post("/collectes", c.handleCollecte)
		r.Get("/ws", c.Hub.ServeHTTP)
	})

	r.Method(http.MethodGet, "/metrics", c.Metrics.Handler())
	r.Handle("/*", c.Interceptor)

	return r
}

// Status gathers the full agent status.
func (c *Client) Status(r *http.Request) (StatusReport, error) {
	ctx := r.Context()

	st, err := c.Sync.Status(ctx)
	if err != nil {
		return StatusReport{}, err
	}

	entries, err := c.Interceptor.RuntimeCacheLen()
	if err != nil {
		c.logger.WithError(err).Debug("Runtime cache unreadable")
	}

	return StatusReport{
		Connection: c.Monitor.State(),
		Sync:       st,
		Interceptor: InterceptorStatus{
			Online:         c.Interceptor.Online(),
			RuntimeClean:   c.Interceptor.RuntimeClean(),
			RuntimeEntries: entries,
		},
		Pages: c.Hub.Clients(),
	}, nil
}

func (c *Client) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := c.Status(r)
	if err != nil {
		c.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (c *Client) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending, err := c.Queue.ListPending(r.Context())
	if err != nil {
		c.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	requests, err := c.Queue.ListPendingRequests(r.Context())
	if err != nil {
		c.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	if pending == nil {
		pending = []*models.QueuedMutation{}
	}
	if requests == nil {
		requests = []*models.OfflineRequest{}
	}

	writeJSON(w, http.StatusOK, QueueReport{
		MaxRetries: c.Queue.MaxRetries(),
		Pending:    pending,
		Requests:   requests,
	})
}

func (c *Client) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		c.writeError(w, r, http.StatusBadRequest, errors.New("invalid collecte id"))
		return
	}

	if err := c.Queue.ResetRetries(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrMutationNotFound) {
			c.writeError(w, r, http.StatusNotFound, err)
			return
		}
		c.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "retry_count": 0})
}

func (c *Client) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := c.Sync.SyncNow(r.Context())
	switch {
	case errors.Is(err, models.ErrOffline):
		c.writeError(w, r, http.StatusServiceUnavailable, err)
	case errors.Is(err, models.ErrSyncInProgress):
		c.writeError(w, r, http.StatusConflict, err)
	case err != nil:
		c.writeError(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (c *Client) handleProbe(w http.ResponseWriter, r *http.Request) {
	online := c.Monitor.ForceCheck(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": online,
		"state":  c.Monitor.State(),
	})
}

func (c *Client) handleCollecte(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCollecteSize))
	if err != nil {
		c.writeError(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}

	outcome, err := c.SubmitCollecte(r.Context(), body)
	if err != nil {
		var apiErr *models.APIError
		switch {
		case errors.Is(err, models.ErrInvalidPayload):
			c.writeError(w, r, http.StatusBadRequest, err)
		case errors.As(err, &apiErr) && apiErr.Rejected():
			writeJSON(w, apiErr.StatusCode, map[string]string{
				"error":   apiErr.Code,
				"message": apiErr.Message,
			})
		default:
			c.writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}

	status := http.StatusCreated
	if outcome.Queued {
		status = http.StatusAccepted
		w.Header().Set("X-Offline", "true")
	}
	writeJSON(w, status, outcome)
}

func (c *Client) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := c.logger.WithFields(map[string]interface{}{
		"path":       r.URL.Path,
		"status":     status,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if status >= 500 {
		logger.WithError(err).Error("Request failed")
	} else {
		logger.WithError(err).Debug("Request refused")
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
