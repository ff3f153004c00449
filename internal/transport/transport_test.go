package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-alerte/fieldsync/internal/config"
	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
	"github.com/sap-alerte/fieldsync/internal/transport"
)

func backendConfig(url string) *config.BackendConfig {
	return &config.BackendConfig{
		BaseURL:    url,
		SubmitPath: "/api/collectes",
		HealthPath: "/health",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
		UserAgent:  "test",
	}
}

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

func TestHTTPClientRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 12}`))
	}))
	defer server.Close()

	client := transport.NewHTTPClient(backendConfig(server.URL), testLogger())

	err := client.Submit(context.Background(), json.RawMessage(`{"produit":"mil","prix":250}`))

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHTTPClientSubmitRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/collectes", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"produit":"sorgho","prix":180}`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := transport.NewHTTPClient(backendConfig(server.URL), testLogger())
	client.SetToken("test-token")
	assert.Equal(t, "test-token", client.GetToken())

	ctx := events.WithRequestID(context.Background(), "req-1")
	err := client.Submit(ctx, json.RawMessage(`{"produit":"sorgho","prix":180}`))
	require.NoError(t, err)
}

func TestHTTPClientAPIError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail": "prix manquant"}`))
	}))
	defer server.Close()

	client := transport.NewHTTPClient(backendConfig(server.URL), testLogger())

	err := client.Submit(context.Background(), json.RawMessage(`{"produit":"mil"}`))
	require.Error(t, err)

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, models.ErrCodeRejected, apiErr.Code)
	assert.Equal(t, "prix manquant", apiErr.Message)
	assert.True(t, models.IsRejected(err))

	// Rejections are not retried
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHTTPClientServerErrorExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"DB_DOWN","message":"database unavailable"}`))
	}))
	defer server.Close()

	cfg := backendConfig(server.URL)
	cfg.MaxRetries = 1
	client := transport.NewHTTPClient(cfg, testLogger())

	err := client.Submit(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "DB_DOWN", apiErr.Code)
	assert.False(t, models.IsRejected(err))
}

func TestHTTPClientCheckHealth(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"ok", http.StatusOK},
		{"not found", http.StatusNotFound},
		{"server error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				assert.Equal(t, "/health", r.URL.Path)
				assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := transport.NewHTTPClient(backendConfig(server.URL), testLogger())
			status, err := client.CheckHealth(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
			// Probes never retry
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestHTTPClientCheckHealthTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := transport.NewHTTPClient(backendConfig(server.URL), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.CheckHealth(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTransportInterface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/collectes":
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	var tr transport.Transport = transport.NewTransport(backendConfig(server.URL), testLogger())
	defer tr.Close()

	status, err := tr.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, tr.Submit(context.Background(), json.RawMessage(`{"produit":"riz"}`)))
}

func TestMockTransport(t *testing.T) {
	mock := transport.NewMockTransport()
	ctx := context.Background()

	status, err := mock.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	mock.SubmitErrors[1] = errors.New("connection reset")

	require.NoError(t, mock.Submit(ctx, json.RawMessage(`{"n":1}`)))
	require.Error(t, mock.Submit(ctx, json.RawMessage(`{"n":2}`)))
	require.NoError(t, mock.Submit(ctx, json.RawMessage(`{"n":3}`)))

	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	assert.JSONEq(t, `{"n":2}`, string(reqs[1].Payload))
	assert.Error(t, reqs[1].Err)
	assert.False(t, mock.Overlapped())

	mock.SetHealth(0, errors.New("no route to host"))
	_, err = mock.CheckHealth(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, mock.HealthChecks)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestPageHubBroadcast(t *testing.T) {
	hub := transport.NewPageHub(testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	wsURL := "ws" + server.URL[4:]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, func() bool { return hub.Clients() == 1 })

	msg, err := models.NewMessage(models.MsgConnectivityChange, models.ConnectivityChange{
		IsOnline:  false,
		WasOnline: true,
	})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(msg))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]interface{}
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, "CONNECTIVITY_CHANGE", got["type"])
	assert.Equal(t, false, got["isOnline"])
	assert.Equal(t, true, got["wasOnline"])
}

func TestPageHubInbound(t *testing.T) {
	hub := transport.NewPageHub(testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	received := make(chan models.Message, 4)
	unsubscribe := hub.OnMessage(func(msg models.Message) {
		received <- msg
	})
	defer unsubscribe()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"NETWORK_STATUS","isOnline":false}`)))

	select {
	case msg := <-received:
		assert.Equal(t, models.MsgNetworkStatus, msg.Type)
		data, err := models.ParseMessageData(&msg)
		require.NoError(t, err)
		assert.False(t, data.(*models.NetworkStatus).IsOnline)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for page message")
	}
}

func TestPageHubClose(t *testing.T) {
	hub := transport.NewPageHub(testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, func() bool { return hub.Clients() == 1 })

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	// New connections are refused
	_, resp, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestWSClientReceivesMessages(t *testing.T) {
	hub := transport.NewPageHub(testLogger())
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	client := transport.NewWSClient(server.URL, testLogger())
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	waitFor(t, func() bool { return hub.Clients() == 1 })

	msg, err := models.NewMessage(models.MsgSyncEvent, models.SyncEventNotice{
		Event: models.SyncEventCompleted,
	})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(msg))

	select {
	case got, ok := <-client.Messages():
		require.True(t, ok)
		assert.Equal(t, models.MsgSyncEvent, got.Type)
		data, err := models.ParseMessageData(&got)
		require.NoError(t, err)
		assert.Equal(t, models.SyncEventCompleted, data.(*models.SyncEventNotice).Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for messages")
	}

	// Client to hub
	received := make(chan models.Message, 1)
	hub.OnMessage(func(m models.Message) { received <- m })

	skip, err := models.NewMessage(models.MsgSkipWaiting, nil)
	require.NoError(t, err)
	require.NoError(t, client.Send(skip))

	select {
	case got := <-received:
		assert.Equal(t, models.MsgSkipWaiting, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client message")
	}
}
