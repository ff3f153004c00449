package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/sap-alerte/fieldsync/internal/config"
	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
)

// HTTPClient handles HTTP communication with the backend.
type HTTPClient struct {
	client     *http.Client
	baseURL    string
	submitPath string
	healthPath string
	userAgent  string
	token      string
	logger     *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.BackendConfig, logger *events.Logger) *HTTPClient {
	// Create transport with HTTP/2 support
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	// Configure HTTP/2
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		submitPath: cfg.SubmitPath,
		healthPath: cfg.HealthPath,
		userAgent:  cfg.UserAgent,
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		logger:     logger.WithField("component", "http_client"),
	}
}

// SetToken sets the authentication token.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

// GetToken returns the current authentication token.
func (c *HTTPClient) GetToken() string {
	return c.token
}

// BaseURL returns the backend origin.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Submit posts one collecte payload. Any 2xx response is a success.
func (c *HTTPClient) Submit(ctx context.Context, payload json.RawMessage) error {
	return c.PostJSON(ctx, c.submitPath, payload)
}

// PostJSON sends a JSON POST request with retry on network errors and
// retryable statuses.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body json.RawMessage) error {
	url := c.baseURL + path
	logger := c.logger.WithFields(map[string]interface{}{
		"method": http.MethodPost,
		"url":    url,
		"size":   len(body),
	})
	if id := events.GetMutationID(ctx); id != 0 {
		logger = logger.WithField("mutation_id", id)
	}

	logger.Debug("Sending request")

	return c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if id := events.GetRequestID(ctx); id != "" {
			req.Header.Set("X-Request-ID", id)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		logger.WithField("status", resp.StatusCode).Debug("Received response")

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		return c.apiError(resp.StatusCode, respBody)
	})
}

// CheckHealth performs one uncached GET on the health endpoint and returns
// the status code. It never retries; callers bound it with ctx.
func (c *HTTPClient) CheckHealth(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	return resp.StatusCode, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) apiError(status int, body []byte) error {
	apiErr := &models.APIError{StatusCode: status}

	// Backends answer {"detail": ...} or {"code","message"}.
	var parsed struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		if apiErr.Message == "" && len(parsed.Detail) > 0 {
			var s string
			if json.Unmarshal(parsed.Detail, &s) == nil {
				apiErr.Message = s
			} else {
				apiErr.Message = string(parsed.Detail)
			}
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}

	if apiErr.Code == "" {
		switch {
		case status == http.StatusTooManyRequests:
			apiErr.Code = models.ErrCodeRateLimit
		case status >= 500:
			apiErr.Code = models.ErrCodeServerError
		default:
			apiErr.Code = models.ErrCodeRejected
		}
	}

	return apiErr
}

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2 // Exponential backoff
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !c.isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// isRetryableError checks if an error is retryable. Network errors are;
// backend answers only when their status is.
func (c *HTTPClient) isRetryableError(err error) bool {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return c.isRetryable(apiErr.StatusCode)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
