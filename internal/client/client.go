package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/sap-alerte/fieldsync/internal/cache"
	"github.com/sap-alerte/fieldsync/internal/config"
	"github.com/sap-alerte/fieldsync/internal/connectivity"
	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/interceptor"
	"github.com/sap-alerte/fieldsync/internal/metrics"
	"github.com/sap-alerte/fieldsync/internal/models"
	"github.com/sap-alerte/fieldsync/internal/queue"
	syncsvc "github.com/sap-alerte/fieldsync/internal/services/sync"
	"github.com/sap-alerte/fieldsync/internal/transport"
)

// Client owns the agent services and the wiring between them.
type Client struct {
	Monitor     *connectivity.Monitor
	Queue       *queue.Queue
	Interceptor *interceptor.Interceptor
	Sync        *syncsvc.Coordinator
	Hub         *transport.PageHub
	Metrics     *metrics.Metrics

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport

	mu      sync.Mutex
	started bool
	closed  bool
	runCtx  context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	wg      sync.WaitGroup
}

// Outcome reports what happened to a submitted collecte.
type Outcome struct {
	Queued  bool   `json:"queued"`
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message"`
}

const sentMessage = "Collecte envoyée"

// New builds every service from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	upstream, err := url.Parse(cfg.UpstreamURL())
	if err != nil {
		return nil, fmt.Errorf("%w: upstream: %v", models.ErrInvalidConfig, err)
	}

	m := metrics.New()
	backend := transport.NewTransport(&cfg.Backend, logger)

	caches, err := cache.NewStorage(cfg.CachePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}

	icpt, err := interceptor.New(interceptor.Options{
		Upstream:            upstream,
		StaticCacheName:     cfg.Proxy.StaticCacheName,
		RuntimeCacheName:    cfg.Proxy.RuntimeCacheName,
		StaticAssets:        cfg.Proxy.StaticAssets,
		ShellPath:           cfg.Proxy.ShellPath,
		FetchThroughTimeout: cfg.Proxy.FetchThroughTimeout,
		Metrics:             m,
	}, caches, logger)
	if err != nil {
		return nil, err
	}

	q := queue.New(queue.SQLiteOpener(cfg.QueueDBPath(), logger), queue.Options{
		MaxRetries: cfg.Sync.MaxRetries,
	}, logger)

	monitor := connectivity.NewMonitor(backend, connectivity.Options{
		Interval: cfg.Probe.Interval,
		Timeout:  cfg.Probe.Timeout,
		Metrics:  m,
	}, logger)

	coord := syncsvc.NewCoordinator(q, backend, monitor, icpt, syncsvc.Options{
		RetentionDays:          cfg.Sync.RetentionDays,
		CleanupSchedule:        cfg.Sync.CleanupSchedule,
		BackgroundSyncSchedule: cfg.Sync.BackgroundSyncSchedule,
		BackgroundSyncTag:      cfg.Sync.BackgroundSyncTag,
		Metrics:                m,
	}, logger)

	return &Client{
		Monitor:     monitor,
		Queue:       q,
		Interceptor: icpt,
		Sync:        coord,
		Hub:         transport.NewPageHub(logger),
		Metrics:     m,
		config:      cfg,
		logger:      logger.WithField("component", "client"),
		transport:   backend,
		runCtx:      context.Background(),
	}, nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.config
}

// Start wires the services together and starts the background work.
// Monitor transitions reach the interceptor before the coordinator, so a
// runtime cache purge always completes before the drain it precedes.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return models.ErrStoreClosed
	}
	if c.started {
		return nil
	}

	if err := c.Queue.Initialize(ctx); err != nil {
		return fmt.Errorf("open write queue: %w", err)
	}

	c.runCtx, c.cancel = context.WithCancel(ctx)
	runCtx := c.runCtx

	c.unsubs = append(c.unsubs,
		// Page role: the interceptor learns the belief through NETWORK_STATUS.
		c.Monitor.Subscribe(func(change models.ConnectivityChange) {
			c.Metrics.SetOnline(change.IsOnline)
			msg, err := models.NewMessage(models.MsgNetworkStatus, models.NetworkStatus{IsOnline: change.IsOnline})
			if err != nil {
				c.logger.WithError(err).Error("Build network status")
				return
			}
			c.Interceptor.HandleMessage(runCtx, msg)
		}),

		c.Monitor.Subscribe(func(change models.ConnectivityChange) {
			c.broadcast(models.MsgConnectivityChange, change)
		}),

		c.Queue.Subscribe(func(ev models.SyncEvent) {
			c.Metrics.ObserveSyncEvent(ev)
			c.broadcast(models.MsgSyncEvent, models.SyncEventNotice{Event: ev.Type, Data: ev})
		}),

		c.Interceptor.Subscribe(func(msg models.Message) {
			if err := c.Hub.Broadcast(msg); err != nil {
				c.logger.WithError(err).Debug("Broadcast failed")
			}
			if msg.Type == models.MsgOfflineRequest {
				c.recordOfflineRequest(runCtx, msg)
			}
		}),

		c.Hub.OnMessage(func(msg models.Message) {
			switch msg.Type {
			case models.MsgNetworkStatus, models.MsgSkipWaiting:
				c.Interceptor.HandleMessage(runCtx, msg)
			default:
				c.logger.WithField("type", string(msg.Type)).Debug("Ignoring page message")
			}
		}),
	)

	if err := c.Interceptor.Install(ctx); err != nil {
		c.logger.WithError(err).Warn("Install failed, continuing without static cache")
	}
	if err := c.Interceptor.Activate(ctx); err != nil {
		c.logger.WithError(err).Warn("Activation failed")
	}

	c.Metrics.SetOnline(c.Monitor.Status())
	c.Monitor.Start(runCtx)

	if err := c.Sync.Start(runCtx); err != nil {
		c.Monitor.Stop()
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
		c.cancel()
		return fmt.Errorf("start sync coordinator: %w", err)
	}

	c.started = true
	c.logger.WithFields(map[string]interface{}{
		"backend":  c.config.Backend.BaseURL,
		"upstream": c.config.UpstreamURL(),
		"online":   c.Monitor.Status(),
	}).Info("Agent started")

	return nil
}

// SubmitCollecte is the form submission path. Offline, the collecte is
// queued before any network call. Online, it is posted; a network failure
// queues it and triggers a reachability check. A backend rejection is
// returned as is.
func (c *Client) SubmitCollecte(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return Outcome{}, fmt.Errorf("submit: %w", models.ErrInvalidPayload)
	}

	if !c.Monitor.Status() {
		return c.enqueue(ctx, payload)
	}

	err := c.transport.Submit(ctx, payload)
	if err == nil {
		return Outcome{Message: sentMessage}, nil
	}
	if models.IsRejected(err) {
		return Outcome{}, err
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}

	c.logger.WithError(err).Warn("Submit failed, saving collecte offline")

	outcome, qerr := c.enqueue(ctx, payload)
	if qerr != nil {
		return Outcome{}, errors.Join(err, qerr)
	}

	c.forceCheck()
	return outcome, nil
}

// Shutdown stops background work and closes the stores.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	cancel := c.cancel
	c.mu.Unlock()

	c.Sync.Stop()
	c.Monitor.Stop()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Shutdown timed out waiting for background checks")
	}

	var errs []error
	if err := c.Hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close hub: %w", err))
	}
	if err := c.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	c.logger.Info("Agent stopped")
	return errors.Join(errs...)
}

func (c *Client) enqueue(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	id, err := c.Queue.Enqueue(ctx, payload)
	if err != nil {
		return Outcome{}, err
	}
	c.refreshPending(ctx)
	return Outcome{Queued: true, ID: id, Message: interceptor.OfflineMessage}, nil
}

func (c *Client) forceCheck() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.Monitor.ForceCheck(ctx)
	}()
}

func (c *Client) recordOfflineRequest(ctx context.Context, msg models.Message) {
	data, err := models.ParseMessageData(&msg)
	if err != nil {
		c.logger.WithError(err).Warn("Bad offline request notice")
		return
	}
	notice := data.(*models.OfflineRequestNotice)
	if _, err := c.Queue.RecordRequest(ctx, *notice); err != nil {
		c.logger.WithError(err).WithField("url", notice.URL).Error("Failed to record offline request")
	}
}

func (c *Client) broadcast(t models.MessageType, payload interface{}) {
	msg, err := models.NewMessage(t, payload)
	if err != nil {
		c.logger.WithError(err).Error("Build page message")
		return
	}
	if err := c.Hub.Broadcast(msg); err != nil {
		c.logger.WithError(err).Debug("Broadcast failed")
	}
}

func (c *Client) refreshPending(ctx context.Context) {
	if n, err := c.Queue.CountPending(ctx); err == nil {
		c.Metrics.SetPending(n)
	}
}
