package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/metrics"
	"github.com/sap-alerte/fieldsync/internal/models"
	"github.com/sap-alerte/fieldsync/internal/queue"
)

// Monitor is the connectivity view the coordinator needs.
type Monitor interface {
	Status() bool
	Subscribe(fn func(models.ConnectivityChange)) func()
}

// Interceptor is the request interceptor view the coordinator needs.
type Interceptor interface {
	Subscribe(fn func(models.Message)) func()
	TriggerBackgroundSync(tag string)
	RuntimeClean() bool
}

// Options configures a Coordinator.
type Options struct {
	RetentionDays          int
	CleanupSchedule        string
	BackgroundSyncSchedule string
	BackgroundSyncTag      string

	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Status summarizes the sync state for operators and pages.
type Status struct {
	Online      bool               `json:"online"`
	Syncing     bool               `json:"syncing"`
	Pending     int                `json:"pending"`
	LastResult  *models.SyncResult `json:"last_result,omitempty"`
	LastSyncAt  *time.Time         `json:"last_sync_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	FullySynced bool               `json:"fully_synced"`
}

// Coordinator drains the write queue when connectivity returns and runs
// the periodic maintenance jobs.
type Coordinator struct {
	queue       *queue.Queue
	submitter   queue.Submitter
	monitor     Monitor
	interceptor Interceptor
	opts        Options
	logger      *events.Logger

	mu         sync.Mutex
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	unsubs     []func()
	scheduler  *cron.Cron
	lastResult *models.SyncResult
	lastSyncAt time.Time
	lastErr    error

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(
	q *queue.Queue,
	submitter queue.Submitter,
	monitor Monitor,
	interceptor Interceptor,
	opts Options,
	logger *events.Logger,
) *Coordinator {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = "@every 6h"
	}
	if opts.BackgroundSyncTag == "" {
		opts.BackgroundSyncTag = "sync-collectes"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		queue:       q,
		submitter:   submitter,
		monitor:     monitor,
		interceptor: interceptor,
		opts:        opts,
		logger:      logger.WithField("component", "sync_coordinator"),
	}
}

// Start subscribes to connectivity and trigger messages and starts the
// scheduler. When the backend is reachable and collectes are waiting, a
// first drain starts right away.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	scheduler, err := c.newScheduler()
	if err != nil {
		return err
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.scheduler = scheduler
	c.started = true

	c.unsubs = append(c.unsubs,
		c.monitor.Subscribe(func(change models.ConnectivityChange) {
			if change.CameOnline() {
				c.logger.Info("Back online, draining queue")
				c.syncInBackground("online")
			}
		}),
		c.interceptor.Subscribe(func(msg models.Message) {
			if msg.Type != models.MsgTriggerSync {
				return
			}
			tag := c.opts.BackgroundSyncTag
			if data, err := models.ParseMessageData(&msg); err == nil {
				if t := data.(*models.TriggerSync).Tag; t != "" {
					tag = t
				}
			}
			c.syncInBackground("trigger:" + tag)
		}),
	)

	scheduler.Start()

	c.logger.WithFields(map[string]interface{}{
		"cleanup":         c.opts.CleanupSchedule,
		"background_sync": c.opts.BackgroundSyncSchedule,
	}).Info("Sync coordinator started")

	if c.monitor.Status() {
		c.wg.Add(1)
		go func(ctx context.Context) {
			defer c.wg.Done()
			pending, err := c.queue.CountPending(ctx)
			if err != nil || pending == 0 {
				return
			}
			c.logger.WithField("pending", pending).Info("Collectes waiting at startup")
			c.drain(ctx, "startup")
		}(c.ctx)
	}

	return nil
}

// Stop unsubscribes, stops the scheduler and waits for background drains.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	unsubs := c.unsubs
	c.unsubs = nil
	cancel := c.cancel
	scheduler := c.scheduler
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	cancel()

	<-scheduler.Stop().Done()
	c.wg.Wait()

	c.logger.Debug("Sync coordinator stopped")
}

// SyncNow drains the queue. It refuses with models.ErrOffline when the
// backend is believed unreachable.
func (c *Coordinator) SyncNow(ctx context.Context) (models.SyncResult, error) {
	if !c.monitor.Status() {
		return models.SyncResult{}, models.ErrOffline
	}

	result, err := c.queue.Sync(ctx, c.submitter)
	if errors.Is(err, models.ErrSyncInProgress) {
		return result, err
	}

	c.mu.Lock()
	c.lastResult = &result
	c.lastSyncAt = c.opts.Now()
	c.lastErr = err
	c.mu.Unlock()

	if err == nil && result.Failed == 0 {
		n, markErr := c.queue.MarkRequestsSynced(ctx)
		if markErr != nil {
			c.logger.WithError(markErr).Warn("Failed to mark offline requests synced")
		} else if n > 0 {
			c.logger.WithField("requests", n).Debug("Offline requests marked synced")
		}
	}

	c.refreshPending(ctx)

	return result, err
}

// RunCleanup purges synced rows past the retention window.
func (c *Coordinator) RunCleanup(ctx context.Context) (int, error) {
	n, err := c.queue.PurgeSyncedOlderThan(ctx, c.opts.RetentionDays)
	if err != nil {
		return 0, fmt.Errorf("purge synced rows: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"deleted":        n,
		"retention_days": c.opts.RetentionDays,
	}).Info("Old synced data cleaned up")

	return n, nil
}

// Status reports the current sync state.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	pending, err := c.queue.CountPending(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count pending: %w", err)
	}
	c.opts.Metrics.SetPending(pending)

	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Online:  c.monitor.Status(),
		Syncing: c.queue.Syncing(),
		Pending: pending,
	}
	if c.lastResult != nil {
		res := *c.lastResult
		at := c.lastSyncAt
		st.LastResult = &res
		st.LastSyncAt = &at
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}

	lastOK := c.lastErr == nil && (c.lastResult == nil || c.lastResult.Failed == 0)
	st.FullySynced = st.Online && c.interceptor.RuntimeClean() && pending == 0 && lastOK

	return st, nil
}

func (c *Coordinator) syncInBackground(reason string) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.drain(ctx, reason)
	}()
}

func (c *Coordinator) drain(ctx context.Context, reason string) {
	logger := c.logger.WithField("reason", reason)

	result, err := c.SyncNow(ctx)
	switch {
	case errors.Is(err, models.ErrSyncInProgress):
		logger.Debug("Drain already running")
	case errors.Is(err, models.ErrOffline):
		logger.Debug("Offline, drain skipped")
	case err != nil:
		logger.WithError(err).Warn("Background drain failed")
	default:
		logger.WithFields(map[string]interface{}{
			"synced":    result.Synced,
			"failed":    result.Failed,
			"exhausted": result.Exhausted,
		}).Debug("Background drain finished")
	}
}

func (c *Coordinator) refreshPending(ctx context.Context) {
	if n, err := c.queue.CountPending(ctx); err == nil {
		c.opts.Metrics.SetPending(n)
	}
}
