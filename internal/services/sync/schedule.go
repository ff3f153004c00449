package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sap-alerte/fieldsync/internal/events"
)

const cleanupTimeout = time.Minute

// newScheduler registers the retention cleanup and the background sync
// signal. An empty background schedule disables the signal.
func (c *Coordinator) newScheduler() (*cron.Cron, error) {
	logger := cronLogger{logger: c.logger.WithField("scheduler", "cron")}

	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := scheduler.AddFunc(c.opts.CleanupSchedule, c.scheduledCleanup); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", c.opts.CleanupSchedule, err)
	}

	if c.opts.BackgroundSyncSchedule != "" {
		tag := c.opts.BackgroundSyncTag
		_, err := scheduler.AddFunc(c.opts.BackgroundSyncSchedule, func() {
			c.interceptor.TriggerBackgroundSync(tag)
		})
		if err != nil {
			return nil, fmt.Errorf("background sync schedule %q: %w", c.opts.BackgroundSyncSchedule, err)
		}
	}

	return scheduler, nil
}

func (c *Coordinator) scheduledCleanup() {
	c.mu.Lock()
	parent := c.ctx
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, cleanupTimeout)
	defer cancel()

	if _, err := c.RunCleanup(ctx); err != nil {
		c.logger.WithError(err).Error("Scheduled cleanup failed")
	}
}

// cronLogger adapts events.Logger to cron.Logger.
type cronLogger struct {
	logger *events.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
