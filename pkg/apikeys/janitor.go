package apikeys

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/gridguard/pkg/observability"
)

// DefaultJanitorSchedule runs the janitor every five minutes
const DefaultJanitorSchedule = "@every 5m"

// ExpiredKeyDeactivator is the part of Store the janitor needs
type ExpiredKeyDeactivator interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Janitor periodically deactivates expired keys
type Janitor struct {
	store   ExpiredKeyDeactivator
	cron    *cron.Cron
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewJanitor creates a janitor running on schedule, a standard cron
// expression or descriptor such as "@every 5m".
func NewJanitor(store ExpiredKeyDeactivator, schedule string, logger *observability.Logger, metrics *observability.Metrics) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	j := &Janitor{
		store:   store,
		cron:    cron.New(),
		logger:  logger.WithField("component", "apikey_janitor"),
		metrics: metrics,
		timeout: time.Minute,
		now:     time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, j.runScheduled); err != nil {
		return nil, fmt.Errorf("failed to schedule janitor %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) runScheduled() {
	defer observability.RecoverPanic(j.logger, "api key janitor")

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, _ = j.RunOnce(ctx)
}

// RunOnce deactivates expired keys now and returns how many changed
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.store.DeactivateExpired(ctx, j.now())
	if err != nil {
		j.logger.WithError(err).Error("failed to deactivate expired api keys")
		if j.metrics != nil {
			j.metrics.JanitorRunsTotal.WithLabelValues("error").Inc()
		}
		return 0, err
	}

	if j.metrics != nil {
		j.metrics.JanitorRunsTotal.WithLabelValues("success").Inc()
		j.metrics.APIKeysDeactivated.Add(float64(n))
	}
	if n > 0 {
		j.logger.WithField("count", n).Info("deactivated expired api keys")
	}
	return n, nil
}

// Start begins running on the schedule in the background
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("api key janitor started")
}

// Stop halts the schedule and waits for a running pass to finish or ctx to end
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("api key janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
