package pulltask

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reaper periodically stops tasks that waited too long for events or for completion, and purges old stopped tasks
type Reaper struct {
	ctx         context.Context
	cancel      context.CancelFunc
	service     *Service
	logger      *logrus.Entry
	interval    time.Duration
	timeout     time.Duration
	retention   time.Duration
	concurrency int
	now         func() time.Time
}

// ReaperConfig holds the configuration of the reaper
type ReaperConfig struct {
	Service     *Service
	Logger      *logrus.Entry
	IntervalSec int
	// TimeoutSec of 0 disables aborting awaiting tasks and expiring uncompleted terminated tasks
	TimeoutSec int
	// RetentionSec of 0 disables purging stopped tasks
	RetentionSec int
	Concurrency  int
}

// NewReaper creates a reaper
func NewReaper(cfg *ReaperConfig) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		ctx:         ctx,
		cancel:      cancel,
		service:     cfg.Service,
		logger:      cfg.Logger.WithField("component", "task-reaper"),
		interval:    interval,
		timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		retention:   time.Duration(cfg.RetentionSec) * time.Second,
		concurrency: concurrency,
		now:         cfg.Service.now,
	}
}

// Start begins the periodic sweeps
func (r *Reaper) Start() {
	r.logger.Info("Starting task reaper...")
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.ctx.Done():
				r.logger.Info("Stopping task reaper...")
				return
			}
		}
	}()
}

// Stop gracefully stops the reaper
func (r *Reaper) Stop() {
	r.cancel()
}

// Sweep runs one pass and returns how many tasks were aborted
func (r *Reaper) Sweep() int {
	aborted := 0
	if r.timeout > 0 {
		aborted = r.abortExpired()
		expired, err := r.service.Expire(r.ctx, r.now().Add(-r.timeout))
		if err != nil {
			r.logger.Errorf("Failed to expire terminated tasks: %v", err)
		} else if expired > 0 {
			r.logger.WithField("count", expired).Warn("Stopped terminated tasks that were never completed")
		}
	}
	if r.retention > 0 {
		purged, err := r.service.Purge(r.ctx, r.now().Add(-r.retention))
		if err != nil {
			r.logger.Errorf("Failed to purge stopped tasks: %v", err)
		} else if purged > 0 {
			r.logger.WithField("count", purged).Info("Purged stopped tasks")
		}
	}
	return aborted
}

func (r *Reaper) abortExpired() int {
	expired, err := r.service.Awaiting(r.ctx, r.now().Add(-r.timeout))
	if err != nil {
		r.logger.Errorf("Failed to fetch awaiting tasks: %v", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		aborted int
	)
	semaphore := make(chan struct{}, r.concurrency)

	for _, state := range expired {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(taskID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			ok, err := r.service.Abort(r.ctx, taskID)
			if err != nil {
				r.logger.Errorf("Failed to abort task %s: %v", taskID, err)
			}
			if ok {
				mu.Lock()
				aborted++
				mu.Unlock()
			}
		}(state.TaskID)
	}

	wg.Wait()
	return aborted
}
