// Package agent runs on a managed host: it finds jobs for the host, fetches their files
// and starts main.sh, which reports back to the server on its own.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go_rex/internal/agentclient"
	"go_rex/internal/transport"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Server is the part of the server API the runner needs
type Server interface {
	ListJobs(ctx context.Context, host string) ([]agentclient.Job, error)
	FetchFile(ctx context.Context, a agentclient.Assignment, path string) ([]byte, error)
	PostEvent(ctx context.Context, a agentclient.Assignment, ev agentclient.EventRequest) error
}

// ExecFunc launches main.sh inside dir
type ExecFunc func(dir, main string) error

// Config holds the configuration of a runner
type Config struct {
	Host         string
	WorkDir      string
	PollInterval time.Duration
	Server       Server
	// Redis enables broker notifications when set
	Redis  *redis.Client
	Logger *logrus.Entry
	Exec   ExecFunc
}

// Runner polls for jobs and launches them
type Runner struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	host     string
	workDir  string
	interval time.Duration
	server   Server
	rdb      *redis.Client
	logger   *logrus.Entry
	exec     ExecFunc

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewRunner creates a runner
func NewRunner(cfg Config) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	run := cfg.Exec
	if run == nil {
		run = execShell
	}
	return &Runner{
		ctx:      ctx,
		cancel:   cancel,
		host:     cfg.Host,
		workDir:  cfg.WorkDir,
		interval: interval,
		server:   cfg.Server,
		rdb:      cfg.Redis,
		logger:   cfg.Logger.WithFields(logrus.Fields{"component": "agent", "host": cfg.Host}),
		exec:     run,
		seen:     make(map[string]struct{}),
	}
}

// execShell starts main.sh with sh; main.sh backgrounds the job and returns immediately
func execShell(dir, main string) error {
	cmd := exec.Command("sh", main)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", main, err, string(out))
	}
	return nil
}

// Start begins polling and, when a broker is configured, listening for notifications
func (r *Runner) Start() {
	r.logger.Info("Starting agent runner...")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.PollOnce(r.ctx)
		for {
			select {
			case <-ticker.C:
				r.PollOnce(r.ctx)
			case <-r.ctx.Done():
				return
			}
		}
	}()

	if r.rdb != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.listen()
		}()
	}
}

// Stop stops the runner and waits for its goroutines
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Agent runner stopped")
}

func (r *Runner) listen() {
	topic := transport.Topic(r.host)
	sub := r.rdb.Subscribe(r.ctx, topic)
	defer sub.Close()

	r.logger.WithField("topic", topic).Info("Listening for notifications")
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var a agentclient.Assignment
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				r.logger.WithError(err).Warn("Ignoring malformed notification")
				continue
			}
			if err := r.Handle(r.ctx, a); err != nil {
				r.logger.WithField("task_id", a.TaskID).WithError(err).Warn("Failed to run notified job")
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// PollOnce lists the jobs of the host and launches the new ones. It returns how many were launched.
func (r *Runner) PollOnce(ctx context.Context) int {
	jobs, err := r.server.ListJobs(ctx, r.host)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to list jobs")
		return 0
	}

	listed := make(map[string]struct{}, len(jobs))
	launched := 0
	for _, job := range jobs {
		var a agentclient.Assignment
		if err := json.Unmarshal(job.Payload, &a); err != nil || a.TaskID == "" {
			r.logger.WithFields(logrus.Fields{
				"execution_plan_uuid": job.ExecutionPlanUUID,
				"action_id":           job.ActionID,
			}).Warn("Skipping job with unreadable payload")
			continue
		}
		listed[a.TaskID] = struct{}{}

		if r.isSeen(a.TaskID) {
			continue
		}
		if err := r.Handle(ctx, a); err != nil {
			r.logger.WithField("task_id", a.TaskID).WithError(err).Warn("Failed to run job")
			continue
		}
		launched++
	}

	r.forgetMissing(listed)
	return launched
}

func (r *Runner) isSeen(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[taskID]
	return ok
}

// markSeen records taskID and reports whether it was new
func (r *Runner) markSeen(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[taskID]; ok {
		return false
	}
	r.seen[taskID] = struct{}{}
	return true
}

// forgetMissing drops tasks the server no longer lists; they were stopped
func (r *Runner) forgetMissing(listed map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.seen {
		if _, ok := listed[id]; !ok {
			delete(r.seen, id)
		}
	}
}

// Handle fetches the files of an assignment into its own directory and starts main.sh.
// An assignment is launched at most once.
func (r *Runner) Handle(ctx context.Context, a agentclient.Assignment) error {
	if !r.markSeen(a.TaskID) {
		return nil
	}
	log := r.logger.WithFields(logrus.Fields{"task_id": a.TaskID, "step_id": a.StepID})

	dir := filepath.Join(r.workDir, a.TaskID)
	if err := r.stage(ctx, a, dir); err != nil {
		if errors.Is(err, agentclient.ErrTaskGone) {
			log.WithError(err).Info("Job disappeared before it could be fetched")
			return nil
		}
		r.reportFailure(ctx, a, err)
		return err
	}

	if err := r.exec(dir, path.Base(a.Main)); err != nil {
		r.reportFailure(ctx, a, err)
		return err
	}
	log.Info("Job launched")
	return nil
}

func (r *Runner) stage(ctx context.Context, a agentclient.Assignment, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, ref := range a.Files {
		content, err := r.server.FetchFile(ctx, a, ref)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, path.Base(ref))
		if err := os.WriteFile(target, content, 0o700); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
	}
	return nil
}

// reportFailure terminates the task with exit code 1 so the server does not wait for it forever
func (r *Runner) reportFailure(ctx context.Context, a agentclient.Assignment, cause error) {
	output := base64.StdEncoding.EncodeToString([]byte("DONE 1\nagent: " + cause.Error() + "\n"))
	code := 1
	if err := r.server.PostEvent(ctx, a, agentclient.EventRequest{Output: &output, ExitCode: &code}); err != nil {
		r.logger.WithField("task_id", a.TaskID).WithError(err).Warn("Failed to report job failure")
	}
}
