// Package transport makes a newly started task discoverable by the agent on its host.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Notification tells an agent where to fetch the files of a task and how to call back
type Notification struct {
	Host         string   `json:"-"`
	CallbackHost string   `json:"callback_host"`
	TaskID       string   `json:"task_id"`
	StepID       string   `json:"step_id"`
	OTP          string   `json:"otp"`
	Files        []string `json:"files"`
	// Main is the file name of the entry point among Files
	Main string `json:"main"`
}

// ErrThrottled is returned when a notification is dropped by the publish rate limit.
// The job stays listed for the host, so the agent still finds it by polling.
var ErrThrottled = errors.New("notification dropped: publish rate exceeded")

// Notifier announces work to a host
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Topic is the channel an agent on host subscribes to
func Topic(host string) string {
	return fmt.Sprintf("per-host/%s", host)
}

// BrokerNotifier publishes notifications on a per-host Redis channel.
// Delivery is fire-and-forget; agents that miss a message still find the job through the listing endpoint.
type BrokerNotifier struct {
	rdb     *redis.Client
	limiter *rate.Limiter
	logger  *logrus.Entry
}

// NewBrokerNotifier creates a notifier publishing at most rps messages per second (0 = unlimited).
// Notify never waits for the limiter: messages over the limit are dropped with ErrThrottled.
func NewBrokerNotifier(rdb *redis.Client, rps float64, logger *logrus.Entry) *BrokerNotifier {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps) + 1
	}
	return &BrokerNotifier{
		rdb:     rdb,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.WithField("component", "broker-notifier"),
	}
}

// Notify publishes n to the host topic
func (b *BrokerNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if !b.limiter.Allow() {
		return fmt.Errorf("%w: task %s on %s", ErrThrottled, n.TaskID, n.Host)
	}

	topic := Topic(n.Host)
	receivers, err := b.rdb.Publish(ctx, topic, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	b.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"task_id":   n.TaskID,
		"receivers": receivers,
	}).Debug("Notification published")
	return nil
}

// PollingNotifier publishes nothing: the agent polls the listing endpoint for its jobs
type PollingNotifier struct {
	logger *logrus.Entry
}

// NewPollingNotifier creates a polling notifier
func NewPollingNotifier(logger *logrus.Entry) *PollingNotifier {
	return &PollingNotifier{logger: logger.WithField("component", "polling-notifier")}
}

// Notify only logs; the job is already listed for the host
func (p *PollingNotifier) Notify(_ context.Context, n Notification) error {
	p.logger.WithFields(logrus.Fields{
		"host":    n.Host,
		"task_id": n.TaskID,
	}).Debug("Job awaiting poll")
	return nil
}
