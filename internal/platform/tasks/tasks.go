package tasks

import (
	"encoding/json"

	"sitecheck/internal/platform/redis"

	"github.com/hibiken/asynq"
)

// Task types, one per pipeline stage.
const (
	TaskTypeIngest   = "ingest:task"
	TaskTypeValidate = "validate:task"
	TaskTypeDiscover = "discover:task"
)

// Queue names. Separate queues so slow discovery work cannot starve cheap
// validation throughput, and vice versa.
const (
	QueueScrape   = "scrape"
	QueueValidate = "validate"
	QueueDiscover = "discover"
)

// QueuePriorities returns the asynq weighted-priority map for the worker.
func QueuePriorities() map[string]int {
	return map[string]int{
		QueueScrape:   6,
		QueueValidate: 3,
		QueueDiscover: 1,
	}
}

// ValidatePayload drives one validation pass over a business. FromDiscovery
// marks the single bounded re-validation after a discovery hit.
type ValidatePayload struct {
	SessionID     string `json:"session_id"`
	BusinessID    string `json:"business_id"`
	FromDiscovery bool   `json:"from_discovery,omitempty"`
}

// DiscoverPayload escalates one business to search discovery.
type DiscoverPayload struct {
	SessionID  string `json:"session_id"`
	BusinessID string `json:"business_id"`
}

func NewValidateTask(p ValidatePayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeValidate, b), nil
}

func NewDiscoverTask(p DiscoverPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDiscover, b), nil
}

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries))
	return err
}

func (t *Client) Close() error { return t.c.Close() }
