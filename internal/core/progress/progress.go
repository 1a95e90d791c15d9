// Package progress broadcasts per-session pipeline events to streaming
// observers. Delivery is best-effort and at-most-once; the session snapshot
// remains the authoritative record.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"sitecheck/internal/logger"
	rds "sitecheck/internal/platform/redis"

	redisv8 "github.com/go-redis/redis/v8"
)

type EventType string

const (
	EventBusinessProcessed  EventType = "business_processed"
	EventDiscoveryTriggered EventType = "discovery_triggered"
	EventSessionComplete    EventType = "session_complete"
	EventSessionError       EventType = "session_error"
)

// Event is one progress message on a session's channel.
type Event struct {
	SessionID  string    `json:"session_id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	BusinessID string    `json:"business_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Processed  int64     `json:"processed,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Percent    float64   `json:"percent,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Percent computes completion percentage, clamped to [0,100].
func Percent(processed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

// Channel names the Redis pub/sub channel for a session.
func Channel(sessionID string) string { return "session:" + sessionID + ":events" }

// Sink receives pipeline events. The orchestrator publishes through this
// interface so it stays decoupled from whether a broker is present.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisSink broadcasts events over Redis pub/sub.
type RedisSink struct {
	redis *rds.Service
	log   *logger.Logger
}

func NewRedisSink(redis *rds.Service) *RedisSink {
	return &RedisSink{redis: redis, log: logger.New("Progress")}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.redis.Publish(ctx, Channel(ev.SessionID), b); err != nil {
		// Best-effort: a lost event never blocks the pipeline.
		s.log.LogWarnf("publish %s for session %s: %v", ev.Type, ev.SessionID, err)
		return err
	}
	return nil
}

// Subscribe opens a subscription for a session's events. The caller owns the
// returned PubSub and must close it.
func (s *RedisSink) Subscribe(ctx context.Context, sessionID string) *redisv8.PubSub {
	return s.redis.Subscribe(ctx, Channel(sessionID))
}

// NoopSink drops all events. Selected at startup when no broker is
// configured so the orchestrator never special-cases observability.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) error { return nil }
