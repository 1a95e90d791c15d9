package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"sitecheck/internal/core/business"
	"sitecheck/internal/core/progress"
	"sitecheck/internal/logger"
	rds "sitecheck/internal/platform/redis"
	"sitecheck/internal/platform/tasks"
)

const (
	fieldProcessed    = "processed"
	fieldValidated    = "validated"
	fieldDiscovered   = "discovered"
	fieldManualReview = "manual_review"
)

type Service struct {
	log        *logger.Logger
	redis      *rds.Service
	businesses *business.Store
	tasks      *tasks.Client
	sink       progress.Sink
	maxRetries int
}

func New(redis *rds.Service, businesses *business.Store, tc *tasks.Client, sink progress.Sink, maxRetries int) *Service {
	return &Service{
		log:        logger.New("SessionService"),
		redis:      redis,
		businesses: businesses,
		tasks:      tc,
		sink:       sink,
		maxRetries: maxRetries,
	}
}

func sessionKey(id string) string  { return "session:" + id }
func countersKey(id string) string { return "session:" + id + ":counters" }
func cancelKey(id string) string   { return "session:" + id + ":cancelled" }

// Create registers a session for the given business IDs and enqueues one
// validation task per business. IDs that don't resolve to a stored business
// are skipped and reported back.
func (s *Service) Create(ctx context.Context, zoneLabel string, businessIDs []string) (*Session, []string, error) {
	var skipped []string
	var accepted []string
	for _, id := range businessIDs {
		if _, err := s.businesses.Get(ctx, id); err != nil {
			skipped = append(skipped, id)
			continue
		}
		accepted = append(accepted, id)
	}
	if len(accepted) == 0 {
		return nil, skipped, fmt.Errorf("no known businesses in request")
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		ZoneLabel: zoneLabel,
		Status:    StatusQueued,
		Total:     int64(len(accepted)),
		StartedAt: &now,
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, skipped, err
	}

	for _, id := range accepted {
		task, err := tasks.NewValidateTask(tasks.ValidatePayload{SessionID: sess.ID, BusinessID: id})
		if err == nil {
			err = s.tasks.Enqueue(task, tasks.QueueValidate, s.maxRetries)
		}
		if err != nil {
			s.log.LogErrorf("Failed to enqueue validation for %s: %v", id, err)
			s.Fail(ctx, sess.ID, fmt.Errorf("enqueue validation: %w", err))
			return nil, skipped, err
		}
	}
	sess.Status = StatusRunning
	if err := s.save(ctx, sess); err != nil {
		return nil, skipped, err
	}
	s.log.LogInfof("Session %s started: %d businesses (%d skipped)", sess.ID, len(accepted), len(skipped))
	return sess, skipped, nil
}

// Get returns the session document with live counters merged in.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := s.redis.GetFields(ctx, countersKey(id))
	if err != nil {
		return nil, err
	}
	sess.Processed = parseCounter(fields[fieldProcessed])
	sess.Validated = parseCounter(fields[fieldValidated])
	sess.Discovered = parseCounter(fields[fieldDiscovered])
	sess.ManualReview = parseCounter(fields[fieldManualReview])
	return sess, nil
}

// Cancel marks the session cancelled. In-flight tasks observe the flag and
// drop their work; businesses already terminal keep their verdicts.
func (s *Service) Cancel(ctx context.Context, id string) error {
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s already %s", id, sess.Status)
	}
	if err := s.redis.SetJSON(ctx, cancelKey(id), true, 24*time.Hour); err != nil {
		return err
	}
	now := time.Now().UTC()
	sess.Status = StatusCancelled
	sess.CompletedAt = &now
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	s.publish(ctx, progress.Event{
		SessionID: id,
		Type:      progress.EventSessionError,
		Message:   "session cancelled",
	})
	s.log.LogInfof("Session %s cancelled", id)
	return nil
}

// IsCancelled is checked by task handlers before doing work.
func (s *Service) IsCancelled(ctx context.Context, id string) bool {
	ok, err := s.redis.Exists(ctx, cancelKey(id))
	if err != nil {
		return false
	}
	return ok
}

// counterField maps a terminal outcome to the session counter it bumps. Every
// outcome lands in exactly one of the three, so the per-outcome counters sum
// to processed.
func counterField(outcome Outcome) string {
	switch outcome {
	case OutcomeDiscovered:
		return fieldDiscovered
	case OutcomeManualReview:
		return fieldManualReview
	default:
		return fieldValidated
	}
}

// OnProcessed records one business reaching a terminal state. The processed
// counter is bumped atomically; the task that lands on processed == total
// finalizes the session.
func (s *Service) OnProcessed(ctx context.Context, sessionID, businessID string, state business.ValidationState, outcome Outcome) error {
	if _, err := s.redis.IncrField(ctx, countersKey(sessionID), counterField(outcome), 1); err != nil {
		return err
	}
	processed, err := s.redis.IncrField(ctx, countersKey(sessionID), fieldProcessed, 1)
	if err != nil {
		return err
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	s.publish(ctx, progress.Event{
		SessionID:  sessionID,
		Type:       progress.EventBusinessProcessed,
		BusinessID: businessID,
		State:      string(state),
		Processed:  processed,
		Total:      sess.Total,
		Percent:    progress.Percent(processed, sess.Total),
	})

	if processed >= sess.Total && !sess.Status.Terminal() {
		now := time.Now().UTC()
		sess.Status = StatusCompleted
		sess.CompletedAt = &now
		if err := s.save(ctx, sess); err != nil {
			return err
		}
		s.publish(ctx, progress.Event{
			SessionID: sessionID,
			Type:      progress.EventSessionComplete,
			Processed: processed,
			Total:     sess.Total,
			Percent:   100,
		})
		s.log.LogInfof("Session %s completed: %d businesses", sessionID, processed)
	}
	return nil
}

// OnDiscoveryTriggered emits a progress event when a business escalates to
// the discovery tier. The business is not processed yet, so counters are
// untouched.
func (s *Service) OnDiscoveryTriggered(ctx context.Context, sessionID, businessID string) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return
	}
	fields, _ := s.redis.GetFields(ctx, countersKey(sessionID))
	processed := parseCounter(fields[fieldProcessed])
	s.publish(ctx, progress.Event{
		SessionID:  sessionID,
		Type:       progress.EventDiscoveryTriggered,
		BusinessID: businessID,
		State:      string(business.StateDiscoveryQueued),
		Processed:  processed,
		Total:      sess.Total,
		Percent:    progress.Percent(processed, sess.Total),
	})
}

// Fail marks the session failed with a systemic error. Per-business failures
// never land here; they resolve to manual review instead.
func (s *Service) Fail(ctx context.Context, id string, cause error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return
	}
	if sess.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	sess.Status = StatusFailed
	sess.CompletedAt = &now
	sess.ErrorMessage = cause.Error()
	if err := s.save(ctx, sess); err != nil {
		s.log.LogErrorf("Failed to persist failure for session %s: %v", id, err)
		return
	}
	s.publish(ctx, progress.Event{
		SessionID: id,
		Type:      progress.EventSessionError,
		Message:   cause.Error(),
	})
	s.log.LogErrorf("Session %s failed: %v", id, cause)
}

// Subscribe opens the session's progress channel for streaming.
func (s *Service) Subscribe(ctx context.Context, id string) *redisv8.PubSub {
	return s.redis.Subscribe(ctx, progress.Channel(id))
}

func (s *Service) publish(ctx context.Context, ev progress.Event) {
	ev.Timestamp = time.Now().UTC()
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.log.LogWarnf("Progress publish failed for session %s: %v", ev.SessionID, err)
	}
}

func (s *Service) load(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.redis.GetJSON(ctx, sessionKey(id), &sess); err != nil {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return &sess, nil
}

func (s *Service) save(ctx context.Context, sess *Session) error {
	return s.redis.SetJSON(ctx, sessionKey(sess.ID), sess, 0)
}

func parseCounter(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
