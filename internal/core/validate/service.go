package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"sitecheck/internal/config"
	"sitecheck/internal/core/business"
	"sitecheck/internal/core/prescreen"
	"sitecheck/internal/core/render"
	"sitecheck/internal/core/session"
	"sitecheck/internal/logger"
	"sitecheck/internal/platform/tasks"
)

// Renderer is satisfied by render.Service and by test fakes.
type Renderer interface {
	Validate(ctx context.Context, cand *business.Candidate) (*render.Result, error)
}

// Store is the slice of business.Store the validation tier needs.
type Store interface {
	Get(ctx context.Context, id string) (*business.Candidate, error)
	AppendValidation(ctx context.Context, id string, rec business.ValidationRecord, state business.ValidationState) (*business.Candidate, error)
	SetStatus(ctx context.Context, id string, state business.ValidationState) error
	MarkAttemptValid(ctx context.Context, id, source string, valid bool) error
	AcquireLease(ctx context.Context, id, owner string) (func(), error)
}

// Sessions is the slice of session.Service the validation tier needs.
type Sessions interface {
	IsCancelled(ctx context.Context, sessionID string) bool
	OnProcessed(ctx context.Context, sessionID, businessID string, state business.ValidationState, outcome session.Outcome) error
	OnDiscoveryTriggered(ctx context.Context, sessionID, businessID string)
}

// Enqueuer is satisfied by tasks.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
}

// Service is the validation orchestrator. It advances one business per task
// through prescreen and browser render, and escalates to discovery when the
// cheap tiers cannot settle the question.
type Service struct {
	log         *logger.Logger
	prescreen   *prescreen.Checker
	renderer    Renderer
	store       Store
	tasks       Enqueuer
	sessions    Sessions
	source      string
	maxAttempts int
	taskRetries int
	backoff     time.Duration
}

func New(cfg config.Config, checker *prescreen.Checker, renderer Renderer, store Store, tc Enqueuer, sessions Sessions) *Service {
	return &Service{
		log:         logger.New("ValidateService"),
		prescreen:   checker,
		renderer:    renderer,
		store:       store,
		tasks:       tc,
		sessions:    sessions,
		source:      cfg.DiscoverySource,
		maxAttempts: cfg.TierRetries + 1,
		taskRetries: cfg.TaskMaxRetries,
		backoff:     time.Second,
	}
}

// HandleValidateTask processes one validation task. Per-business failures
// resolve into terminal states; a non-nil return is reserved for
// infrastructure errors asynq should retry.
func (s *Service) HandleValidateTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ValidatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		s.log.LogErrorf("Invalid validate payload: %v", err)
		return fmt.Errorf("unmarshal validate payload: %v: %w", err, asynq.SkipRetry)
	}

	if s.sessions.IsCancelled(ctx, payload.SessionID) {
		s.log.LogInfof("Session %s cancelled, dropping validation for %s", payload.SessionID, payload.BusinessID)
		return nil
	}

	// Lease before reading: every audit write, including the terminal
	// keep_url append, must happen under the per-business lock.
	release, err := s.store.AcquireLease(ctx, payload.BusinessID, "validate:"+payload.SessionID)
	if err != nil {
		if errors.Is(err, business.ErrLeaseHeld) {
			// Another delivery holds the business. Retry later; once the
			// holder finishes, this delivery sees the settled state.
			s.log.LogDebugf("Business %s already in flight, retrying validation later", payload.BusinessID)
		}
		return err
	}
	defer release()

	cand, err := s.store.Get(ctx, payload.BusinessID)
	if err != nil {
		s.log.LogErrorf("Business %s not found for validation: %v", payload.BusinessID, err)
		return nil
	}

	if cand.Status.Terminal() {
		return s.handleTerminal(ctx, cand)
	}

	if !payload.FromDiscovery && escalated(cand.Status) {
		// A previous delivery already handed this business to discovery; the
		// discover task owns it now. Only the status hop may still be owed.
		if cand.Status != business.StateDiscoveryQueued && cand.Status != business.StateDiscoveryInProgress {
			return s.store.SetStatus(ctx, cand.ID, business.StateDiscoveryQueued)
		}
		return nil
	}

	if cand.CandidateURL == "" {
		return s.escalate(ctx, payload, cand, business.StateNeedsDiscovery, business.ValidationRecord{
			URLTested:      "",
			Verdict:        business.VerdictUncertain,
			Reasoning:      "no candidate URL on record",
			Recommendation: business.RecommendTriggerDiscovery,
			InvalidReason:  business.ReasonNone,
		})
	}

	if outcome, reason := s.prescreen.Check(cand.CandidateURL); outcome != prescreen.OutcomePass {
		rec := business.ValidationRecord{
			URLTested:     cand.CandidateURL,
			Verdict:       business.VerdictInvalid,
			Confidence:    0.95,
			Reasoning:     prescreenReasoning(outcome, reason),
			InvalidReason: reason,
		}
		if payload.FromDiscovery {
			rec.Recommendation = business.RecommendConfirmMissing
			return s.settleDiscovered(ctx, payload, rec, false)
		}
		rec.Recommendation = business.RecommendTriggerDiscovery
		return s.escalate(ctx, payload, cand, business.StatePrescreenRejected, rec)
	}

	if err := s.store.SetStatus(ctx, cand.ID, business.StatePrescreenPassed); err != nil {
		return err
	}

	res, err := s.renderWithRetries(ctx, cand)
	if err != nil {
		s.log.LogWarnf("Render for %s exhausted retries: %v", cand.ID, err)
		rec := business.ValidationRecord{
			URLTested:     cand.CandidateURL,
			Verdict:       business.VerdictUncertain,
			Reasoning:     fmt.Sprintf("render failed: %v", err),
			InvalidReason: business.ReasonTechnicalError,
		}
		if payload.FromDiscovery {
			rec.Recommendation = business.RecommendConfirmMissing
			return s.settleDiscovered(ctx, payload, rec, false)
		}
		rec.Recommendation = business.RecommendManualReview
		return s.finalize(ctx, payload, rec, business.StateNeedsManualReview, session.OutcomeManualReview)
	}

	rec := business.ValidationRecord{
		URLTested:      res.URL,
		Verdict:        res.Verdict.State,
		Confidence:     res.Verdict.Confidence,
		Reasoning:      res.Reasoning,
		Recommendation: res.Verdict.Recommendation,
		InvalidReason:  res.Verdict.InvalidReason,
		ScreenshotURL:  res.ScreenshotURL,
	}

	if res.Verdict.State == business.VerdictValid {
		if payload.FromDiscovery {
			return s.settleDiscovered(ctx, payload, rec, true)
		}
		return s.finalize(ctx, payload, rec, business.StateValidConfirmed, session.OutcomeValidated)
	}

	// Invalid or uncertain render verdict.
	if payload.FromDiscovery {
		rec.Recommendation = business.RecommendConfirmMissing
		return s.settleDiscovered(ctx, payload, rec, false)
	}
	if cand.Metadata.Attempted(s.source) {
		// Discovery already ran for this business; re-running it would be a
		// no-op, so the negative verdict settles the question.
		rec.Recommendation = business.RecommendConfirmMissing
		return s.finalize(ctx, payload, rec, business.StateConfirmedMissing, session.OutcomeValidated)
	}
	renderState := business.StateRenderInvalid
	if res.Verdict.State == business.VerdictUncertain {
		renderState = business.StateRenderUncertain
	}
	return s.escalate(ctx, payload, cand, renderState, rec)
}

// handleTerminal covers re-delivered tasks for settled businesses. A business
// already confirmed valid gets a fresh keep_url audit entry when its URL is
// unchanged; everything else is a no-op.
func (s *Service) handleTerminal(ctx context.Context, cand *business.Candidate) error {
	if cand.Status != business.StateValidConfirmed {
		return nil
	}
	last := cand.Metadata.LastValidation()
	if last == nil || last.URLTested != cand.CandidateURL {
		return nil
	}
	_, err := s.store.AppendValidation(ctx, cand.ID, business.ValidationRecord{
		URLTested:      cand.CandidateURL,
		Verdict:        business.VerdictValid,
		Confidence:     last.Confidence,
		Reasoning:      "URL unchanged since confirmation",
		Recommendation: business.RecommendKeepURL,
		InvalidReason:  business.ReasonNone,
	}, business.StateValidConfirmed)
	return err
}

func (s *Service) renderWithRetries(ctx context.Context, cand *business.Candidate) (*render.Result, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * s.backoff):
			}
		}
		res, err := s.renderer.Validate(ctx, cand)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		s.log.LogDebugf("Transient render failure for %s (attempt %d/%d): %v", cand.ID, attempt+1, s.maxAttempts, err)
	}
	return nil, lastErr
}

// escalated reports whether a business has already been handed to the
// discovery tier by an earlier delivery of the same task.
func escalated(st business.ValidationState) bool {
	switch st {
	case business.StatePrescreenRejected, business.StateRenderInvalid,
		business.StateRenderUncertain, business.StateNeedsDiscovery,
		business.StateDiscoveryQueued, business.StateDiscoveryInProgress:
		return true
	}
	return false
}

// escalate hands the business to the discovery queue and appends the
// failed-tier record. The enqueue happens first so a storage failure on the
// append retries without a second audit entry: on redelivery the escalated
// guard short-circuits, and the discovery handler absorbs duplicate tasks.
func (s *Service) escalate(ctx context.Context, payload tasks.ValidatePayload, cand *business.Candidate, state business.ValidationState, rec business.ValidationRecord) error {
	task, err := tasks.NewDiscoverTask(tasks.DiscoverPayload{
		SessionID:  payload.SessionID,
		BusinessID: cand.ID,
	})
	if err != nil {
		return err
	}
	if err := s.tasks.Enqueue(task, tasks.QueueDiscover, s.taskRetries); err != nil {
		return fmt.Errorf("enqueue discovery for %s: %w", cand.ID, err)
	}
	if _, err := s.store.AppendValidation(ctx, cand.ID, rec, state); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, cand.ID, business.StateDiscoveryQueued); err != nil {
		return err
	}
	s.sessions.OnDiscoveryTriggered(ctx, payload.SessionID, cand.ID)
	s.log.LogInfof("Business %s escalated to discovery", cand.ID)
	return nil
}

// settleDiscovered closes out the single bounded re-validation after a
// discovery hit. A valid render confirms the discovered URL; anything else
// confirms the business has no working website.
func (s *Service) settleDiscovered(ctx context.Context, payload tasks.ValidatePayload, rec business.ValidationRecord, valid bool) error {
	if err := s.store.MarkAttemptValid(ctx, payload.BusinessID, s.source, valid); err != nil {
		return err
	}
	if valid {
		return s.finalize(ctx, payload, rec, business.StateValidConfirmed, session.OutcomeDiscovered)
	}
	return s.finalize(ctx, payload, rec, business.StateConfirmedMissing, session.OutcomeValidated)
}

func (s *Service) finalize(ctx context.Context, payload tasks.ValidatePayload, rec business.ValidationRecord, state business.ValidationState, outcome session.Outcome) error {
	if _, err := s.store.AppendValidation(ctx, payload.BusinessID, rec, state); err != nil {
		return err
	}
	return s.sessions.OnProcessed(ctx, payload.SessionID, payload.BusinessID, state, outcome)
}

func prescreenReasoning(outcome prescreen.Outcome, reason business.InvalidReason) string {
	switch {
	case outcome == prescreen.OutcomeRejectFormat:
		return "URL is malformed or not an http(s) address"
	case reason == business.ReasonSocialProfile:
		return "URL points to a social media profile, not a business website"
	default:
		return "URL points to a directory or aggregator listing"
	}
}
