package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"sitecheck/internal/config"
	"sitecheck/internal/core/business"
	"sitecheck/internal/core/session"
	"sitecheck/internal/logger"
	"sitecheck/internal/platform/tasks"
)

// Searcher is satisfied by WebSearcher and by test fakes.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Store is the slice of business.Store the discovery tier needs.
type Store interface {
	Get(ctx context.Context, id string) (*business.Candidate, error)
	AppendValidation(ctx context.Context, id string, rec business.ValidationRecord, state business.ValidationState) (*business.Candidate, error)
	SetStatus(ctx context.Context, id string, state business.ValidationState) error
	SetURL(ctx context.Context, id, url string, source business.URLSource) error
	RecordDiscoveryAttempt(ctx context.Context, id, source string, att business.DiscoveryAttempt, force bool) error
	AcquireLease(ctx context.Context, id, owner string) (func(), error)
}

// Sessions is the slice of session.Service the discovery tier needs.
type Sessions interface {
	IsCancelled(ctx context.Context, sessionID string) bool
	OnProcessed(ctx context.Context, sessionID, businessID string, state business.ValidationState, outcome session.Outcome) error
}

// Enqueuer is satisfied by tasks.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
}

// Service runs the discovery tier: search, adjudicate, then either hand the
// chosen URL back for one re-validation or settle the business as missing.
type Service struct {
	log         *logger.Logger
	source      string
	maxAttempts int
	store       Store
	searcher    Searcher
	adjudicator Adjudicator
	tasks       Enqueuer
	sessions    Sessions
	taskRetries int
	backoff     time.Duration
}

func New(cfg config.Config, store Store, searcher Searcher, adjudicator Adjudicator, tc Enqueuer, sessions Sessions) *Service {
	return &Service{
		log:         logger.New("DiscoveryService"),
		source:      cfg.DiscoverySource,
		maxAttempts: cfg.TierRetries + 1,
		store:       store,
		searcher:    searcher,
		adjudicator: adjudicator,
		tasks:       tc,
		sessions:    sessions,
		taskRetries: cfg.TaskMaxRetries,
		backoff:     2 * time.Second,
	}
}

// BuildQuery composes the search query from the business record. The name is
// quoted to keep multi-word names intact.
func BuildQuery(cand *business.Candidate) string {
	parts := []string{fmt.Sprintf("%q", cand.Name)}
	if cand.City != "" {
		parts = append(parts, cand.City)
	}
	if cand.State != "" {
		parts = append(parts, cand.State)
	}
	parts = append(parts, "website")
	return strings.Join(parts, " ")
}

type Decision int

const (
	DecideConfirmMissing Decision = iota
	DecideRevalidate
)

// Decide turns an adjudication into a pipeline decision. The loop guard only
// compares against the immediately preceding validation entry: a URL that
// failed further back may have been fixed since, so it stays eligible.
func Decide(adj *Adjudication, last *business.ValidationRecord) (Decision, string) {
	if adj == nil || adj.ChosenURL == nil {
		return DecideConfirmMissing, "no candidate website found in search results"
	}
	if last != nil && last.Verdict != business.VerdictValid &&
		normalizeURL(*adj.ChosenURL) == normalizeURL(last.URLTested) {
		return DecideConfirmMissing, "search returned the URL that just failed validation"
	}
	return DecideRevalidate, adj.Reasoning
}

func normalizeURL(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, "/")
}

// HandleDiscoverTask processes one discovery task. Per-business failures are
// absorbed into terminal states so one bad business never poisons the queue.
func (s *Service) HandleDiscoverTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.DiscoverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		s.log.LogErrorf("Invalid discover payload: %v", err)
		return fmt.Errorf("unmarshal discover payload: %v: %w", err, asynq.SkipRetry)
	}

	if s.sessions.IsCancelled(ctx, payload.SessionID) {
		s.log.LogInfof("Session %s cancelled, dropping discovery for %s", payload.SessionID, payload.BusinessID)
		return nil
	}

	// Lease before reading so the state checked below cannot move under us.
	release, err := s.store.AcquireLease(ctx, payload.BusinessID, "discover:"+payload.SessionID)
	if err != nil {
		if errors.Is(err, business.ErrLeaseHeld) {
			// Another delivery holds the business. Retry later; if the other
			// run finishes first, the terminal check below absorbs this one.
			s.log.LogDebugf("Business %s already in flight, retrying discovery later", payload.BusinessID)
		}
		return err
	}
	defer release()

	cand, err := s.store.Get(ctx, payload.BusinessID)
	if err != nil {
		s.log.LogErrorf("Business %s not found for discovery: %v", payload.BusinessID, err)
		return nil
	}
	if cand.Status.Terminal() {
		return nil
	}

	if cand.Metadata.Attempted(s.source) {
		// Retried task: the attempt is already on record, so this run must not
		// spend another search or change the audit trail.
		if cand.URLSource == business.SourceDiscovery {
			// The earlier run found a URL and enqueued re-validation; that task
			// owns the business now.
			s.log.LogDebugf("Discovery for %s already found a URL, awaiting re-validation", cand.ID)
			return nil
		}
		s.log.LogInfof("Discovery already attempted for %s via %s, confirming missing", cand.ID, s.source)
		return s.finalize(ctx, payload, business.ValidationRecord{
			URLTested:      cand.CandidateURL,
			Verdict:        business.VerdictInvalid,
			Reasoning:      "discovery already attempted for this source",
			Recommendation: business.RecommendConfirmMissing,
			InvalidReason:  business.ReasonNone,
		}, business.StateConfirmedMissing, session.OutcomeValidated)
	}

	if err := s.store.SetStatus(ctx, cand.ID, business.StateDiscoveryInProgress); err != nil {
		return err
	}

	query := BuildQuery(cand)
	adj, err := s.discover(ctx, cand, query)
	if err != nil {
		s.log.LogWarnf("Discovery for %s exhausted retries: %v", cand.ID, err)
		return s.finalize(ctx, payload, business.ValidationRecord{
			URLTested:      cand.CandidateURL,
			Verdict:        business.VerdictUncertain,
			Reasoning:      fmt.Sprintf("discovery failed: %v", err),
			Recommendation: business.RecommendManualReview,
			InvalidReason:  business.ReasonTechnicalError,
		}, business.StateNeedsManualReview, session.OutcomeManualReview)
	}

	decision, reasoning := Decide(adj, cand.Metadata.LastValidation())

	attempt := business.DiscoveryAttempt{
		Attempted: true,
		QueryUsed: query,
		FoundURL:  decision == DecideRevalidate,
	}
	if adj.ChosenURL != nil {
		attempt.URLFound = *adj.ChosenURL
	}
	if err := s.store.RecordDiscoveryAttempt(ctx, cand.ID, s.source, attempt, false); err != nil {
		if !errors.Is(err, business.ErrAttemptRecorded) {
			return err
		}
		// Lost the compare-and-set: another run recorded the attempt between
		// our read and this write. Its record stands; ours is discarded.
		s.log.LogInfof("Discovery already attempted for %s via %s, confirming missing", cand.ID, s.source)
		return s.finalize(ctx, payload, business.ValidationRecord{
			URLTested:      cand.CandidateURL,
			Verdict:        business.VerdictInvalid,
			Reasoning:      "discovery already attempted for this source",
			Recommendation: business.RecommendConfirmMissing,
			InvalidReason:  business.ReasonNone,
		}, business.StateConfirmedMissing, session.OutcomeValidated)
	}

	if decision == DecideConfirmMissing {
		urlTested := cand.CandidateURL
		if adj.ChosenURL != nil {
			urlTested = *adj.ChosenURL
		}
		return s.finalize(ctx, payload, business.ValidationRecord{
			URLTested:      urlTested,
			Verdict:        business.VerdictInvalid,
			Confidence:     adj.Confidence,
			Reasoning:      reasoning,
			Recommendation: business.RecommendConfirmMissing,
			InvalidReason:  business.ReasonNone,
		}, business.StateConfirmedMissing, session.OutcomeValidated)
	}

	if err := s.store.SetURL(ctx, cand.ID, *adj.ChosenURL, business.SourceDiscovery); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, cand.ID, business.StatePending); err != nil {
		return err
	}
	task, err := tasks.NewValidateTask(tasks.ValidatePayload{
		SessionID:     payload.SessionID,
		BusinessID:    cand.ID,
		FromDiscovery: true,
	})
	if err != nil {
		return err
	}
	if err := s.tasks.Enqueue(task, tasks.QueueValidate, s.taskRetries); err != nil {
		return fmt.Errorf("enqueue re-validation for %s: %w", cand.ID, err)
	}
	s.log.LogInfof("Discovery found %s for business %s, re-validating", *adj.ChosenURL, cand.ID)
	return nil
}

// discover runs search plus adjudication with bounded retries for transient
// external failures.
func (s *Service) discover(ctx context.Context, cand *business.Candidate, query string) (*Adjudication, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}
		results, err := s.searcher.Search(ctx, query)
		if err != nil {
			lastErr = err
			continue
		}
		adj, err := s.adjudicator.Adjudicate(ctx, cand, results)
		if err != nil {
			lastErr = err
			continue
		}
		return adj, nil
	}
	return nil, lastErr
}

func (s *Service) finalize(ctx context.Context, payload tasks.DiscoverPayload, rec business.ValidationRecord, state business.ValidationState, outcome session.Outcome) error {
	if _, err := s.store.AppendValidation(ctx, payload.BusinessID, rec, state); err != nil {
		return err
	}
	return s.sessions.OnProcessed(ctx, payload.SessionID, payload.BusinessID, state, outcome)
}
