package validate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecheck/internal/core/business"
	"sitecheck/internal/core/prescreen"
	"sitecheck/internal/core/render"
	"sitecheck/internal/core/session"
	"sitecheck/internal/logger"
	"sitecheck/internal/platform/tasks"
)

type fakeRenderer struct {
	errs  []error
	res   *render.Result
	calls int
}

func (f *fakeRenderer) Validate(ctx context.Context, cand *business.Candidate) (*render.Result, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.res, nil
}

func newRetryService(r Renderer) *Service {
	return &Service{
		log:         logger.New("ValidateServiceTest"),
		renderer:    r,
		maxAttempts: 3,
		backoff:     time.Millisecond,
	}
}

func TestRenderWithRetries(t *testing.T) {
	ok := &render.Result{URL: "https://joesplumbing.com"}

	t.Run("transient failures are retried", func(t *testing.T) {
		f := &fakeRenderer{
			errs: []error{errors.New("navigation timeout"), errors.New("net::ERR_CONNECTION_CLOSED"), nil},
			res:  ok,
		}
		res, err := newRetryService(f).renderWithRetries(context.Background(), &business.Candidate{ID: "b-1"})
		require.NoError(t, err)
		assert.Equal(t, ok, res)
		assert.Equal(t, 3, f.calls)
	})

	t.Run("exhausted retries return last error", func(t *testing.T) {
		f := &fakeRenderer{
			errs: []error{errors.New("timeout 1"), errors.New("timeout 2"), errors.New("timeout 3")},
		}
		_, err := newRetryService(f).renderWithRetries(context.Background(), &business.Candidate{ID: "b-2"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout 3")
		assert.Equal(t, 3, f.calls)
	})

	t.Run("non-transient failure stops immediately", func(t *testing.T) {
		f := &fakeRenderer{errs: []error{errors.New("browser executable not found")}}
		_, err := newRetryService(f).renderWithRetries(context.Background(), &business.Candidate{ID: "b-3"})
		require.Error(t, err)
		assert.Equal(t, 1, f.calls)
	})

	t.Run("cancelled context stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f := &fakeRenderer{errs: []error{errors.New("timeout")}}
		_, err := newRetryService(f).renderWithRetries(ctx, &business.Candidate{ID: "b-4"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// fakeStore mirrors business.Store semantics in memory: append-only history,
// single attempt per source, exclusive lease per business.
type fakeStore struct {
	mu     sync.Mutex
	cands  map[string]*business.Candidate
	leases map[string]string
}

func newFakeStore(cands ...*business.Candidate) *fakeStore {
	f := &fakeStore{cands: map[string]*business.Candidate{}, leases: map[string]string{}}
	for _, c := range cands {
		f.cands[c.ID] = c
	}
	return f
}

func (f *fakeStore) Get(ctx context.Context, id string) (*business.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cands[id]
	if !ok {
		return nil, business.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) AppendValidation(ctx context.Context, id string, rec business.ValidationRecord, state business.ValidationState) (*business.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cands[id]
	if !ok {
		return nil, business.ErrNotFound
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	c.Metadata.Append(rec)
	c.Status = state
	cp := *c
	return &cp, nil
}

func (f *fakeStore) SetStatus(ctx context.Context, id string, state business.ValidationState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cands[id]
	if !ok {
		return business.ErrNotFound
	}
	c.Status = state
	return nil
}

func (f *fakeStore) MarkAttemptValid(ctx context.Context, id, source string, valid bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cands[id]
	if !ok {
		return business.ErrNotFound
	}
	att, ok := c.Metadata.DiscoveryAttempts[source]
	if !ok {
		return nil
	}
	att.Valid = valid
	c.Metadata.RecordAttempt(source, att, true)
	return nil
}

func (f *fakeStore) AcquireLease(ctx context.Context, id, owner string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.leases[id]; held {
		return nil, business.ErrLeaseHeld
	}
	f.leases[id] = owner
	return func() {
		f.mu.Lock()
		delete(f.leases, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeStore) candidate(t *testing.T, id string) *business.Candidate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cands[id]
	require.True(t, ok, "candidate %s not stored", id)
	return c
}

type processedCall struct {
	sessionID  string
	businessID string
	state      business.ValidationState
	outcome    session.Outcome
}

type fakeSessions struct {
	mu        sync.Mutex
	cancelled map[string]bool
	processed []processedCall
	triggered []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{cancelled: map[string]bool{}}
}

func (f *fakeSessions) IsCancelled(ctx context.Context, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[sessionID]
}

func (f *fakeSessions) OnProcessed(ctx context.Context, sessionID, businessID string, state business.ValidationState, outcome session.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, processedCall{sessionID, businessID, state, outcome})
	return nil
}

func (f *fakeSessions) OnDiscoveryTriggered(ctx context.Context, sessionID, businessID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, businessID)
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	tasks  []*asynq.Task
	queues []string
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	f.queues = append(f.queues, queue)
	return nil
}

func newHandlerService(store Store, enq Enqueuer, sess Sessions, r Renderer) *Service {
	return &Service{
		log:         logger.New("ValidateServiceTest"),
		prescreen:   prescreen.New(),
		renderer:    r,
		store:       store,
		tasks:       enq,
		sessions:    sess,
		source:      "web_search",
		maxAttempts: 2,
		taskRetries: 3,
		backoff:     time.Millisecond,
	}
}

func validateTask(t *testing.T, sessionID, businessID string, fromDiscovery bool) *asynq.Task {
	t.Helper()
	task, err := tasks.NewValidateTask(tasks.ValidatePayload{
		SessionID:     sessionID,
		BusinessID:    businessID,
		FromDiscovery: fromDiscovery,
	})
	require.NoError(t, err)
	return task
}

func validRender(url string) *render.Result {
	return &render.Result{
		URL: url,
		Verdict: business.Verdict{
			State:          business.VerdictValid,
			Confidence:     0.9,
			InvalidReason:  business.ReasonNone,
			Recommendation: business.RecommendKeepURL,
		},
		Reasoning: "quality score 90",
	}
}

func invalidRender(url string) *render.Result {
	return &render.Result{
		URL: url,
		Verdict: business.Verdict{
			State:          business.VerdictInvalid,
			Confidence:     0.75,
			InvalidReason:  business.ReasonContentMismatch,
			Recommendation: business.RecommendTriggerDiscovery,
		},
		Reasoning: "placeholder or parked page",
	}
}

func TestHandleValidateTask(t *testing.T) {
	ctx := context.Background()

	t.Run("valid primary url is confirmed", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-1",
			Name:         "Joe's Plumbing",
			CandidateURL: "https://joesplumbing.com",
			URLSource:    business.SourcePrimary,
			Status:       business.StatePending,
		})
		sess := newFakeSessions()
		enq := &fakeEnqueuer{}
		svc := newHandlerService(fs, enq, sess, &fakeRenderer{res: validRender("https://joesplumbing.com")})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-1", false)))

		c := fs.candidate(t, "b-1")
		assert.Equal(t, business.StateValidConfirmed, c.Status)
		require.Len(t, c.Metadata.ValidationHistory, 1)
		assert.Equal(t, business.RecommendKeepURL, c.Metadata.ValidationHistory[0].Recommendation)
		require.Len(t, sess.processed, 1)
		assert.Equal(t, session.OutcomeValidated, sess.processed[0].outcome)
		assert.Empty(t, enq.tasks)
		assert.Empty(t, fs.leases, "lease must be released")
	})

	t.Run("prescreen reject escalates to discovery", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-2",
			Name:         "Joe's Plumbing",
			CandidateURL: "https://yelp.com/biz/joes",
			Status:       business.StatePending,
		})
		sess := newFakeSessions()
		enq := &fakeEnqueuer{}
		svc := newHandlerService(fs, enq, sess, &fakeRenderer{})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-2", false)))

		c := fs.candidate(t, "b-2")
		assert.Equal(t, business.StateDiscoveryQueued, c.Status)
		require.Len(t, c.Metadata.ValidationHistory, 1)
		rec := c.Metadata.ValidationHistory[0]
		assert.Equal(t, business.VerdictInvalid, rec.Verdict)
		assert.Equal(t, business.ReasonDirectory, rec.InvalidReason)
		assert.Equal(t, business.RecommendTriggerDiscovery, rec.Recommendation)

		require.Len(t, enq.tasks, 1)
		assert.Equal(t, tasks.QueueDiscover, enq.queues[0])
		var dp tasks.DiscoverPayload
		require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &dp))
		assert.Equal(t, "b-2", dp.BusinessID)
		assert.Equal(t, []string{"b-2"}, sess.triggered)
		assert.Empty(t, sess.processed, "escalation is not a terminal outcome")
	})

	t.Run("escalation redelivery appends nothing", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-3",
			CandidateURL: "https://yelp.com/biz/joes",
			Status:       business.StatePending,
		})
		sess := newFakeSessions()
		enq := &fakeEnqueuer{}
		svc := newHandlerService(fs, enq, sess, &fakeRenderer{})
		task := validateTask(t, "s-1", "b-3", false)

		require.NoError(t, svc.HandleValidateTask(ctx, task))
		require.NoError(t, svc.HandleValidateTask(ctx, task))

		c := fs.candidate(t, "b-3")
		assert.Len(t, c.Metadata.ValidationHistory, 1, "redelivery must not duplicate the audit entry")
		assert.Len(t, enq.tasks, 1, "redelivery must not enqueue a second discover task")
		assert.Len(t, sess.triggered, 1)
	})

	t.Run("invalid render escalates once discovery is untried", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-4",
			CandidateURL: "https://joesplumbing.com",
			Status:       business.StatePending,
		})
		sess := newFakeSessions()
		enq := &fakeEnqueuer{}
		svc := newHandlerService(fs, enq, sess, &fakeRenderer{res: invalidRender("https://joesplumbing.com")})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-4", false)))

		c := fs.candidate(t, "b-4")
		assert.Equal(t, business.StateDiscoveryQueued, c.Status)
		require.Len(t, enq.tasks, 1)
		assert.Equal(t, tasks.QueueDiscover, enq.queues[0])
	})

	t.Run("valid discovered url counts as discovered", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-5",
			CandidateURL: "https://joesplumbing.com",
			URLSource:    business.SourceDiscovery,
			Status:       business.StatePending,
			Metadata: business.Metadata{DiscoveryAttempts: map[string]business.DiscoveryAttempt{
				"web_search": {Attempted: true, FoundURL: true, URLFound: "https://joesplumbing.com"},
			}},
		})
		sess := newFakeSessions()
		svc := newHandlerService(fs, &fakeEnqueuer{}, sess, &fakeRenderer{res: validRender("https://joesplumbing.com")})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-5", true)))

		c := fs.candidate(t, "b-5")
		assert.Equal(t, business.StateValidConfirmed, c.Status)
		assert.True(t, c.Metadata.DiscoveryAttempts["web_search"].Valid)
		require.Len(t, sess.processed, 1)
		assert.Equal(t, session.OutcomeDiscovered, sess.processed[0].outcome)
	})

	t.Run("failed discovered url confirms missing", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-6",
			CandidateURL: "https://wrongbusiness.com",
			URLSource:    business.SourceDiscovery,
			Status:       business.StatePending,
			Metadata: business.Metadata{DiscoveryAttempts: map[string]business.DiscoveryAttempt{
				"web_search": {Attempted: true, FoundURL: true, URLFound: "https://wrongbusiness.com"},
			}},
		})
		sess := newFakeSessions()
		svc := newHandlerService(fs, &fakeEnqueuer{}, sess, &fakeRenderer{res: invalidRender("https://wrongbusiness.com")})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-6", true)))

		c := fs.candidate(t, "b-6")
		assert.Equal(t, business.StateConfirmedMissing, c.Status)
		assert.False(t, c.Metadata.DiscoveryAttempts["web_search"].Valid)
		require.Len(t, sess.processed, 1)
		assert.Equal(t, session.OutcomeValidated, sess.processed[0].outcome)
	})

	t.Run("invalid render after attempted discovery confirms missing", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-7",
			CandidateURL: "https://joesplumbing.com",
			Status:       business.StatePending,
			Metadata: business.Metadata{DiscoveryAttempts: map[string]business.DiscoveryAttempt{
				"web_search": {Attempted: true},
			}},
		})
		sess := newFakeSessions()
		enq := &fakeEnqueuer{}
		svc := newHandlerService(fs, enq, sess, &fakeRenderer{res: invalidRender("https://joesplumbing.com")})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-7", false)))

		c := fs.candidate(t, "b-7")
		assert.Equal(t, business.StateConfirmedMissing, c.Status)
		assert.Empty(t, enq.tasks, "no second discovery round")
		require.Len(t, sess.processed, 1)
		assert.Equal(t, session.OutcomeValidated, sess.processed[0].outcome)
	})

	t.Run("render exhausted goes to manual review", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-8",
			CandidateURL: "https://joesplumbing.com",
			Status:       business.StatePending,
		})
		sess := newFakeSessions()
		r := &fakeRenderer{errs: []error{errors.New("navigation timeout"), errors.New("navigation timeout")}}
		svc := newHandlerService(fs, &fakeEnqueuer{}, sess, r)

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-8", false)))

		c := fs.candidate(t, "b-8")
		assert.Equal(t, business.StateNeedsManualReview, c.Status)
		require.Len(t, sess.processed, 1)
		assert.Equal(t, session.OutcomeManualReview, sess.processed[0].outcome)
	})

	t.Run("held lease defers the task", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-9",
			CandidateURL: "https://joesplumbing.com",
			Status:       business.StatePending,
		})
		release, err := fs.AcquireLease(ctx, "b-9", "other-worker")
		require.NoError(t, err)
		defer release()

		sess := newFakeSessions()
		r := &fakeRenderer{res: validRender("https://joesplumbing.com")}
		svc := newHandlerService(fs, &fakeEnqueuer{}, sess, r)

		err = svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-9", false))
		assert.ErrorIs(t, err, business.ErrLeaseHeld)
		assert.Zero(t, r.calls, "no work while another delivery holds the business")
		assert.Empty(t, fs.candidate(t, "b-9").Metadata.ValidationHistory)
		assert.Empty(t, sess.processed)
	})

	t.Run("terminal keep_url append waits for the lease", func(t *testing.T) {
		confirmed := &business.Candidate{
			ID:           "b-10",
			CandidateURL: "https://joesplumbing.com",
			Status:       business.StateValidConfirmed,
		}
		confirmed.Metadata.Append(business.ValidationRecord{
			URLTested:      "https://joesplumbing.com",
			Verdict:        business.VerdictValid,
			Confidence:     0.9,
			Recommendation: business.RecommendKeepURL,
		})
		fs := newFakeStore(confirmed)
		sess := newFakeSessions()
		svc := newHandlerService(fs, &fakeEnqueuer{}, sess, &fakeRenderer{})
		task := validateTask(t, "s-1", "b-10", false)

		release, err := fs.AcquireLease(ctx, "b-10", "other-worker")
		require.NoError(t, err)
		assert.ErrorIs(t, svc.HandleValidateTask(ctx, task), business.ErrLeaseHeld)
		assert.Len(t, fs.candidate(t, "b-10").Metadata.ValidationHistory, 1, "no append without the lease")
		release()

		require.NoError(t, svc.HandleValidateTask(ctx, task))
		c := fs.candidate(t, "b-10")
		require.Len(t, c.Metadata.ValidationHistory, 2)
		last := c.Metadata.ValidationHistory[1]
		assert.Equal(t, business.RecommendKeepURL, last.Recommendation)
		assert.Contains(t, last.Reasoning, "unchanged")
		assert.Empty(t, sess.processed, "a settled business is not re-counted")
	})

	t.Run("other terminal states are no-ops", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:     "b-11",
			Status: business.StateConfirmedMissing,
		})
		sess := newFakeSessions()
		svc := newHandlerService(fs, &fakeEnqueuer{}, sess, &fakeRenderer{})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-11", false)))
		assert.Empty(t, fs.candidate(t, "b-11").Metadata.ValidationHistory)
		assert.Empty(t, sess.processed)
	})

	t.Run("cancelled session drops the task", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:           "b-12",
			CandidateURL: "https://joesplumbing.com",
			Status:       business.StatePending,
		})
		sess := newFakeSessions()
		sess.cancelled["s-gone"] = true
		r := &fakeRenderer{res: validRender("https://joesplumbing.com")}
		svc := newHandlerService(fs, &fakeEnqueuer{}, sess, r)

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-gone", "b-12", false)))
		assert.Zero(t, r.calls)
		assert.Equal(t, business.StatePending, fs.candidate(t, "b-12").Status)
	})

	t.Run("missing candidate url escalates", func(t *testing.T) {
		fs := newFakeStore(&business.Candidate{
			ID:     "b-13",
			Name:   "Acme HVAC",
			Status: business.StatePending,
		})
		sess := newFakeSessions()
		enq := &fakeEnqueuer{}
		svc := newHandlerService(fs, enq, sess, &fakeRenderer{})

		require.NoError(t, svc.HandleValidateTask(ctx, validateTask(t, "s-1", "b-13", false)))
		assert.Equal(t, business.StateDiscoveryQueued, fs.candidate(t, "b-13").Status)
		require.Len(t, enq.tasks, 1)
	})
}

// Every task delivery settles a business with exactly one outcome, so the
// per-outcome tallies always sum to the number of processed businesses.
func TestOutcomeAccounting(t *testing.T) {
	ctx := context.Background()
	sess := newFakeSessions()

	confirmed := &business.Candidate{ID: "n-1", CandidateURL: "https://a.com", Status: business.StatePending}
	discovered := &business.Candidate{
		ID: "n-2", CandidateURL: "https://b.com", URLSource: business.SourceDiscovery,
		Status: business.StatePending,
		Metadata: business.Metadata{DiscoveryAttempts: map[string]business.DiscoveryAttempt{
			"web_search": {Attempted: true, FoundURL: true},
		}},
	}
	stuck := &business.Candidate{ID: "n-3", CandidateURL: "https://c.com", Status: business.StatePending}
	fs := newFakeStore(confirmed, discovered, stuck)

	ok := &fakeRenderer{res: validRender("https://a.com")}
	require.NoError(t, newHandlerService(fs, &fakeEnqueuer{}, sess, ok).HandleValidateTask(ctx, validateTask(t, "s-acct", "n-1", false)))
	require.NoError(t, newHandlerService(fs, &fakeEnqueuer{}, sess, &fakeRenderer{res: validRender("https://b.com")}).HandleValidateTask(ctx, validateTask(t, "s-acct", "n-2", true)))
	broken := &fakeRenderer{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	require.NoError(t, newHandlerService(fs, &fakeEnqueuer{}, sess, broken).HandleValidateTask(ctx, validateTask(t, "s-acct", "n-3", false)))

	tally := map[session.Outcome]int{}
	for _, p := range sess.processed {
		tally[p.outcome]++
	}
	assert.Equal(t, 1, tally[session.OutcomeValidated])
	assert.Equal(t, 1, tally[session.OutcomeDiscovered])
	assert.Equal(t, 1, tally[session.OutcomeManualReview])
	assert.Equal(t, len(sess.processed), tally[session.OutcomeValidated]+tally[session.OutcomeDiscovered]+tally[session.OutcomeManualReview])
}

func TestPrescreenReasoning(t *testing.T) {
	// Each rejection class produces a distinct audit string.
	msgs := map[string]string{
		"format":    prescreenReasoningFor(t, "not-a-url"),
		"social":    prescreenReasoningFor(t, "https://facebook.com/joes"),
		"directory": prescreenReasoningFor(t, "https://yelp.com/biz/joes"),
	}
	assert.Contains(t, msgs["format"], "malformed")
	assert.Contains(t, msgs["social"], "social media")
	assert.Contains(t, msgs["directory"], "directory")
}

func prescreenReasoningFor(t *testing.T, url string) string {
	t.Helper()
	outcome, reason := prescreen.New().Check(url)
	require.NotEqual(t, prescreen.OutcomePass, outcome)
	return prescreenReasoning(outcome, reason)
}
