package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"sitecheck/internal/core/business"
	"sitecheck/internal/logger"
	"sitecheck/internal/platform/tasks"
)

// Record is one scraped business row as received from upstream. Unknown
// fields ride along in Extra and are stored untouched.
type Record struct {
	ID           string                     `json:"id,omitempty"`
	Name         string                     `json:"name"`
	Phone        string                     `json:"phone,omitempty"`
	Address      string                     `json:"address,omitempty"`
	City         string                     `json:"city,omitempty"`
	State        string                     `json:"state,omitempty"`
	CandidateURL string                     `json:"candidate_url,omitempty"`
	Extra        map[string]json.RawMessage `json:"extra,omitempty"`
}

// Rejection explains why a record was refused at intake.
type Rejection struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

type Payload struct {
	Records []Record `json:"records"`
}

// Service takes raw scraped batches, rejects records that cannot be keyed or
// named, and queues storage of the rest.
type Service struct {
	log         *logger.Logger
	store       *business.Store
	tasks       *tasks.Client
	taskRetries int
}

func New(store *business.Store, tc *tasks.Client, taskRetries int) *Service {
	return &Service{
		log:         logger.New("IngestService"),
		store:       store,
		tasks:       tc,
		taskRetries: taskRetries,
	}
}

// Validate checks a single record for intake. A record without a name can
// never be validated or discovered, so it is refused up front.
func Validate(r Record) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("record has no business name")
	}
	return nil
}

// Intake validates a batch, assigns IDs where missing, and enqueues storage
// of the accepted records. Returns accepted IDs and per-record rejections.
func (s *Service) Intake(ctx context.Context, records []Record) ([]string, []Rejection, error) {
	var accepted []Record
	var acceptedIDs []string
	var rejected []Rejection
	for i, r := range records {
		if err := Validate(r); err != nil {
			rejected = append(rejected, Rejection{Index: i, ID: r.ID, Reason: err.Error()})
			continue
		}
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		accepted = append(accepted, r)
		acceptedIDs = append(acceptedIDs, r.ID)
	}
	if len(accepted) == 0 {
		return nil, rejected, nil
	}

	body, err := json.Marshal(Payload{Records: accepted})
	if err != nil {
		return nil, rejected, err
	}
	task := asynq.NewTask(tasks.TaskTypeIngest, body)
	if err := s.tasks.Enqueue(task, tasks.QueueScrape, s.taskRetries); err != nil {
		return nil, rejected, fmt.Errorf("enqueue ingest batch: %w", err)
	}
	s.log.LogInfof("Batch accepted: %d records queued, %d rejected", len(accepted), len(rejected))
	return acceptedIDs, rejected, nil
}

// HandleIngestTask stores an accepted batch. Records arriving with a URL
// start from the primary source; the rest start blank and will go straight
// to discovery when validated.
func (s *Service) HandleIngestTask(ctx context.Context, t *asynq.Task) error {
	var payload Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		s.log.LogErrorf("Invalid ingest payload: %v", err)
		return fmt.Errorf("unmarshal ingest payload: %v: %w", err, asynq.SkipRetry)
	}
	for _, r := range payload.Records {
		cand := &business.Candidate{
			ID:           r.ID,
			Name:         r.Name,
			Phone:        r.Phone,
			Address:      r.Address,
			City:         r.City,
			State:        r.State,
			CandidateURL: r.CandidateURL,
			Extra:        r.Extra,
		}
		if r.CandidateURL != "" {
			cand.URLSource = business.SourcePrimary
		}
		if err := s.store.Put(ctx, cand); err != nil {
			return fmt.Errorf("store business %s: %w", r.ID, err)
		}
	}
	s.log.LogInfof("Stored %d businesses", len(payload.Records))
	return nil
}
