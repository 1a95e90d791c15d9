package session

import "time"

// Status tracks a batch run. Terminal statuses freeze the session.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusValidating Status = "validating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Session is one batch run of businesses through the pipeline. Counters are
// non-negative and non-decreasing while the run is live.
type Session struct {
	ID           string     `json:"id"`
	ZoneLabel    string     `json:"zone_label"`
	Status       Status     `json:"status"`
	Total        int64      `json:"total"`
	Processed    int64      `json:"processed"`
	Validated    int64      `json:"validated"`
	Discovered   int64      `json:"discovered"`
	ManualReview int64      `json:"manual_review"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Outcome is how one business finished, for counter bookkeeping. Businesses
// whose final URL came from discovery count as discovered; manual review is
// tracked separately; every other terminal resolution counts as validated,
// so the three always sum to processed.
type Outcome string

const (
	OutcomeValidated    Outcome = "validated"
	OutcomeDiscovered   Outcome = "discovered"
	OutcomeManualReview Outcome = "manual_review"
)
