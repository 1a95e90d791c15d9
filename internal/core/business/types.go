package business

import (
	"encoding/json"
	"time"
)

// ValidationState tracks a candidate through the pipeline. The three terminal
// states form a closed set; nothing advances past them automatically.
type ValidationState string

const (
	StatePending             ValidationState = "pending"
	StatePrescreenRejected   ValidationState = "prescreen_rejected"
	StatePrescreenPassed     ValidationState = "prescreen_passed"
	StateRenderValid         ValidationState = "render_valid"
	StateRenderInvalid       ValidationState = "render_invalid"
	StateRenderUncertain     ValidationState = "render_uncertain"
	StateNeedsDiscovery      ValidationState = "needs_discovery"
	StateDiscoveryQueued     ValidationState = "discovery_queued"
	StateDiscoveryInProgress ValidationState = "discovery_in_progress"
	StateValidConfirmed      ValidationState = "valid_confirmed"
	StateConfirmedMissing    ValidationState = "confirmed_missing"
	StateNeedsManualReview   ValidationState = "needs_manual_review"
)

// Terminal reports whether the pipeline stops advancing a candidate.
func (s ValidationState) Terminal() bool {
	switch s {
	case StateValidConfirmed, StateConfirmedMissing, StateNeedsManualReview:
		return true
	}
	return false
}

// URLSource records where the current candidate URL came from.
type URLSource string

const (
	SourcePrimary   URLSource = "primary_source"
	SourceDiscovery URLSource = "discovery"
	SourceManual    URLSource = "manual"
)

// VerdictState is the outcome of a single validation attempt.
type VerdictState string

const (
	VerdictValid     VerdictState = "valid"
	VerdictInvalid   VerdictState = "invalid"
	VerdictUncertain VerdictState = "uncertain"
)

type InvalidReason string

const (
	ReasonNone            InvalidReason = "none"
	ReasonDirectory       InvalidReason = "directory_listing"
	ReasonSocialProfile   InvalidReason = "social_media_profile"
	ReasonTechnicalError  InvalidReason = "technical_error"
	ReasonContentMismatch InvalidReason = "content_mismatch"
)

type Recommendation string

const (
	RecommendKeepURL          Recommendation = "keep_url"
	RecommendTriggerDiscovery Recommendation = "trigger_discovery"
	RecommendConfirmMissing   Recommendation = "confirm_missing"
	RecommendManualReview     Recommendation = "needs_manual_review"
)

// Verdict is produced per validation attempt and persisted only as a
// validation history entry.
type Verdict struct {
	State          VerdictState   `json:"state"`
	Confidence     float64        `json:"confidence"`
	InvalidReason  InvalidReason  `json:"invalid_reason"`
	Recommendation Recommendation `json:"recommendation"`
}

// ValidationRecord is one appended audit entry. Entries are never mutated.
type ValidationRecord struct {
	Timestamp      time.Time      `json:"timestamp"`
	URLTested      string         `json:"url_tested"`
	Verdict        VerdictState   `json:"verdict"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
	Recommendation Recommendation `json:"recommendation"`
	InvalidReason  InvalidReason  `json:"invalid_reason"`
	ScreenshotURL  string         `json:"screenshot_url,omitempty"`
}

// DiscoveryAttempt records one discovery run for a source. A source key
// appears at most once unless the caller forces a re-run.
type DiscoveryAttempt struct {
	Attempted bool      `json:"attempted"`
	Timestamp time.Time `json:"timestamp"`
	QueryUsed string    `json:"query_used"`
	FoundURL  bool      `json:"found_url"`
	URLFound  string    `json:"url_found,omitempty"`
	Valid     bool      `json:"valid"`
}

// Metadata is the structured, additive-only audit document attached to each
// candidate.
type Metadata struct {
	SchemaVersion     int                         `json:"schema_version"`
	ValidationHistory []ValidationRecord          `json:"validation_history"`
	DiscoveryAttempts map[string]DiscoveryAttempt `json:"discovery_attempts,omitempty"`
}

const MetadataSchemaVersion = 1

// Append adds a history entry. History length is monotonically non-decreasing
// and existing entries are never touched.
func (m *Metadata) Append(rec ValidationRecord) {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = MetadataSchemaVersion
	}
	m.ValidationHistory = append(m.ValidationHistory, rec)
}

// LastValidation returns the most recent history entry, or nil.
func (m *Metadata) LastValidation() *ValidationRecord {
	if len(m.ValidationHistory) == 0 {
		return nil
	}
	return &m.ValidationHistory[len(m.ValidationHistory)-1]
}

// RecordAttempt stores a discovery attempt under source with compare-and-set
// semantics: if the source already has an attempt and force is false, nothing
// changes and false is returned.
func (m *Metadata) RecordAttempt(source string, att DiscoveryAttempt, force bool) bool {
	if m.DiscoveryAttempts == nil {
		m.DiscoveryAttempts = make(map[string]DiscoveryAttempt)
	}
	if _, exists := m.DiscoveryAttempts[source]; exists && !force {
		return false
	}
	m.DiscoveryAttempts[source] = att
	return true
}

// Attempted reports whether a discovery attempt exists for source.
func (m *Metadata) Attempted(source string) bool {
	_, ok := m.DiscoveryAttempts[source]
	return ok
}

// Candidate is one scraped business record moving through the pipeline.
// Extra preserves upstream fields this engine does not interpret.
type Candidate struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Phone        string                     `json:"phone,omitempty"`
	Address      string                     `json:"address,omitempty"`
	City         string                     `json:"city,omitempty"`
	State        string                     `json:"state,omitempty"`
	CandidateURL string                     `json:"candidate_url,omitempty"`
	URLSource    URLSource                  `json:"url_source,omitempty"`
	Status       ValidationState            `json:"validation_status"`
	Metadata     Metadata                   `json:"metadata"`
	Extra        map[string]json.RawMessage `json:"extra,omitempty"`
}
