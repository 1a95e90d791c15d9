package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sitecheck/internal/logger"
	rds "sitecheck/internal/platform/redis"
)

var (
	// ErrNotFound is returned when a candidate id has no stored record.
	ErrNotFound = errors.New("business not found")
	// ErrAttemptRecorded is returned by RecordDiscoveryAttempt when the
	// source already has an attempt and force was not set.
	ErrAttemptRecorded = errors.New("discovery attempt already recorded for source")
	// ErrLeaseHeld is returned when another task holds the in-flight lease.
	ErrLeaseHeld = errors.New("validation already in flight for business")
)

// leaseTTL bounds how long a crashed worker can block a business.
const leaseTTL = 5 * time.Minute

// Store persists candidates as JSON documents in Redis and enforces the
// audit invariants: history is append-only, discovery attempts are
// idempotent per source, and a business has at most one in-flight task.
type Store struct {
	redis *rds.Service
	log   *logger.Logger
}

func NewStore(redis *rds.Service) *Store {
	return &Store{redis: redis, log: logger.New("BusinessStore")}
}

func key(id string) string      { return "business:" + id }
func leaseKey(id string) string { return "lease:business:" + id }

func (s *Store) Put(ctx context.Context, c *Candidate) error {
	if c.ID == "" {
		return fmt.Errorf("candidate id is required")
	}
	if c.Status == "" {
		c.Status = StatePending
	}
	if c.Metadata.SchemaVersion == 0 {
		c.Metadata.SchemaVersion = MetadataSchemaVersion
	}
	return s.redis.SetJSON(ctx, key(c.ID), c, 0)
}

func (s *Store) Get(ctx context.Context, id string) (*Candidate, error) {
	var c Candidate
	if err := s.redis.GetJSON(ctx, key(id), &c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &c, nil
}

// AppendValidation appends one history entry and moves the candidate to
// state. Callers must hold the business lease.
func (s *Store) AppendValidation(ctx context.Context, id string, rec ValidationRecord, state ValidationState) (*Candidate, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	c.Metadata.Append(rec)
	c.Status = state
	if err := s.Put(ctx, c); err != nil {
		return nil, err
	}
	s.log.LogDebugf("appended validation for %s: verdict=%s state=%s history=%d", id, rec.Verdict, state, len(c.Metadata.ValidationHistory))
	return c, nil
}

// RecordDiscoveryAttempt stores an attempt for source. Re-running discovery
// for a business that already has an attempt recorded is a no-op unless
// forced.
func (s *Store) RecordDiscoveryAttempt(ctx context.Context, id, source string, att DiscoveryAttempt, force bool) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if att.Timestamp.IsZero() {
		att.Timestamp = time.Now().UTC()
	}
	if !c.Metadata.RecordAttempt(source, att, force) {
		return ErrAttemptRecorded
	}
	return s.Put(ctx, c)
}

// MarkAttemptValid updates the valid flag on an existing discovery attempt
// after the found URL has been re-validated. The source key stays unique.
func (s *Store) MarkAttemptValid(ctx context.Context, id, source string, valid bool) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	att, ok := c.Metadata.DiscoveryAttempts[source]
	if !ok {
		return nil
	}
	att.Valid = valid
	c.Metadata.RecordAttempt(source, att, true)
	return s.Put(ctx, c)
}

// SetURL replaces the candidate URL after a successful discovery.
func (s *Store) SetURL(ctx context.Context, id, url string, source URLSource) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	c.CandidateURL = url
	c.URLSource = source
	return s.Put(ctx, c)
}

func (s *Store) SetStatus(ctx context.Context, id string, state ValidationState) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	c.Status = state
	return s.Put(ctx, c)
}

// AcquireLease takes the per-business exclusive in-flight lock. The returned
// release func must be called when the task finishes.
func (s *Store) AcquireLease(ctx context.Context, id, owner string) (func(), error) {
	ok, err := s.redis.AcquireLease(ctx, leaseKey(id), owner, leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	release := func() {
		if err := s.redis.ReleaseLease(context.Background(), leaseKey(id)); err != nil {
			s.log.LogWarnf("release lease for %s: %v", id, err)
		}
	}
	return release, nil
}
