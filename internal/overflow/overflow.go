// Package overflow persists admission-rejected requests and replays them
// once capacity frees up, so a concurrency-saturated gateway can return
// 202 Accepted instead of 429 for requests it expects to serve shortly.
package overflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicateRequest is returned by Enqueue when request_id already has a
// pending or in-flight record.
var ErrDuplicateRequest = errors.New("overflow: duplicate request_id")

// PendingRequest is the persisted form of a request that could not be
// admitted immediately. Deleted after a successful drain or a terminal
// failure.
type PendingRequest struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"uniqueIndex;size:128"`
	APIKeyID    string    `gorm:"index;size:200"`
	Payload     []byte    `gorm:"type:blob"`
	Deadline    time.Time
	Attempts    int
	MaxAttempts int
	NextAttempt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName pins the table name regardless of gorm's pluralization rules.
func (PendingRequest) TableName() string { return "overflow_pending_requests" }

// Replayer replays one dequeued request through the normal admission and
// routing pipeline. It returns an error for any failure the drainer should
// retry; a nil error marks the job complete.
type Replayer func(ctx context.Context, req *PendingRequest) error

// Store is the gorm-backed FIFO overflow queue.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore opens (and auto-migrates) the overflow table on db.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&PendingRequest{}); err != nil {
		return nil, fmt.Errorf("overflow: automigrate: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "overflow"))}, nil
}

// Enqueue persists a denied request for later replay. payload is typically
// the marshaled chat request body. maxAttempts <= 0 uses the package
// default of 3.
func (s *Store) Enqueue(ctx context.Context, requestID, apiKeyID string, payload []byte, deadline time.Time, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	rec := &PendingRequest{
		RequestID:   requestID,
		APIKeyID:    apiKeyID,
		Payload:     payload,
		Deadline:    deadline,
		MaxAttempts: maxAttempts,
		NextAttempt: time.Now(),
	}

	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("overflow: enqueue: %w", err)
	}
	return nil
}

// Dequeue returns up to limit due jobs (NextAttempt <= now), oldest first.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*PendingRequest, error) {
	var jobs []*PendingRequest
	err := s.db.WithContext(ctx).
		Where("next_attempt <= ?", time.Now()).
		Order("created_at asc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("overflow: dequeue: %w", err)
	}
	return jobs, nil
}

// Complete deletes a successfully drained job.
func (s *Store) Complete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&PendingRequest{}, id).Error
}

// Discard deletes a job that exhausted its retry budget.
func (s *Store) Discard(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&PendingRequest{}, id).Error
}

// Reschedule bumps attempt count and NextAttempt by an exponential
// backoff. Returns true if the job should be discarded instead (attempts
// reached MaxAttempts).
func (s *Store) Reschedule(ctx context.Context, job *PendingRequest) (exhausted bool, err error) {
	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		return true, nil
	}

	backoff := time.Duration(1<<uint(job.Attempts)) * time.Second
	job.NextAttempt = time.Now().Add(backoff)

	err = s.db.WithContext(ctx).
		Model(&PendingRequest{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"attempts":     job.Attempts,
			"next_attempt": job.NextAttempt,
		}).Error
	return false, err
}

// Depth reports the current queue size, used to feed the gauge metric.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PendingRequest{}).Count(&count).Error
	return count, err
}

// Marshal is a convenience wrapper around encoding/json for callers that
// persist arbitrary chat-request payloads.
func Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
