// repository/failed_attempt_store.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"game-reward-ledger/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultRetryLease is how long a retrying row stays claimed before another
// supervisor may take it over.
const DefaultRetryLease = 10 * time.Minute

// FailedAttemptStore is the durable retry queue. Rows are never deleted.
type FailedAttemptStore struct {
	DB    *gorm.DB
	Lease time.Duration
}

func NewFailedAttemptStore(db *gorm.DB) *FailedAttemptStore {
	return &FailedAttemptStore{DB: db, Lease: DefaultRetryLease}
}

// claimable matches pending rows and retrying rows whose claim has expired.
func (s *FailedAttemptStore) claimable(q *gorm.DB, at time.Time) *gorm.DB {
	return q.Where("(status = ? OR (status = ? AND last_attempt_at < ?))",
		models.FailedStatusPending, models.FailedStatusRetrying, at.Add(-s.Lease))
}

// Record inserts a fresh attempt with retryCount 0 and status pending.
func (s *FailedAttemptStore) Record(ctx context.Context, fa *models.FailedAttempt) error {
	if fa.ID == "" {
		fa.ID = uuid.NewString()
	}
	if fa.FirstAttemptAt.IsZero() {
		fa.FirstAttemptAt = time.Now()
	}
	if fa.LastAttemptAt.IsZero() {
		fa.LastAttemptAt = fa.FirstAttemptAt
	}
	fa.RetryCount = 0
	fa.Status = models.FailedStatusPending
	if err := s.DB.WithContext(ctx).Create(fa).Error; err != nil {
		return fmt.Errorf("record failed attempt: %w", translate(err))
	}
	return nil
}

func (s *FailedAttemptStore) FindByID(ctx context.Context, id string) (*models.FailedAttempt, error) {
	var fa models.FailedAttempt
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&fa).Error; err != nil {
		return nil, translate(err)
	}
	return &fa, nil
}

// SelectRetryable returns claimable rows below maxAttempts whose first
// attempt is no older than maxAge, oldest first. Rows another supervisor is
// still working on are left out.
func (s *FailedAttemptStore) SelectRetryable(ctx context.Context, now time.Time, maxAge time.Duration, maxAttempts, limit int) ([]models.FailedAttempt, error) {
	var out []models.FailedAttempt
	err := s.claimable(s.DB.WithContext(ctx), now).
		Where("retry_count < ?", maxAttempts).
		Where("first_attempt_at >= ?", now.Add(-maxAge)).
		Order("first_attempt_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("select retryable attempts: %w", err)
	}
	return out, nil
}

// Acquire claims a row for one retry: it flips it to retrying and bumps
// retry_count, but only if nobody else moved it since seenCount was read. A
// row already retrying can only be taken once its lease has run out.
func (s *FailedAttemptStore) Acquire(ctx context.Context, id string, seenCount int, at time.Time) (bool, error) {
	res := s.claimable(s.DB.WithContext(ctx).Model(&models.FailedAttempt{}), at).
		Where("id = ? AND retry_count = ?", id, seenCount).
		Updates(map[string]interface{}{
			"status":          models.FailedStatusRetrying,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_attempt_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("acquire attempt %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *FailedAttemptStore) Resolve(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, id, map[string]interface{}{
		"status":      models.FailedStatusResolved,
		"resolved_at": at,
	})
}

// Release hands a retrying row back after a failed retry: pending for the next
// cycle, or abandoned when the caller says attempts are exhausted.
func (s *FailedAttemptStore) Release(ctx context.Context, id, lastErr, errKind string, abandon bool, at time.Time) error {
	status := models.FailedStatusPending
	if abandon {
		status = models.FailedStatusAbandoned
	}
	return s.finish(ctx, id, map[string]interface{}{
		"status":          status,
		"error":           lastErr,
		"error_kind":      errKind,
		"last_attempt_at": at,
	})
}

func (s *FailedAttemptStore) finish(ctx context.Context, id string, fields map[string]interface{}) error {
	err := s.DB.WithContext(ctx).Model(&models.FailedAttempt{}).
		Where("id = ? AND status = ?", id, models.FailedStatusRetrying).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update attempt %s: %w", id, err)
	}
	return nil
}

// KeepTransactionRef stores the ref of a mint the reward row failed to record.
func (s *FailedAttemptStore) KeepTransactionRef(ctx context.Context, id, txRef string) error {
	err := s.DB.WithContext(ctx).Model(&models.FailedAttempt{}).
		Where("id = ?", id).
		Update("transaction_ref", txRef).Error
	if err != nil {
		return fmt.Errorf("keep tx ref on attempt %s: %w", id, err)
	}
	return nil
}

// SubmittedRef returns the newest transaction ref any submission attempt for
// the session captured, terminal rows included.
func (s *FailedAttemptStore) SubmittedRef(ctx context.Context, gameSessionID string) (string, bool, error) {
	var fa models.FailedAttempt
	err := s.DB.WithContext(ctx).
		Where("kind = ? AND game_session_id = ?", models.FailedKindSubmission, gameSessionID).
		Where("transaction_ref IS NOT NULL AND transaction_ref <> ''").
		Order("last_attempt_at DESC").
		First(&fa).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find submitted ref for %s: %w", gameSessionID, err)
	}
	return *fa.TransactionRef, true, nil
}

// HasOpen reports whether a non-terminal attempt exists for a game session.
func (s *FailedAttemptStore) HasOpen(ctx context.Context, kind models.FailedAttemptKind, gameSessionID string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.FailedAttempt{}).
		Where("kind = ? AND game_session_id = ?", kind, gameSessionID).
		Where("status IN ?", []models.FailedAttemptStatus{models.FailedStatusPending, models.FailedStatusRetrying}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count open attempts for %s: %w", gameSessionID, err)
	}
	return count > 0, nil
}

// List is the operator view; an empty status lists everything.
func (s *FailedAttemptStore) List(ctx context.Context, status models.FailedAttemptStatus, limit int) ([]models.FailedAttempt, error) {
	q := s.DB.WithContext(ctx).Order("last_attempt_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.FailedAttempt
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list failed attempts: %w", err)
	}
	return out, nil
}
