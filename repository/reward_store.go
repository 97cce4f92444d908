// repository/reward_store.go
package repository

import (
	"context"
	"fmt"
	"time"

	"game-reward-ledger/models"

	"gorm.io/gorm"
)

// RewardStore is the reward ledger: one row per rewarded match.
type RewardStore struct {
	DB *gorm.DB
}

func NewRewardStore(db *gorm.DB) *RewardStore {
	return &RewardStore{DB: db}
}

// Create inserts a reward. A second reward for the same game session fails
// with ErrDuplicate; that unique index is the real double-reward guard.
func (s *RewardStore) Create(ctx context.Context, r *models.RewardRecord) error {
	if err := s.DB.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("create reward for session %s: %w", r.GameSessionID, translate(err))
	}
	return nil
}

func (s *RewardStore) ExistsForSession(ctx context.Context, gameSessionID string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("game_session_id = ?", gameSessionID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count rewards for session %s: %w", gameSessionID, err)
	}
	return count > 0, nil
}

func (s *RewardStore) FindBySession(ctx context.Context, gameSessionID string) (*models.RewardRecord, error) {
	var r models.RewardRecord
	if err := s.DB.WithContext(ctx).Where("game_session_id = ?", gameSessionID).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *RewardStore) FindByID(ctx context.Context, id string) (*models.RewardRecord, error) {
	var r models.RewardRecord
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *RewardStore) FindByTxRef(ctx context.Context, txRef string) (*models.RewardRecord, error) {
	var r models.RewardRecord
	if err := s.DB.WithContext(ctx).Where("transaction_ref = ?", txRef).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// MarkSubmitted records the ledger transaction for a reward. The state only
// moves forward from uncommitted.
func (s *RewardStore) MarkSubmitted(ctx context.Context, id, txRef string, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"transaction_ref": txRef,
			"reward_sent_at":  at,
			"state": gorm.Expr("CASE WHEN state = ? THEN ? ELSE state END",
				models.RewardStateUncommitted, models.RewardStateSubmitted),
		})
	if res.Error != nil {
		return fmt.Errorf("mark reward %s submitted: %w", id, translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark reward %s submitted: %w", id, ErrNotFound)
	}
	return nil
}

// MarkConfirmed flags the reward carrying txRef as confirmed. It reports
// false when no reward references that transaction.
func (s *RewardStore) MarkConfirmed(ctx context.Context, txRef string, blockHeight int64, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("transaction_ref = ?", txRef).
		Updates(map[string]interface{}{
			"confirmed":    true,
			"state":        models.RewardStateConfirmed,
			"block_height": blockHeight,
			"confirmed_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("confirm reward for tx %s: %w", txRef, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *RewardStore) MarkAbandoned(ctx context.Context, id string) error {
	err := s.DB.WithContext(ctx).Model(&models.RewardRecord{}).
		Where("id = ? AND confirmed = ?", id, false).
		Update("state", models.RewardStateAbandoned).Error
	if err != nil {
		return fmt.Errorf("abandon reward %s: %w", id, err)
	}
	return nil
}

// ListByWinner returns a player's rewards, most recent match first.
func (s *RewardStore) ListByWinner(ctx context.Context, winnerID string, limit int) ([]models.RewardRecord, error) {
	q := s.DB.WithContext(ctx).
		Where("winner_id = ?", winnerID).
		Order("game_end_time DESC").
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.RewardRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list rewards for %s: %w", winnerID, err)
	}
	return out, nil
}

// ListUnsettledBefore returns rewards still waiting on the ledger that were
// created before cutoff.
func (s *RewardStore) ListUnsettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.RewardRecord, error) {
	var out []models.RewardRecord
	err := s.DB.WithContext(ctx).
		Where("confirmed = ? AND state IN ?", false,
			[]models.RewardState{models.RewardStateUncommitted, models.RewardStateSubmitted}).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unsettled rewards: %w", err)
	}
	return out, nil
}
