// models/reward_record.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// RewardState tracks a reward through settlement:
// uncommitted -> submitted -> confirmed, with abandoned as the terminal failure branch.
type RewardState string

const (
	RewardStateUncommitted RewardState = "uncommitted"
	RewardStateSubmitted   RewardState = "submitted"
	RewardStateConfirmed   RewardState = "confirmed"
	RewardStateAbandoned   RewardState = "abandoned"
)

// RewardRecord is one rewarded match. Never hard-deleted.
type RewardRecord struct {
	ID             string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	GameSessionID  string      `gorm:"type:varchar(128);not null;uniqueIndex" json:"game_session_id"`
	WinnerID       string      `gorm:"type:varchar(128);not null;index" json:"winner_id"`
	WinnerWallet   string      `gorm:"type:varchar(128);not null;index" json:"winner_wallet"`
	MatchType      MatchType   `gorm:"type:varchar(16);not null" json:"match_type"`
	Amount         Amount      `gorm:"not null" json:"amount"`
	GameResult     string      `gorm:"type:varchar(32)" json:"game_result"`
	GameEndTime    time.Time   `gorm:"not null;index" json:"game_end_time"`
	TransactionRef *string     `gorm:"type:varchar(128);uniqueIndex" json:"transaction_ref,omitempty"`
	BlockHeight    *int64      `json:"block_height,omitempty"`
	Confirmed      bool        `gorm:"not null;default:false;index" json:"confirmed"`
	State          RewardState `gorm:"type:varchar(16);not null;default:'uncommitted';index" json:"state"`
	RewardSentAt   *time.Time  `json:"reward_sent_at,omitempty"`
	ConfirmedAt    *time.Time  `json:"confirmed_at,omitempty"`

	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"` // administrative archival only
}

// PendingRef is the placeholder used in the player's pending entries until
// the real transaction reference is known.
func (r *RewardRecord) PendingRef() string {
	return PlaceholderRef(r.ID)
}

func PlaceholderRef(rewardID string) string {
	return "pending-" + rewardID
}
