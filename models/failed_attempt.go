// models/failed_attempt.go
package models

import "time"

type FailedAttemptKind string

const (
	FailedKindSubmission     FailedAttemptKind = "submission"
	FailedKindReconciliation FailedAttemptKind = "reconciliation"
)

type FailedAttemptStatus string

const (
	FailedStatusPending   FailedAttemptStatus = "pending"
	FailedStatusRetrying  FailedAttemptStatus = "retrying"
	FailedStatusResolved  FailedAttemptStatus = "resolved"
	FailedStatusAbandoned FailedAttemptStatus = "abandoned"
)

// Terminal statuses are never revisited by the retry supervisor.
func (s FailedAttemptStatus) Terminal() bool {
	return s == FailedStatusResolved || s == FailedStatusAbandoned
}

// FailedAttempt is the audit trail of a settlement step that errored. Rows are
// never deleted.
type FailedAttempt struct {
	ID             string              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PlayerID       string              `gorm:"type:varchar(128);index" json:"player_id"`
	Wallet         string              `gorm:"type:varchar(128)" json:"wallet"`
	Kind           FailedAttemptKind   `gorm:"type:varchar(32);not null" json:"kind"`
	Amount         Amount              `gorm:"not null" json:"amount"`
	GameSessionID  *string             `gorm:"type:varchar(128);index" json:"game_session_id,omitempty"`
	EventRecordID  *uint               `gorm:"index" json:"event_record_id,omitempty"`
	// TransactionRef is set when the ledger accepted the submission but the
	// reward row never recorded it; a retry must reuse it instead of minting.
	TransactionRef *string             `gorm:"type:varchar(128)" json:"transaction_ref,omitempty"`
	Error          string              `gorm:"type:text" json:"error"`
	ErrorKind      string              `gorm:"type:varchar(32)" json:"error_kind"`
	RetryCount     int                 `gorm:"not null;default:0" json:"retry_count"`
	Status         FailedAttemptStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	FirstAttemptAt time.Time           `gorm:"not null;index" json:"first_attempt_at"`
	LastAttemptAt  time.Time           `gorm:"not null" json:"last_attempt_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
}
