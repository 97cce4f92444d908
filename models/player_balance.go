// models/player_balance.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

type PendingStatus string

const (
	PendingStatusUncommitted PendingStatus = "uncommitted" // placeholder ref, nothing on chain yet
	PendingStatusSubmitted   PendingStatus = "submitted"
	PendingStatusConfirmed   PendingStatus = "confirmed"
	PendingStatusAbandoned   PendingStatus = "abandoned"
)

// PendingEntry is one reward credited locally ahead of ledger confirmation.
type PendingEntry struct {
	Ref         string        `json:"ref"`
	RewardID    string        `json:"reward_id,omitempty"`
	Amount      Amount        `json:"amount"`
	MatchType   MatchType     `json:"match_type,omitempty"`
	Status      PendingStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	BlockHeight *int64        `json:"block_height,omitempty"`
}

// Outstanding reports whether the entry still counts towards pendingCount.
func (e PendingEntry) Outstanding() bool {
	return e.Status != PendingStatusConfirmed
}

// PlayerBalance is the fast, mutable projection of a player's coins.
// Every write bumps Version; writers compare-and-swap on it.
type PlayerBalance struct {
	ID              uint                              `gorm:"primaryKey" json:"-"`
	PlayerID        string                            `gorm:"type:varchar(128);not null;uniqueIndex" json:"player_id"`
	Wallet          string                            `gorm:"type:varchar(128);index" json:"wallet"` // lower-cased
	ConfirmedAmount Amount                            `gorm:"not null" json:"confirmed_amount"`
	PendingAmount   Amount                            `gorm:"not null" json:"pending_amount"`
	PendingEntries  datatypes.JSONSlice[PendingEntry] `json:"pending_entries"`
	LastSyncedBlock int64                             `gorm:"not null;default:0" json:"last_synced_block"`
	LastUpdated     time.Time                         `json:"last_updated"`
	Version         int64                             `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time                         `json:"created_at" gorm:"autoCreateTime"`
}

// Total is always derived, never stored.
func (b *PlayerBalance) Total() Amount {
	return b.ConfirmedAmount.Add(b.PendingAmount)
}

// EntryIndex returns the index of the first entry matching pred, or -1.
func (b *PlayerBalance) EntryIndex(pred func(PendingEntry) bool) int {
	for i, e := range b.PendingEntries {
		if pred(e) {
			return i
		}
	}
	return -1
}

func (b *PlayerBalance) OutstandingCount() int {
	n := 0
	for _, e := range b.PendingEntries {
		if e.Outstanding() {
			n++
		}
	}
	return n
}
