// models/ledger_event.go
package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// LedgerEventRecord is the dedup barrier for ledger events. It is written
// before any balance mutation; Processed flips only after promotion succeeds.
type LedgerEventRecord struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	ContractAddress string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_ledger_event_dedup,priority:1" json:"contract_address"`
	TransactionRef  string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_ledger_event_dedup,priority:2" json:"transaction_ref"`
	LogIndex        uint           `gorm:"not null;uniqueIndex:idx_ledger_event_dedup,priority:3" json:"log_index"`
	EventName       string         `gorm:"type:varchar(64);not null" json:"event_name"`
	BlockHeight     int64          `gorm:"not null;index" json:"block_height"`
	Wallet          string         `gorm:"type:varchar(128);index" json:"wallet"`
	Amount          Amount         `gorm:"not null" json:"amount"`
	Args            datatypes.JSON `json:"args,omitempty"`
	Processed       bool           `gorm:"not null;default:false;index" json:"processed"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

// EventKey renders the dedup key; contract address is compared lower-cased.
func EventKey(contract, txRef string, logIndex uint) string {
	return fmt.Sprintf("%s:%s:%d", strings.ToLower(contract), strings.ToLower(txRef), logIndex)
}

func (e *LedgerEventRecord) Key() string {
	return EventKey(e.ContractAddress, e.TransactionRef, e.LogIndex)
}
