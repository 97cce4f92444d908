// models/wallet_mirror.go
package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// WalletMirror mirrors player wallets published by the wallet sync service.
// It is the default source for a match winner's payout address.
type WalletMirror struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36);not null" json:"id"`
	UserID             string    `gorm:"type:varchar(128);not null;index" json:"user_id"`
	Chain              string    `gorm:"type:varchar(64);not null;index" json:"chain"`
	Token              string    `gorm:"type:varchar(64);not null" json:"token"`
	Address            string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"address"`
	IsTreasury         bool      `gorm:"not null" json:"is_treasury"`
	IsActive           bool      `gorm:"not null" json:"is_active"`
	LastBalanceCheckAt time.Time `gorm:"not null" json:"last_balance_check_at"`
	CreatedAt          time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time `gorm:"not null" json:"updated_at"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (WalletMirror) TableName() string { return "wallet_mirror" }

// BeforeSave keeps addresses lower-cased so lookups stay case-insensitive.
func (w *WalletMirror) BeforeSave(tx *gorm.DB) error {
	w.Address = strings.ToLower(strings.TrimSpace(w.Address))
	return nil
}
