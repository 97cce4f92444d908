// repository/wallet_store.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"game-reward-ledger/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WalletStore reads and refreshes the wallet_mirror table.
type WalletStore struct {
	DB *gorm.DB
}

func NewWalletStore(db *gorm.DB) *WalletStore {
	return &WalletStore{DB: db}
}

// ActiveWalletFor returns the player's most recently updated active,
// non-treasury wallet.
func (s *WalletStore) ActiveWalletFor(ctx context.Context, userID string) (string, bool, error) {
	var w models.WalletMirror
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND is_treasury = ?", userID, true, false).
		Order("updated_at DESC").
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup wallet for %s: %w", userID, err)
	}
	return w.Address, true, nil
}

// PlayerForWallet maps an address back to the owning player.
func (s *WalletStore) PlayerForWallet(ctx context.Context, address string) (string, bool, error) {
	var w models.WalletMirror
	err := s.DB.WithContext(ctx).
		Where("address = ?", strings.ToLower(strings.TrimSpace(address))).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup owner of %s: %w", address, err)
	}
	return w.UserID, true, nil
}

// Upsert bulk-writes mirrored wallets keyed by address.
func (s *WalletStore) Upsert(ctx context.Context, wallets []models.WalletMirror) error {
	if len(wallets) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"chain",
			"token",
			"is_treasury",
			"is_active",
			"last_balance_check_at",
			"updated_at",
		}),
	}).Create(&wallets).Error
}
