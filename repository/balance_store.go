// repository/balance_store.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"game-reward-ledger/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxCASAttempts bounds the optimistic retry loop on a contended balance row.
const maxCASAttempts = 32

// BalanceStore owns player_balances. Every mutation is a read-modify-write
// guarded by the row version, retried on conflict.
type BalanceStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewBalanceStore(db *gorm.DB) *BalanceStore {
	return &BalanceStore{DB: db, Now: time.Now}
}

// PromotionResult describes what a ledger confirmation did to a balance.
type PromotionResult struct {
	Balance *models.PlayerBalance
	Matched bool // a pending entry was promoted
	Created bool // the balance row did not exist before
}

func normalizeWallet(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}

func (s *BalanceStore) FindByPlayer(ctx context.Context, playerID string) (*models.PlayerBalance, error) {
	var b models.PlayerBalance
	if err := s.DB.WithContext(ctx).Where("player_id = ?", playerID).First(&b).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (s *BalanceStore) FindByWallet(ctx context.Context, wallet string) (*models.PlayerBalance, error) {
	var b models.PlayerBalance
	err := s.DB.WithContext(ctx).
		Where("wallet = ?", normalizeWallet(wallet)).
		Order("id ASC").
		First(&b).Error
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// MaxSyncedBlock is the highest block any balance has been reconciled to.
func (s *BalanceStore) MaxSyncedBlock(ctx context.Context) (int64, error) {
	var max int64
	err := s.DB.WithContext(ctx).Model(&models.PlayerBalance{}).
		Select("COALESCE(MAX(last_synced_block), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("max synced block: %w", err)
	}
	return max, nil
}

// ApplyPending adds an optimistic credit for a reward. It is idempotent per
// reward id: applying the same reward twice leaves the balance unchanged and
// reports applied=false.
func (s *BalanceStore) ApplyPending(ctx context.Context, playerID, wallet string, entry models.PendingEntry) (*models.PlayerBalance, bool, error) {
	applied := false
	bal, _, err := s.mutate(ctx,
		func(tx *gorm.DB) (*models.PlayerBalance, error) { return s.findByPlayer(tx, playerID) },
		func() *models.PlayerBalance { return s.newBalance(playerID, wallet) },
		func(b *models.PlayerBalance) (bool, error) {
			if entry.RewardID != "" && b.EntryIndex(func(e models.PendingEntry) bool { return e.RewardID == entry.RewardID }) >= 0 {
				return false, nil
			}
			if w := normalizeWallet(wallet); w != "" {
				b.Wallet = w
			}
			b.PendingAmount = b.PendingAmount.Add(entry.Amount)
			b.PendingEntries = append(b.PendingEntries, entry)
			applied = true
			return true, nil
		})
	if err != nil {
		return nil, false, fmt.Errorf("apply pending for %s: %w", playerID, err)
	}
	return bal, applied, nil
}

// RewriteRef swaps the placeholder ref of a reward's pending entry for the
// real transaction reference. A missing entry is not an error.
func (s *BalanceStore) RewriteRef(ctx context.Context, playerID, rewardID, txRef string) (bool, error) {
	found := false
	_, _, err := s.mutate(ctx,
		func(tx *gorm.DB) (*models.PlayerBalance, error) { return s.findByPlayer(tx, playerID) },
		nil,
		func(b *models.PlayerBalance) (bool, error) {
			i := b.EntryIndex(func(e models.PendingEntry) bool { return e.RewardID == rewardID })
			if i < 0 {
				return false, nil
			}
			found = true
			e := b.PendingEntries[i]
			if e.Ref == txRef && e.Status != models.PendingStatusUncommitted {
				return false, nil
			}
			e.Ref = txRef
			if e.Status == models.PendingStatusUncommitted {
				e.Status = models.PendingStatusSubmitted
			}
			b.PendingEntries[i] = e
			return true, nil
		})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rewrite ref for reward %s: %w", rewardID, err)
	}
	return found, nil
}

// SetEntryStatus changes the status of a reward's pending entry without
// touching amounts.
func (s *BalanceStore) SetEntryStatus(ctx context.Context, playerID, rewardID string, status models.PendingStatus) error {
	_, _, err := s.mutate(ctx,
		func(tx *gorm.DB) (*models.PlayerBalance, error) { return s.findByPlayer(tx, playerID) },
		nil,
		func(b *models.PlayerBalance) (bool, error) {
			i := b.EntryIndex(func(e models.PendingEntry) bool { return e.RewardID == rewardID })
			if i < 0 || b.PendingEntries[i].Status == status || b.PendingEntries[i].Status == models.PendingStatusConfirmed {
				return false, nil
			}
			b.PendingEntries[i].Status = status
			return true, nil
		})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Promote applies a ledger confirmation for wallet. If an outstanding entry
// carries one of refs, its amount moves from pending to confirmed. Otherwise
// the amount is credited to confirmed directly and pending is untouched. A
// missing balance row is created under playerIDIfNew.
func (s *BalanceStore) Promote(ctx context.Context, wallet, playerIDIfNew string, refs []string, amount models.Amount, blockHeight int64) (*PromotionResult, error) {
	result := &PromotionResult{}
	wallet = normalizeWallet(wallet)

	bal, created, err := s.mutate(ctx,
		func(tx *gorm.DB) (*models.PlayerBalance, error) {
			b, err := s.findByWallet(tx, wallet)
			if errors.Is(err, ErrNotFound) && playerIDIfNew != "" {
				return s.findByPlayer(tx, playerIDIfNew)
			}
			return b, err
		},
		func() *models.PlayerBalance { return s.newBalance(playerIDIfNew, wallet) },
		func(b *models.PlayerBalance) (bool, error) {
			result.Matched = false
			i := b.EntryIndex(func(e models.PendingEntry) bool {
				return e.Outstanding() && containsRef(refs, e.Ref)
			})
			if i >= 0 {
				e := b.PendingEntries[i]
				pending, err := b.PendingAmount.Sub(e.Amount)
				if err != nil {
					return false, err
				}
				b.PendingAmount = pending
				b.ConfirmedAmount = b.ConfirmedAmount.Add(e.Amount)
				e.Status = models.PendingStatusConfirmed
				h := blockHeight
				e.BlockHeight = &h
				b.PendingEntries[i] = e
				result.Matched = true
			} else {
				b.ConfirmedAmount = b.ConfirmedAmount.Add(amount)
			}
			if blockHeight > b.LastSyncedBlock {
				b.LastSyncedBlock = blockHeight
			}
			return true, nil
		})
	if err != nil {
		return nil, fmt.Errorf("promote %s for wallet %s: %w", amount, wallet, err)
	}
	result.Balance = bal
	result.Created = created
	return result, nil
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r != "" && strings.EqualFold(r, ref) {
			return true
		}
	}
	return false
}

func (s *BalanceStore) newBalance(playerID, wallet string) *models.PlayerBalance {
	return &models.PlayerBalance{
		PlayerID:        playerID,
		Wallet:          normalizeWallet(wallet),
		ConfirmedAmount: models.ZeroAmount(),
		PendingAmount:   models.ZeroAmount(),
		PendingEntries:  datatypes.JSONSlice[models.PendingEntry]{},
		LastUpdated:     s.Now(),
	}
}

func (s *BalanceStore) findByPlayer(tx *gorm.DB, playerID string) (*models.PlayerBalance, error) {
	var b models.PlayerBalance
	if err := tx.Where("player_id = ?", playerID).First(&b).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (s *BalanceStore) findByWallet(tx *gorm.DB, wallet string) (*models.PlayerBalance, error) {
	var b models.PlayerBalance
	if err := tx.Where("wallet = ?", wallet).Order("id ASC").First(&b).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// mutate loads a row, lets fn change it in memory and writes it back only if
// the version is unchanged. When load reports ErrNotFound and create is set,
// the row is inserted (ignoring a concurrent insert) and reloaded; created
// reports whether this call inserted it.
func (s *BalanceStore) mutate(
	ctx context.Context,
	load func(tx *gorm.DB) (*models.PlayerBalance, error),
	create func() *models.PlayerBalance,
	fn func(b *models.PlayerBalance) (bool, error),
) (b *models.PlayerBalance, created bool, err error) {
	db := s.DB.WithContext(ctx)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		b, err = load(db)
		if errors.Is(err, ErrNotFound) && create != nil {
			res := db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "player_id"}},
				DoNothing: true,
			}).Create(create())
			if res.Error != nil {
				return nil, false, fmt.Errorf("create balance row: %w", translate(res.Error))
			}
			created = res.RowsAffected == 1
			create = nil
			continue
		}
		if err != nil {
			return nil, false, err
		}

		changed, err := fn(b)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return b, created, nil
		}

		now := s.Now()
		res := db.Model(&models.PlayerBalance{}).
			Where("id = ? AND version = ?", b.ID, b.Version).
			Updates(map[string]interface{}{
				"wallet":            b.Wallet,
				"confirmed_amount":  b.ConfirmedAmount,
				"pending_amount":    b.PendingAmount,
				"pending_entries":   b.PendingEntries,
				"last_synced_block": b.LastSyncedBlock,
				"last_updated":      now,
				"version":           b.Version + 1,
			})
		if res.Error != nil {
			return nil, false, fmt.Errorf("update balance %s: %w", b.PlayerID, res.Error)
		}
		if res.RowsAffected == 1 {
			b.Version++
			b.LastUpdated = now
			return b, created, nil
		}
	}
	return nil, false, ErrVersionConflict
}
