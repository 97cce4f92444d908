// services/balance_service.go
package services

import (
	"context"
	"errors"
	"time"

	"game-reward-ledger/ledger"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// BalanceView is the read model returned to the UI. Total is derived.
type BalanceView struct {
	PlayerID        string        `json:"player_id"`
	Wallet          string        `json:"wallet,omitempty"`
	Confirmed       models.Amount `json:"confirmed"`
	Pending         models.Amount `json:"pending"`
	Total           models.Amount `json:"total"`
	PendingCount    int           `json:"pending_count"`
	LastSyncedBlock int64         `json:"last_synced_block"`
	LastUpdated     *time.Time    `json:"last_updated,omitempty"`
}

// BalanceService answers balance and history reads. It never writes.
type BalanceService struct {
	Balances *repository.BalanceStore
	Rewards  *repository.RewardStore
	Gateway  ledger.Gateway
}

func NewBalanceService(balances *repository.BalanceStore, rewards *repository.RewardStore, gw ledger.Gateway) *BalanceService {
	return &BalanceService{Balances: balances, Rewards: rewards, Gateway: gw}
}

// GetBalance returns a zero view for a player with no rewards yet.
func (s *BalanceService) GetBalance(ctx context.Context, playerID string) (BalanceView, error) {
	b, err := s.Balances.FindByPlayer(ctx, playerID)
	if errors.Is(err, repository.ErrNotFound) {
		return BalanceView{PlayerID: playerID}, nil
	}
	if err != nil {
		return BalanceView{}, err
	}
	updated := b.LastUpdated
	return BalanceView{
		PlayerID:        b.PlayerID,
		Wallet:          b.Wallet,
		Confirmed:       b.ConfirmedAmount,
		Pending:         b.PendingAmount,
		Total:           b.Total(),
		PendingCount:    b.OutstandingCount(),
		LastSyncedBlock: b.LastSyncedBlock,
		LastUpdated:     &updated,
	}, nil
}

// GetHistory lists a player's rewards, most recent match first.
func (s *BalanceService) GetHistory(ctx context.Context, playerID string, limit int) ([]models.RewardRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.Rewards.ListByWinner(ctx, playerID, limit)
}

// GetPendingEntries returns the entries not yet confirmed, in credit order.
func (s *BalanceService) GetPendingEntries(ctx context.Context, playerID string) ([]models.PendingEntry, error) {
	b, err := s.Balances.FindByPlayer(ctx, playerID)
	if errors.Is(err, repository.ErrNotFound) {
		return []models.PendingEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.PendingEntry, 0, len(b.PendingEntries))
	for _, e := range b.PendingEntries {
		if e.Outstanding() {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetLedgerBalance asks the ledger itself what the player's wallet holds.
func (s *BalanceService) GetLedgerBalance(ctx context.Context, playerID string) (string, models.Amount, error) {
	b, err := s.Balances.FindByPlayer(ctx, playerID)
	if err != nil {
		return "", models.Amount{}, err
	}
	if b.Wallet == "" {
		return "", models.Amount{}, ErrNoWallet
	}
	amount, err := s.Gateway.BalanceOf(ctx, b.Wallet)
	if err != nil {
		return b.Wallet, models.Amount{}, err
	}
	return b.Wallet, amount, nil
}
