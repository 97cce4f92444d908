// services/reward_policy.go
package services

import (
	"fmt"

	"game-reward-ledger/config"
	"game-reward-ledger/models"
)

// RewardSchedule is the fixed payout per match type.
type RewardSchedule map[models.MatchType]models.Amount

func NewRewardSchedule(cfg config.RewardsConfig) (RewardSchedule, error) {
	pvp, err := models.ParseAmount(cfg.PvP)
	if err != nil {
		return nil, fmt.Errorf("rewards.pvp: %w", err)
	}
	bot, err := models.ParseAmount(cfg.Bot)
	if err != nil {
		return nil, fmt.Errorf("rewards.bot: %w", err)
	}
	return RewardSchedule{
		models.MatchTypePvP: pvp,
		models.MatchTypeBot: bot,
	}, nil
}

func (s RewardSchedule) AmountFor(mt models.MatchType) (models.Amount, error) {
	a, ok := s[mt]
	if !ok {
		return models.Amount{}, fmt.Errorf("%w: %q", ErrUnknownMatchType, mt)
	}
	return a, nil
}
