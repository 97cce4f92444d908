// services/repair_service.go
package services

import (
	"context"
	"errors"
	"time"

	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"

	"go.uber.org/zap"
)

const repairBatch = 200

type RepairReport struct {
	Scanned  int `json:"scanned"`
	Restored int `json:"restored"` // pending entries re-applied
	Enqueued int `json:"enqueued"` // submission attempts queued for the supervisor
	Errors   int `json:"errors"`
}

// RepairService finds rewards whose settlement stopped half way: a reward row
// with no pending entry, or one that never reached the ledger and has nothing
// queued to retry it.
type RepairService struct {
	Rewards  *repository.RewardStore
	Balances *repository.BalanceStore
	Failed   *repository.FailedAttemptStore
	Metrics  *metrics.Recorder
	Log      *logger.Logger
	Now      func() time.Time
}

func NewRepairService(rewards *repository.RewardStore, balances *repository.BalanceStore, failed *repository.FailedAttemptStore, rec *metrics.Recorder, log *logger.Logger) *RepairService {
	return &RepairService{
		Rewards:  rewards,
		Balances: balances,
		Failed:   failed,
		Metrics:  rec,
		Log:      log.Named("repair"),
		Now:      time.Now,
	}
}

// RepairOrphans only looks at rewards older than grace so in-flight
// settlements are left alone.
func (s *RepairService) RepairOrphans(ctx context.Context, grace time.Duration) (RepairReport, error) {
	var report RepairReport
	rewards, err := s.Rewards.ListUnsettledBefore(ctx, s.Now().Add(-grace), repairBatch)
	if err != nil {
		return report, err
	}
	report.Scanned = len(rewards)

	for i := range rewards {
		r := &rewards[i]
		log := s.Log.With(zap.String("reward_id", r.ID), zap.String("game_session_id", r.GameSessionID))

		restored, err := s.restoreEntry(ctx, r)
		if err != nil {
			report.Errors++
			log.Error("restore pending entry: %v", err)
			continue
		}
		if restored {
			report.Restored++
			s.Metrics.Repaired()
			s.Metrics.BalanceUpdated("pending")
			log.With(zap.String("event", "balance_updated")).Warn("restored missing pending entry")
		}

		if r.TransactionRef != nil {
			continue
		}
		open, err := s.Failed.HasOpen(ctx, models.FailedKindSubmission, r.GameSessionID)
		if err != nil {
			report.Errors++
			log.Error("check open attempts: %v", err)
			continue
		}
		if open {
			continue
		}
		session := r.GameSessionID
		fa := &models.FailedAttempt{
			PlayerID:      r.WinnerID,
			Wallet:        r.WinnerWallet,
			Kind:          models.FailedKindSubmission,
			Amount:        r.Amount,
			GameSessionID: &session,
			Error:         "reward never submitted to the ledger",
			ErrorKind:     KindInconsistency.String(),
		}
		// an earlier attempt may have minted without the reward row noticing
		txRef, minted, err := s.Failed.SubmittedRef(ctx, session)
		if err != nil {
			report.Errors++
			log.Error("look up earlier submission: %v", err)
			continue
		}
		if minted {
			fa.TransactionRef = &txRef
			fa.Error = "ledger tx " + txRef + " never recorded on the reward"
		}
		err = s.Failed.Record(ctx, fa)
		if err != nil {
			report.Errors++
			log.Error("enqueue submission: %v", err)
			continue
		}
		report.Enqueued++
		log.Warn("queued unsubmitted reward for retry")
	}

	if report.Restored > 0 || report.Enqueued > 0 || report.Errors > 0 {
		s.Log.Info("orphan repair: scanned=%d restored=%d enqueued=%d errors=%d",
			report.Scanned, report.Restored, report.Enqueued, report.Errors)
	}
	return report, nil
}

func (s *RepairService) restoreEntry(ctx context.Context, r *models.RewardRecord) (bool, error) {
	bal, err := s.Balances.FindByPlayer(ctx, r.WinnerID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	if bal != nil && bal.EntryIndex(func(e models.PendingEntry) bool { return e.RewardID == r.ID }) >= 0 {
		return false, nil
	}

	entry := models.PendingEntry{
		Ref:       r.PendingRef(),
		RewardID:  r.ID,
		Amount:    r.Amount,
		MatchType: r.MatchType,
		Status:    models.PendingStatusUncommitted,
		CreatedAt: r.CreatedAt,
	}
	if r.TransactionRef != nil {
		entry.Ref = *r.TransactionRef
		entry.Status = models.PendingStatusSubmitted
	}
	_, applied, err := s.Balances.ApplyPending(ctx, r.WinnerID, r.WinnerWallet, entry)
	return applied, err
}
