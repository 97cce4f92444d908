// services/settlement_service.go
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type SettleStatus string

const (
	SettleCreated   SettleStatus = "created"
	SettleDuplicate SettleStatus = "duplicate"
	SettleNoWallet  SettleStatus = "no_wallet"
	SettleRejected  SettleStatus = "rejected" // bad input, nothing stored
	SettleFailed    SettleStatus = "failed"   // store unavailable before the reward was written
)

// SettleResult is what Settle reports instead of raising. Err is set for
// rejected and failed outcomes, and for a created reward whose optimistic
// balance update did not land (orphan repair will restore it).
type SettleResult struct {
	Status   SettleStatus  `json:"status"`
	RewardID string        `json:"reward_id,omitempty"`
	Amount   models.Amount `json:"amount"`
	Err      error         `json:"-"`
}

// WalletResolver finds the wallet a player's reward should go to.
type WalletResolver interface {
	ActiveWalletFor(ctx context.Context, playerID string) (string, bool, error)
}

type SettlementDeps struct {
	Rewards   *repository.RewardStore
	Balances  *repository.BalanceStore
	Failed    *repository.FailedAttemptStore
	Wallets   WalletResolver
	Schedule  RewardSchedule
	Submitter *Submitter
	Notifier  Notifier
	Metrics   *metrics.Recorder
	Log       *logger.Logger
	Workers   int // size of the submission pool
}

// SettlementService turns finished matches into rewards. The synchronous
// part writes the reward and the pending credit; ledger submission runs on a
// worker pool.
type SettlementService struct {
	rewards   *repository.RewardStore
	balances  *repository.BalanceStore
	failed    *repository.FailedAttemptStore
	wallets   WalletResolver
	schedule  RewardSchedule
	submitter *Submitter
	notifier  Notifier
	metrics   *metrics.Recorder
	log       *logger.Logger
	now       func() time.Time

	pool     *ants.Pool
	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func NewSettlementService(d SettlementDeps) (*SettlementService, error) {
	workers := d.Workers
	if workers <= 0 {
		workers = 8
	}
	// Settle must not wait for a free worker; overflow goes to the retry queue.
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SettlementService{
		rewards:   d.Rewards,
		balances:  d.Balances,
		failed:    d.Failed,
		wallets:   d.Wallets,
		schedule:  d.Schedule,
		submitter: d.Submitter,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		log:       d.Log.Named("settlement"),
		now:       time.Now,
		pool:      pool,
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

func validateOutcome(o *models.MatchOutcome) error {
	var problems []string
	if strings.TrimSpace(o.GameSessionID) == "" {
		problems = append(problems, "game_session_id is required")
	}
	if strings.TrimSpace(o.WinnerID) == "" {
		problems = append(problems, "winner_id is required")
	}
	mt, err := models.ParseMatchType(string(o.MatchType))
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		o.MatchType = mt
	}
	if len(problems) > 0 {
		return newError(KindFatal, "validate outcome", errors.Join(ErrInvalidOutcome, errors.New(strings.Join(problems, "; "))))
	}
	return nil
}

// Settle records the reward for a finished match and credits it as pending.
// It never returns an error to the caller; failures are reported in the
// result and, past the reward insert, converted into retriable state.
func (s *SettlementService) Settle(ctx context.Context, outcome models.MatchOutcome) SettleResult {
	log := s.log.With(zap.String("game_session_id", outcome.GameSessionID), zap.String("winner_id", outcome.WinnerID))

	if err := validateOutcome(&outcome); err != nil {
		s.metrics.Failed(Classify(err).String())
		log.With(zap.String("event", "settlement_failed")).Error("rejected outcome: %v", err)
		return SettleResult{Status: SettleRejected, Err: err}
	}

	exists, err := s.rewards.ExistsForSession(ctx, outcome.GameSessionID)
	if err != nil {
		return s.failBeforeInsert(log, "check session", err)
	}
	if exists {
		s.metrics.Skipped(string(SettleDuplicate))
		log.Info("session already rewarded, skipping")
		return SettleResult{Status: SettleDuplicate}
	}

	wallet := strings.ToLower(strings.TrimSpace(outcome.WalletAddress))
	if wallet == "" && s.wallets != nil {
		w, ok, err := s.wallets.ActiveWalletFor(ctx, outcome.WinnerID)
		if err != nil {
			return s.failBeforeInsert(log, "resolve wallet", err)
		}
		if ok {
			wallet = strings.ToLower(w)
		}
	}
	if wallet == "" {
		s.metrics.Skipped(string(SettleNoWallet))
		log.Info("winner has no wallet, no reward issued")
		return SettleResult{Status: SettleNoWallet}
	}

	amount, err := s.schedule.AmountFor(outcome.MatchType)
	if err != nil {
		s.metrics.Failed(Classify(err).String())
		log.With(zap.String("event", "settlement_failed")).Error("no reward amount: %v", err)
		return SettleResult{Status: SettleRejected, Err: err}
	}

	now := s.now()
	endedAt := outcome.EndedAt
	if endedAt.IsZero() {
		endedAt = now
	}
	reward := &models.RewardRecord{
		ID:            uuid.NewString(),
		GameSessionID: outcome.GameSessionID,
		WinnerID:      outcome.WinnerID,
		WinnerWallet:  wallet,
		MatchType:     outcome.MatchType,
		Amount:        amount,
		GameResult:    outcome.Result,
		GameEndTime:   endedAt,
		State:         models.RewardStateUncommitted,
	}
	if err := s.rewards.Create(ctx, reward); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.metrics.Skipped(string(SettleDuplicate))
			log.Info("lost the race for session, skipping")
			return SettleResult{Status: SettleDuplicate}
		}
		return s.failBeforeInsert(log, "create reward", err)
	}
	s.metrics.RewardCreated(string(reward.MatchType))
	log = log.With(zap.String("reward_id", reward.ID))
	log.With(zap.String("event", "reward_created"), zap.String("amount", amount.String())).Info("reward created")

	result := SettleResult{Status: SettleCreated, RewardID: reward.ID, Amount: amount}

	bal, _, err := s.balances.ApplyPending(ctx, reward.WinnerID, wallet, models.PendingEntry{
		Ref:       reward.PendingRef(),
		RewardID:  reward.ID,
		Amount:    amount,
		MatchType: reward.MatchType,
		Status:    models.PendingStatusUncommitted,
		CreatedAt: now,
	})
	if err != nil {
		result.Err = newError(Classify(err), "apply pending", err)
		s.metrics.Failed(Classify(err).String())
		log.With(zap.String("event", "settlement_failed")).Error("pending credit failed, left for repair: %v", err)
	} else {
		s.metrics.BalanceUpdated("pending")
		log.With(zap.String("event", "balance_updated"), zap.String("pending", bal.PendingAmount.String())).Info("pending credit applied")
		notifyAsync(s.notifier, s.log, balanceChangedFrom(bal, "reward_created", now))
	}

	s.handOff(reward)
	return result
}

func (s *SettlementService) failBeforeInsert(log *logger.Logger, op string, err error) SettleResult {
	err = newError(Classify(err), op, err)
	s.metrics.Failed(Classify(err).String())
	log.With(zap.String("event", "settlement_failed")).Error("%v", err)
	return SettleResult{Status: SettleFailed, Err: err}
}

// handOff submits the reward in the background.
func (s *SettlementService) handOff(reward *models.RewardRecord) {
	s.inflight.Add(1)
	task := func() {
		defer s.inflight.Done()
		if err := s.submitter.Submit(s.baseCtx, reward); err != nil {
			s.recordSubmissionFailure(reward, err)
		}
	}
	if err := s.pool.Submit(task); err != nil {
		s.inflight.Done()
		if errors.Is(err, ants.ErrPoolClosed) {
			err = ErrSettlementStopped
		}
		s.recordSubmissionFailure(reward, newError(KindTransient, "queue submission", err))
	}
}

func (s *SettlementService) recordSubmissionFailure(reward *models.RewardRecord, err error) {
	kind := Classify(err)
	s.metrics.Failed(kind.String())
	log := s.log.With(
		zap.String("event", "settlement_failed"),
		zap.String("reward_id", reward.ID),
		zap.String("error_kind", kind.String()),
	)
	log.Error("submission failed: %v", err)

	session := reward.GameSessionID
	fa := &models.FailedAttempt{
		PlayerID:      reward.WinnerID,
		Wallet:        reward.WinnerWallet,
		Kind:          models.FailedKindSubmission,
		Amount:        reward.Amount,
		GameSessionID: &session,
		Error:         err.Error(),
		ErrorKind:     kind.String(),
	}
	if txRef, ok := unrecordedTx(err); ok {
		fa.TransactionRef = &txRef
	}
	// the shutdown context may already be cancelled; the audit row must still land
	if rerr := s.failed.Record(context.WithoutCancel(s.baseCtx), fa); rerr != nil {
		log.Error("could not record failed attempt, orphan repair will pick it up: %v", rerr)
	}
}

// Drain waits for every in-flight submission to finish.
func (s *SettlementService) Drain() {
	s.inflight.Wait()
}

// Close cancels running submissions, waits for them and releases the pool.
func (s *SettlementService) Close() {
	s.cancel()
	s.inflight.Wait()
	s.pool.Release()
}
