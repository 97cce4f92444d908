// services/submitter.go
package services

import (
	"context"
	"strings"
	"time"

	"game-reward-ledger/ledger"
	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"

	"go.uber.org/zap"
)

// Submitter performs the ledger half of a settlement: estimate, submit,
// then record the transaction reference locally.
type Submitter struct {
	Gateway  ledger.Gateway
	Rewards  *repository.RewardStore
	Balances *repository.BalanceStore
	Method   string
	Metrics  *metrics.Recorder
	Log      *logger.Logger
	Now      func() time.Time
}

func NewSubmitter(gw ledger.Gateway, rewards *repository.RewardStore, balances *repository.BalanceStore, method string, rec *metrics.Recorder, log *logger.Logger) *Submitter {
	return &Submitter{
		Gateway:  gw,
		Rewards:  rewards,
		Balances: balances,
		Method:   method,
		Metrics:  rec,
		Log:      log.Named("submitter"),
		Now:      time.Now,
	}
}

// Submit mints r on the ledger. A reward that already carries a transaction
// reference is never sent again; only the local ref rewrite is redone.
func (s *Submitter) Submit(ctx context.Context, r *models.RewardRecord) error {
	log := s.Log.With(zap.String("reward_id", r.ID), zap.String("game_session_id", r.GameSessionID))

	if r.TransactionRef != nil && *r.TransactionRef != "" {
		log.Debug("reward already submitted as %s, skipping ledger call", *r.TransactionRef)
		return s.rewrite(ctx, r, *r.TransactionRef, log)
	}

	args := []interface{}{r.WinnerWallet, r.Amount, r.GameSessionID}

	started := s.Now()
	fee, err := s.Gateway.EstimateFee(ctx, s.Method, args...)
	if err != nil {
		return newError(KindTransient, "estimate fee", err)
	}
	rcpt, err := s.Gateway.Submit(ctx, s.Method, fee, args...)
	if err != nil {
		return newError(KindTransient, "submit reward", err)
	}
	s.Metrics.ObserveSubmit(s.Now().Sub(started).Seconds())

	txRef := strings.ToLower(rcpt.TxRef)
	if err := s.record(ctx, r, txRef, log); err != nil {
		return err
	}
	log.With(zap.String("tx", txRef), zap.String("fee", fee.Total.String())).Info("reward submitted")
	return s.rewrite(ctx, r, txRef, log)
}

// Resume finishes a submission the ledger already accepted as txRef but the
// reward row never recorded. Nothing is sent to the ledger.
func (s *Submitter) Resume(ctx context.Context, r *models.RewardRecord, txRef string) error {
	if r.TransactionRef != nil && *r.TransactionRef != "" {
		return s.Submit(ctx, r)
	}
	txRef = strings.ToLower(txRef)
	log := s.Log.With(zap.String("reward_id", r.ID), zap.String("game_session_id", r.GameSessionID), zap.String("tx", txRef))
	if err := s.record(ctx, r, txRef, log); err != nil {
		return err
	}
	log.Info("recorded earlier submission")
	return s.rewrite(ctx, r, txRef, log)
}

// record binds txRef to the reward row. On failure the ref travels in the
// error so the caller can keep it for the retry.
func (s *Submitter) record(ctx context.Context, r *models.RewardRecord, txRef string, log *logger.Logger) error {
	if err := s.Rewards.MarkSubmitted(ctx, r.ID, txRef, s.Now()); err != nil {
		log.Error("tx %s sent but not recorded: %v", txRef, err)
		return newError(KindTransient, "record tx", &UnrecordedTxError{TxRef: txRef, Err: err})
	}
	r.TransactionRef = &txRef
	if r.State == models.RewardStateUncommitted {
		r.State = models.RewardStateSubmitted
	}
	return nil
}

func (s *Submitter) rewrite(ctx context.Context, r *models.RewardRecord, txRef string, log *logger.Logger) error {
	found, err := s.Balances.RewriteRef(ctx, r.WinnerID, r.ID, txRef)
	if err != nil {
		return newError(KindTransient, "rewrite pending ref", err)
	}
	if !found {
		log.Warn("no pending entry to rewrite for tx %s", txRef)
	}
	return nil
}
