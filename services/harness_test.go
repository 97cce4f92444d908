package services

import (
	"context"
	"testing"
	"time"

	"game-reward-ledger/config"
	"game-reward-ledger/ledger"
	"game-reward-ledger/ledger/ledgertest"
	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"
	"game-reward-ledger/repository/repotest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testContract = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

var (
	pvpReward = models.MustParseAmount("10000000000000000000")
	botReward = models.MustParseAmount("5000000000000000000")
)

type harness struct {
	db       *gorm.DB
	gw       *ledgertest.Gateway
	rewards  *repository.RewardStore
	balances *repository.BalanceStore
	events   *repository.EventLogStore
	failed   *repository.FailedAttemptStore
	wallets  *repository.WalletStore

	submitter  *Submitter
	settlement *SettlementService
	reconciler *Reconciler
	supervisor *RetrySupervisor
	repair     *RepairService
	queries    *BalanceService
	broadcast  *Broadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := repotest.Open(t)
	log := logger.NewNop()
	rec := metrics.New(prometheus.NewRegistry())

	h := &harness{
		db:        db,
		gw:        ledgertest.New(),
		rewards:   repository.NewRewardStore(db),
		balances:  repository.NewBalanceStore(db),
		events:    repository.NewEventLogStore(db),
		failed:    repository.NewFailedAttemptStore(db),
		wallets:   repository.NewWalletStore(db),
		broadcast: NewBroadcaster(),
	}

	schedule, err := NewRewardSchedule(config.RewardsConfig{
		PvP: pvpReward.String(),
		Bot: botReward.String(),
	})
	require.NoError(t, err)

	h.submitter = NewSubmitter(h.gw, h.rewards, h.balances, "rewardPlayer", rec, log)
	h.settlement, err = NewSettlementService(SettlementDeps{
		Rewards:   h.rewards,
		Balances:  h.balances,
		Failed:    h.failed,
		Wallets:   h.wallets,
		Schedule:  schedule,
		Submitter: h.submitter,
		Notifier:  h.broadcast,
		Metrics:   rec,
		Log:       log,
		Workers:   4,
	})
	require.NoError(t, err)
	t.Cleanup(h.settlement.Close)

	h.reconciler = NewReconciler(ReconcilerDeps{
		Gateway:    h.gw,
		Events:     h.events,
		Balances:   h.balances,
		Rewards:    h.rewards,
		Failed:     h.failed,
		Players:    h.wallets,
		Notifier:   h.broadcast,
		Metrics:    rec,
		Log:        log,
		Contract:   testContract,
		EventName:  "RewardMinted",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})

	h.supervisor, err = NewRetrySupervisor(RetryDeps{
		Failed:     h.failed,
		Rewards:    h.rewards,
		Balances:   h.balances,
		Submitter:  h.submitter,
		Reconciler: h.reconciler,
		Metrics:    rec,
		Log:        log,
		Workers:    2,
		Defaults:   DrainOptions{MaxBatch: 50, MaxAge: 24 * time.Hour, MaxAttempts: 3},
	})
	require.NoError(t, err)
	t.Cleanup(h.supervisor.Close)

	h.repair = NewRepairService(h.rewards, h.balances, h.failed, rec, log)
	h.queries = NewBalanceService(h.balances, h.rewards, h.gw)
	return h
}

func outcome(session, winner, wallet string, mt models.MatchType) models.MatchOutcome {
	return models.MatchOutcome{
		GameSessionID: session,
		WinnerID:      winner,
		WalletAddress: wallet,
		MatchType:     mt,
		Result:        "win",
		EndedAt:       time.Now(),
	}
}

// settleAndWait runs Settle and waits for the background submission.
func (h *harness) settleAndWait(t *testing.T, o models.MatchOutcome) SettleResult {
	t.Helper()
	res := h.settlement.Settle(context.Background(), o)
	h.settlement.Drain()
	return res
}

func mintEvent(txRef, wallet string, amount models.Amount, block int64, logIndex uint, session string) ledger.Event {
	return ledger.Event{
		Name:        "RewardMinted",
		Contract:    testContract,
		TxRef:       txRef,
		BlockHeight: block,
		LogIndex:    logIndex,
		Player:      wallet,
		Amount:      amount,
		Args:        map[string]string{"player": wallet, "amount": amount.String(), "gameSessionId": session},
	}
}

func (h *harness) balance(t *testing.T, player string) BalanceView {
	t.Helper()
	v, err := h.queries.GetBalance(context.Background(), player)
	require.NoError(t, err)
	return v
}

func (h *harness) attempts(t *testing.T) []models.FailedAttempt {
	t.Helper()
	out, err := h.failed.List(context.Background(), "", 0)
	require.NoError(t, err)
	return out
}
