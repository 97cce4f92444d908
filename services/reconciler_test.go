package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"game-reward-ledger/models"

	"github.com/stretchr/testify/require"
)

func settledTx(t *testing.T, h *harness, session, player, wallet string, mt models.MatchType) (string, SettleResult) {
	t.Helper()
	res := h.settleAndWait(t, outcome(session, player, wallet, mt))
	require.Equal(t, SettleCreated, res.Status)
	reward, err := h.rewards.FindByID(context.Background(), res.RewardID)
	require.NoError(t, err)
	require.NotNil(t, reward.TransactionRef)
	return *reward.TransactionRef, res
}

func TestLedgerEventPromotesPending(t *testing.T) {
	h := newHarness(t)
	tx, res := settledTx(t, h, "g1", "u1", "0xabc", models.MatchTypePvP)

	ctx := context.Background()
	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent(tx, "0xABC", pvpReward, 100, 0, "g1")))

	v := h.balance(t, "u1")
	require.Equal(t, "0", v.Pending.String())
	require.Equal(t, "10000000000000000000", v.Confirmed.String())
	require.Equal(t, "10000000000000000000", v.Total.String())
	require.Equal(t, 0, v.PendingCount)
	require.Equal(t, int64(100), v.LastSyncedBlock)

	reward, err := h.rewards.FindByID(ctx, res.RewardID)
	require.NoError(t, err)
	require.True(t, reward.Confirmed)
	require.Equal(t, models.RewardStateConfirmed, reward.State)
	require.Equal(t, int64(100), *reward.BlockHeight)

	rec, err := h.events.FindByKey(ctx, testContract, tx, 0)
	require.NoError(t, err)
	require.True(t, rec.Processed)

	bal, err := h.balances.FindByPlayer(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, models.PendingStatusConfirmed, bal.PendingEntries[0].Status)
	require.Equal(t, int64(100), *bal.PendingEntries[0].BlockHeight)
}

func TestDuplicateLedgerEventAppliesOnce(t *testing.T) {
	h := newHarness(t)
	tx, _ := settledTx(t, h, "g1", "u1", "0xabc", models.MatchTypePvP)
	ev := mintEvent(tx, "0xabc", pvpReward, 100, 0, "g1")

	ctx := context.Background()
	require.NoError(t, h.reconciler.HandleEvent(ctx, ev))
	require.NoError(t, h.reconciler.HandleEvent(ctx, ev))
	// tx refs compare case-insensitively
	ev.TxRef = strings.ToUpper(ev.TxRef)
	require.NoError(t, h.reconciler.HandleEvent(ctx, ev))

	v := h.balance(t, "u1")
	require.Equal(t, pvpReward.String(), v.Confirmed.String())
	require.Equal(t, "0", v.Pending.String())

	var count int64
	require.NoError(t, h.db.Model(&models.LedgerEventRecord{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestRoundTripRestoresPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _ := settledTx(t, h, "g1", "u1", "0xabc", models.MatchTypeBot)
	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent(first, "0xabc", botReward, 10, 0, "g1")))
	before := h.balance(t, "u1")

	second, _ := settledTx(t, h, "g2", "u1", "0xabc", models.MatchTypePvP)
	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent(second, "0xabc", pvpReward, 11, 0, "g2")))
	after := h.balance(t, "u1")

	require.Equal(t, before.Pending.String(), after.Pending.String())
	require.Equal(t, before.Confirmed.Add(pvpReward).String(), after.Confirmed.String())
}

func TestEventBeforeRefRewriteMatchesPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.settleAndWait(t, outcome("g1", "u1", "0xabc", models.MatchTypePvP))

	// put the entry back to the placeholder, as if the rewrite had not landed yet
	bal, err := h.balances.FindByPlayer(ctx, "u1")
	require.NoError(t, err)
	bal.PendingEntries[0].Ref = models.PlaceholderRef(res.RewardID)
	require.NoError(t, h.db.Model(bal).Update("pending_entries", bal.PendingEntries).Error)

	reward, err := h.rewards.FindByID(ctx, res.RewardID)
	require.NoError(t, err)
	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent(*reward.TransactionRef, "0xabc", pvpReward, 5, 1, "g1")))

	v := h.balance(t, "u1")
	require.Equal(t, "0", v.Pending.String())
	require.Equal(t, pvpReward.String(), v.Confirmed.String())
}

func TestEventMatchedBySessionWhenTxNotRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.FailSubmit(1)
	res := h.settleAndWait(t, outcome("g1", "u1", "0xabc", models.MatchTypePvP))

	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent("0x0123", "0xabc", pvpReward, 7, 0, "g1")))

	reward, err := h.rewards.FindByID(ctx, res.RewardID)
	require.NoError(t, err)
	require.True(t, reward.Confirmed)
	require.Equal(t, "0x0123", *reward.TransactionRef)

	v := h.balance(t, "u1")
	require.Equal(t, "0", v.Pending.String())
	require.Equal(t, pvpReward.String(), v.Confirmed.String())
}

func TestEventForUnknownWalletCreatesBalance(t *testing.T) {
	h := newHarness(t)
	amount := models.MustParseAmount("7000000000000000000")

	require.NoError(t, h.reconciler.HandleEvent(context.Background(), mintEvent("0xbeef", "0xNEW", amount, 42, 3, "")))

	bal, err := h.balances.FindByWallet(context.Background(), "0xnew")
	require.NoError(t, err)
	require.Equal(t, "0xnew", bal.PlayerID)
	require.Equal(t, amount.String(), bal.ConfirmedAmount.String())
	require.Equal(t, "0", bal.PendingAmount.String())
	require.Equal(t, int64(42), bal.LastSyncedBlock)
}

func TestEventForMirroredWalletUsesPlayerID(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	require.NoError(t, h.wallets.Upsert(context.Background(), []models.WalletMirror{{
		ID: "w1", UserID: "u9", Chain: "base", Token: "COIN", Address: "0xAAA", IsActive: true,
		LastBalanceCheckAt: now, CreatedAt: now, UpdatedAt: now,
	}}))

	require.NoError(t, h.reconciler.HandleEvent(context.Background(), mintEvent("0xbeef", "0xaaa", botReward, 1, 0, "")))

	v := h.balance(t, "u9")
	require.Equal(t, botReward.String(), v.Confirmed.String())
}

func TestEventWithoutPendingEntryCreditsDirectly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, _ := settledTx(t, h, "g1", "u1", "0xabc", models.MatchTypePvP)

	// a mint that bypassed settlement for the same wallet
	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent("0xother", "0xabc", botReward, 3, 0, "")))
	v := h.balance(t, "u1")
	require.Equal(t, pvpReward.String(), v.Pending.String())
	require.Equal(t, botReward.String(), v.Confirmed.String())

	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent(tx, "0xabc", pvpReward, 4, 0, "g1")))
	v = h.balance(t, "u1")
	require.Equal(t, "0", v.Pending.String())
	require.Equal(t, botReward.Add(pvpReward).String(), v.Confirmed.String())
}

// flakyResolver fails for one wallet until healed.
type flakyResolver struct {
	inner  PlayerResolver
	bad    string
	healed atomic.Bool
}

func (f *flakyResolver) PlayerForWallet(ctx context.Context, address string) (string, bool, error) {
	if strings.EqualFold(address, f.bad) && !f.healed.Load() {
		return "", false, errors.New("wallet directory unavailable")
	}
	return f.inner.PlayerForWallet(ctx, address)
}

func TestBadEventDoesNotBlockStream(t *testing.T) {
	h := newHarness(t)
	resolver := &flakyResolver{inner: h.wallets, bad: "0xbad"}
	h.reconciler.Players = resolver

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.reconciler.Run(ctx)
	}()

	h.gw.Emit(mintEvent("0x01", "0xbad", botReward, 5, 0, ""))
	h.gw.Emit(mintEvent("0x02", "0xgood", pvpReward, 6, 0, ""))

	require.Eventually(t, func() bool {
		return h.balance(t, "0xgood").Confirmed.Equal(pvpReward)
	}, 3*time.Second, 10*time.Millisecond)

	bad, err := h.events.FindByKey(context.Background(), testContract, "0x01", 0)
	require.NoError(t, err)
	require.False(t, bad.Processed)

	rows := h.attempts(t)
	require.Len(t, rows, 1)
	require.Equal(t, models.FailedKindReconciliation, rows[0].Kind)
	require.Equal(t, bad.ID, *rows[0].EventRecordID)

	cancel()
	<-done

	// once the dependency recovers the supervisor replays the event
	resolver.healed.Store(true)
	report, err := h.supervisor.DrainFailed(context.Background(), DrainOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Resolved)

	bad, err = h.events.FindByID(context.Background(), bad.ID)
	require.NoError(t, err)
	require.True(t, bad.Processed)
	require.Equal(t, botReward.String(), h.balance(t, "0xbad").Confirmed.String())
}

func TestRunResubscribesAfterBrokenStream(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.reconciler.Run(ctx)
	}()

	h.gw.Emit(mintEvent("0x01", "0xaaa", botReward, 5, 0, ""))
	require.Eventually(t, func() bool { return h.gw.Subscribers() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.balance(t, "0xaaa").Confirmed.Equal(botReward)
	}, 3*time.Second, 10*time.Millisecond)

	h.gw.Break(errors.New("connection reset"))
	h.gw.Emit(mintEvent("0x02", "0xaaa", botReward, 6, 0, ""))

	require.Eventually(t, func() bool {
		return h.balance(t, "0xaaa").Confirmed.Equal(botReward.Add(botReward))
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	// the first event was redelivered on resubscribe and deduplicated
	require.Equal(t, botReward.Add(botReward).String(), h.balance(t, "0xaaa").Confirmed.String())
}

func TestUnrecordedEventIsReadAgain(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Exec(`CREATE TRIGGER reject_event BEFORE INSERT ON ledger_event_records
WHEN NEW.transaction_ref = '0x10' BEGIN SELECT RAISE(ABORT, 'event log unavailable'); END`).Error)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.reconciler.Run(ctx)
	}()

	h.gw.Emit(mintEvent("0x10", "0xaaa", botReward, 10, 0, ""))
	h.gw.Emit(mintEvent("0x11", "0xaaa", botReward, 11, 0, ""))

	// the stream holds at the event it could not record
	require.Never(t, func() bool {
		_, err := h.events.FindByKey(context.Background(), testContract, "0x11", 0)
		return err == nil
	}, 300*time.Millisecond, 20*time.Millisecond)
	from, err := h.reconciler.resumeBlock(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, from, int64(10))

	require.NoError(t, h.db.Exec("DROP TRIGGER reject_event").Error)
	require.Eventually(t, func() bool {
		return h.balance(t, "0xaaa").Confirmed.Equal(botReward.Add(botReward))
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.Empty(t, h.attempts(t))
}

func TestReplayDoesNotDoubleCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, _ := settledTx(t, h, "g1", "u1", "0xabc", models.MatchTypePvP)
	require.NoError(t, h.reconciler.HandleEvent(ctx, mintEvent(tx, "0xabc", pvpReward, 9, 0, "g1")))

	// simulate a crash between promotion and the processed flag
	rec, err := h.events.FindByKey(ctx, testContract, tx, 0)
	require.NoError(t, err)
	require.NoError(t, h.db.Model(rec).Update("processed", false).Error)

	require.NoError(t, h.reconciler.Replay(ctx, rec.ID))

	v := h.balance(t, "u1")
	require.Equal(t, pvpReward.String(), v.Confirmed.String())
	require.Equal(t, "0", v.Pending.String())

	rec, err = h.events.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, rec.Processed)
}

func TestReplayFinishesRecordedEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, _ := settledTx(t, h, "g1", "u1", "0xabc", models.MatchTypePvP)

	rec := &models.LedgerEventRecord{
		ContractAddress: testContract,
		TransactionRef:  tx,
		EventName:       "RewardMinted",
		BlockHeight:     12,
		Wallet:          "0xabc",
		Amount:          pvpReward,
	}
	require.NoError(t, h.events.Insert(ctx, rec))
	require.NoError(t, h.reconciler.Replay(ctx, rec.ID))

	v := h.balance(t, "u1")
	require.Equal(t, pvpReward.String(), v.Confirmed.String())
	require.Equal(t, "0", v.Pending.String())

	err := h.reconciler.Replay(ctx, 9999)
	require.ErrorIs(t, err, ErrNothingToReplay)
	require.Equal(t, KindFatal, Classify(err))
}
