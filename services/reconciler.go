// services/reconciler.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"game-reward-ledger/ledger"
	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"

	"go.uber.org/zap"
)

const (
	pathLive   = "live"
	pathReplay = "replay"

	replayBatch = 100
)

// PlayerResolver maps a wallet back to the player that owns it.
type PlayerResolver interface {
	PlayerForWallet(ctx context.Context, address string) (string, bool, error)
}

type ReconcilerDeps struct {
	Gateway    ledger.Gateway
	Events     *repository.EventLogStore
	Balances   *repository.BalanceStore
	Rewards    *repository.RewardStore
	Failed     *repository.FailedAttemptStore
	Players    PlayerResolver
	Notifier   Notifier
	Metrics    *metrics.Recorder
	Log        *logger.Logger
	Contract   string
	EventName  string
	StartBlock int64
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Reconciler is the single consumer of the ledger event stream. It promotes
// pending credits to confirmed as the ledger attests them.
type Reconciler struct {
	ReconcilerDeps
	log *logger.Logger
	now func() time.Time
}

func NewReconciler(d ReconcilerDeps) *Reconciler {
	if d.MinBackoff <= 0 {
		d.MinBackoff = time.Second
	}
	if d.MaxBackoff < d.MinBackoff {
		d.MaxBackoff = time.Minute
	}
	return &Reconciler{ReconcilerDeps: d, log: d.Log.Named("reconciler"), now: time.Now}
}

// Run subscribes and consumes until ctx ends. A broken subscription is
// reopened from the last synced block after a backoff; the dedup log makes the
// overlap harmless.
func (r *Reconciler) Run(ctx context.Context) error {
	backoff := r.MinBackoff
	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			r.log.Info("reconciler stopped")
			return ctx.Err()
		}
		r.log.Warn("event subscription ended: %v; resubscribing in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) error {
	from, err := r.resumeBlock(ctx)
	if err != nil {
		return err
	}
	sub, err := r.Gateway.Subscribe(ctx, r.EventName, from)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	r.log.Info("subscribed to %s from block %d", r.EventName, from)

	r.replayUnprocessed(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case err := <-sub.Err():
					return err
				default:
					return ledger.ErrSubscriptionClosed
				}
			}
			key := models.EventKey(r.contractOf(ev), ev.TxRef, ev.LogIndex)
			rec, err := r.record(ctx, ev)
			if err != nil {
				// Nothing durable holds this event yet. Resubscribing from the
				// checkpoint re-reads its block.
				r.log.Error("event %s not recorded: %v", key, err)
				return err
			}
			if rec == nil {
				continue
			}
			// recorded events that fail to apply are retried from the failed attempt log
			if err := r.apply(ctx, rec, pathLive, true); err != nil {
				r.log.Error("event %s left unprocessed: %v", key, err)
			}
		}
	}
}

// resumeBlock is the highest block we know about; events in it are re-read
// and deduplicated.
func (r *Reconciler) resumeBlock(ctx context.Context) (int64, error) {
	from := r.StartBlock
	maxEvent, err := r.Events.MaxBlock(ctx)
	if err != nil {
		return 0, err
	}
	maxSynced, err := r.Balances.MaxSyncedBlock(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range []int64{maxEvent, maxSynced} {
		if b > from {
			from = b
		}
	}
	return from, nil
}

// replayUnprocessed finishes events recorded before a crash.
func (r *Reconciler) replayUnprocessed(ctx context.Context) {
	recs, err := r.Events.ListUnprocessed(ctx, replayBatch)
	if err != nil {
		r.log.Error("list unprocessed events: %v", err)
		return
	}
	for i := range recs {
		if err := r.apply(ctx, &recs[i], pathReplay, false); err != nil {
			r.log.Warn("replay of event %s failed: %v", recs[i].Key(), err)
		}
	}
}

func (r *Reconciler) contractOf(ev ledger.Event) string {
	if ev.Contract != "" {
		return ev.Contract
	}
	return r.Contract
}

// HandleEvent applies one ledger event exactly once.
func (r *Reconciler) HandleEvent(ctx context.Context, ev ledger.Event) error {
	rec, err := r.record(ctx, ev)
	if err != nil || rec == nil {
		return err
	}
	return r.apply(ctx, rec, pathLive, true)
}

// record writes ev to the dedup log. It returns nil, nil for an event seen
// before.
func (r *Reconciler) record(ctx context.Context, ev ledger.Event) (*models.LedgerEventRecord, error) {
	contract := r.contractOf(ev)
	exists, err := r.Events.Exists(ctx, contract, ev.TxRef, ev.LogIndex)
	if err != nil {
		return nil, newError(KindTransient, "dedup lookup", err)
	}
	if exists {
		r.log.Debug("duplicate event %s ignored", models.EventKey(contract, ev.TxRef, ev.LogIndex))
		return nil, nil
	}

	args, err := json.Marshal(ev.Args)
	if err != nil {
		return nil, newError(KindFatal, "encode event args", err)
	}
	rec := &models.LedgerEventRecord{
		ContractAddress: contract,
		TransactionRef:  ev.TxRef,
		LogIndex:        ev.LogIndex,
		EventName:       ev.Name,
		BlockHeight:     ev.BlockHeight,
		Wallet:          ev.Player,
		Amount:          ev.Amount,
		Args:            args,
	}
	if rec.EventName == "" {
		rec.EventName = r.EventName
	}
	if err := r.Events.Insert(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, nil
		}
		return nil, newError(KindTransient, "record event", err)
	}
	return rec, nil
}

// Replay finishes a recorded event that was never marked processed.
func (r *Reconciler) Replay(ctx context.Context, eventRecordID uint) error {
	rec, err := r.Events.FindByID(ctx, eventRecordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(KindFatal, "load event", ErrNothingToReplay)
		}
		return newError(KindTransient, "load event", err)
	}
	if rec.Processed {
		return nil
	}
	return r.apply(ctx, rec, pathReplay, false)
}

// rewardFor finds the reward an event confirms: by transaction ref first, then
// by the game session id the contract echoes back.
func (r *Reconciler) rewardFor(ctx context.Context, rec *models.LedgerEventRecord) (*models.RewardRecord, error) {
	reward, err := r.Rewards.FindByTxRef(ctx, rec.TransactionRef)
	if err == nil {
		return reward, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	session := sessionArg(rec)
	if session == "" {
		return nil, nil
	}
	reward, err = r.Rewards.FindBySession(ctx, session)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// a reward already bound to another tx is not ours to confirm
	if reward.TransactionRef != nil && !strings.EqualFold(*reward.TransactionRef, rec.TransactionRef) {
		return nil, nil
	}
	return reward, nil
}

func sessionArg(rec *models.LedgerEventRecord) string {
	if len(rec.Args) == 0 {
		return ""
	}
	var args map[string]string
	if err := json.Unmarshal(rec.Args, &args); err != nil {
		return ""
	}
	return args["gameSessionId"]
}

func (r *Reconciler) apply(ctx context.Context, rec *models.LedgerEventRecord, path string, recordFailure bool) error {
	log := r.log.With(
		zap.String("tx", rec.TransactionRef),
		zap.Uint("log_index", rec.LogIndex),
		zap.Int64("block", rec.BlockHeight),
		zap.String("wallet", rec.Wallet),
	)

	err := r.promote(ctx, rec, path, log)
	if err == nil {
		return nil
	}
	kind := Classify(err)
	r.Metrics.Failed(kind.String())
	log.With(zap.String("event", "settlement_failed"), zap.String("error_kind", kind.String())).
		Error("reconciliation failed: %v", err)

	if recordFailure {
		id := rec.ID
		fa := &models.FailedAttempt{
			Wallet:        rec.Wallet,
			Kind:          models.FailedKindReconciliation,
			Amount:        rec.Amount,
			EventRecordID: &id,
			Error:         err.Error(),
			ErrorKind:     kind.String(),
		}
		if session := sessionArg(rec); session != "" {
			fa.GameSessionID = &session
		}
		if rerr := r.Failed.Record(context.WithoutCancel(ctx), fa); rerr != nil {
			log.Error("could not record failed reconciliation: %v", rerr)
		}
	}
	return err
}

func (r *Reconciler) promote(ctx context.Context, rec *models.LedgerEventRecord, path string, log *logger.Logger) error {
	now := r.now()

	reward, err := r.rewardFor(ctx, rec)
	if err != nil {
		return newError(KindTransient, "find reward", err)
	}

	refs := []string{rec.TransactionRef}
	playerID := ""
	if reward != nil {
		refs = append(refs, reward.PendingRef())
		playerID = reward.WinnerID
	} else if r.Players != nil {
		pid, ok, err := r.Players.PlayerForWallet(ctx, rec.Wallet)
		if err != nil {
			return newError(KindTransient, "resolve player", err)
		}
		if ok {
			playerID = pid
		}
	}
	if playerID == "" {
		playerID = rec.Wallet
	}

	if path == pathReplay {
		done, err := r.alreadyPromoted(ctx, rec.Wallet, refs)
		if err != nil {
			return newError(KindTransient, "check promotion", err)
		}
		if done {
			log.Info("event already promoted before restart, finishing bookkeeping")
			return r.finish(ctx, rec, reward, now)
		}
	}

	res, err := r.Balances.Promote(ctx, rec.Wallet, playerID, refs, rec.Amount, rec.BlockHeight)
	if err != nil {
		return newError(Classify(err), "promote balance", err)
	}
	kind := "promoted"
	if !res.Matched {
		kind = "direct_credit"
		log.With(zap.String("error_kind", KindInconsistency.String())).
			Warn("no pending entry for event, credited %s directly to %s", rec.Amount, res.Balance.PlayerID)
	}
	r.Metrics.BalanceUpdated(kind)
	log.With(zap.String("event", "balance_updated"), zap.String("kind", kind)).
		Info("confirmed %s for %s", rec.Amount, res.Balance.PlayerID)

	if err := r.finish(ctx, rec, reward, now); err != nil {
		return err
	}
	r.Metrics.Confirmed(path, res.Balance.LastSyncedBlock)
	notifyAsync(r.Notifier, r.log, balanceChangedFrom(res.Balance, "reward_"+kind, now))
	return nil
}

// finish marks the reward confirmed and the event processed.
func (r *Reconciler) finish(ctx context.Context, rec *models.LedgerEventRecord, reward *models.RewardRecord, now time.Time) error {
	if reward != nil {
		if reward.TransactionRef == nil {
			if err := r.Rewards.MarkSubmitted(ctx, reward.ID, rec.TransactionRef, now); err != nil {
				return newError(KindTransient, "bind reward tx", err)
			}
		}
		if _, err := r.Rewards.MarkConfirmed(ctx, rec.TransactionRef, rec.BlockHeight, now); err != nil {
			return newError(KindTransient, "confirm reward", err)
		}
		r.log.With(zap.String("event", "reward_confirmed"), zap.String("reward_id", reward.ID)).
			Info("reward confirmed at block %d", rec.BlockHeight)
	}
	if err := r.Events.MarkProcessed(ctx, rec.ID, now); err != nil {
		return newError(KindTransient, "mark processed", err)
	}
	return nil
}

func (r *Reconciler) alreadyPromoted(ctx context.Context, wallet string, refs []string) (bool, error) {
	bal, err := r.Balances.FindByWallet(ctx, wallet)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	i := bal.EntryIndex(func(e models.PendingEntry) bool {
		if e.Status != models.PendingStatusConfirmed {
			return false
		}
		for _, ref := range refs {
			if strings.EqualFold(ref, e.Ref) {
				return true
			}
		}
		return false
	})
	return i >= 0, nil
}
