// services/retry_supervisor.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type DrainOptions struct {
	MaxBatch    int
	MaxAge      time.Duration
	MaxAttempts int
	Delay       time.Duration // pause between rows handed to the pool
}

// Outcome of one row in a drain.
const (
	DrainResolved  = "resolved"
	DrainPending   = "pending"
	DrainAbandoned = "abandoned"
	DrainSkipped   = "skipped" // another supervisor moved the row first
)

type DrainItem struct {
	AttemptID     string `json:"attempt_id"`
	Kind          string `json:"kind"`
	GameSessionID string `json:"game_session_id,omitempty"`
	RetryCount    int    `json:"retry_count"`
	Outcome       string `json:"outcome"`
	Error         string `json:"error,omitempty"`
}

type DrainReport struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Selected   int         `json:"selected"`
	Resolved   int         `json:"resolved"`
	Pending    int         `json:"pending"`
	Abandoned  int         `json:"abandoned"`
	Skipped    int         `json:"skipped"`
	Items      []DrainItem `json:"items"`
	ArchiveKey string      `json:"archive_key,omitempty"`
}

// ReportSink archives drain reports that abandoned something, for operators.
type ReportSink interface {
	UploadJSON(ctx context.Context, key string, v interface{}) error
}

// Replayer re-applies a recorded ledger event.
type Replayer interface {
	Replay(ctx context.Context, eventRecordID uint) error
}

type RetryDeps struct {
	Failed     *repository.FailedAttemptStore
	Rewards    *repository.RewardStore
	Balances   *repository.BalanceStore
	Submitter  *Submitter
	Reconciler Replayer
	Sink       ReportSink
	Metrics    *metrics.Recorder
	Log        *logger.Logger
	Workers    int
	Defaults   DrainOptions
}

// RetrySupervisor re-drives failed settlement steps with bounded attempts.
type RetrySupervisor struct {
	RetryDeps
	pool *ants.Pool
	log  *logger.Logger
	now  func() time.Time
}

func NewRetrySupervisor(d RetryDeps) (*RetrySupervisor, error) {
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &RetrySupervisor{RetryDeps: d, pool: pool, log: d.Log.Named("retry_supervisor"), now: time.Now}, nil
}

func (s *RetrySupervisor) Close() {
	s.pool.Release()
}

func (s *RetrySupervisor) withDefaults(o DrainOptions) DrainOptions {
	if o.MaxBatch <= 0 {
		o.MaxBatch = s.Defaults.MaxBatch
	}
	if o.MaxAge <= 0 {
		o.MaxAge = s.Defaults.MaxAge
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = s.Defaults.MaxAttempts
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// DrainFailed retries up to MaxBatch eligible rows and reports what happened.
func (s *RetrySupervisor) DrainFailed(ctx context.Context, opts DrainOptions) (DrainReport, error) {
	opts = s.withDefaults(opts)
	report := DrainReport{StartedAt: s.now()}

	rows, err := s.Failed.SelectRetryable(ctx, report.StartedAt, opts.MaxAge, opts.MaxAttempts, opts.MaxBatch)
	if err != nil {
		return report, err
	}
	report.Selected = len(rows)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	collect := func(item DrainItem) {
		mu.Lock()
		defer mu.Unlock()
		report.Items = append(report.Items, item)
		switch item.Outcome {
		case DrainResolved:
			report.Resolved++
		case DrainPending:
			report.Pending++
		case DrainAbandoned:
			report.Abandoned++
		case DrainSkipped:
			report.Skipped++
		}
	}

	for i := range rows {
		if i > 0 && opts.Delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.Delay):
			}
		}
		if ctx.Err() != nil {
			break
		}
		row := rows[i]
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			collect(s.processRow(ctx, row, opts))
		})
		if err != nil {
			wg.Done()
			s.log.Warn("could not schedule retry of %s: %v", row.ID, err)
		}
	}
	wg.Wait()
	report.FinishedAt = s.now()

	if report.Abandoned > 0 && s.Sink != nil {
		key := fmt.Sprintf("drain-%s.json", report.StartedAt.UTC().Format("20060102T150405Z"))
		if err := s.Sink.UploadJSON(context.WithoutCancel(ctx), key, report); err != nil {
			s.log.Warn("archive drain report: %v", err)
		} else {
			report.ArchiveKey = key
		}
	}
	if report.Selected > 0 {
		s.log.Info("drain finished: selected=%d resolved=%d pending=%d abandoned=%d skipped=%d",
			report.Selected, report.Resolved, report.Pending, report.Abandoned, report.Skipped)
	}
	return report, nil
}

func (s *RetrySupervisor) processRow(ctx context.Context, row models.FailedAttempt, opts DrainOptions) DrainItem {
	item := DrainItem{AttemptID: row.ID, Kind: string(row.Kind)}
	if row.GameSessionID != nil {
		item.GameSessionID = *row.GameSessionID
	}
	log := s.log.With(zap.String("attempt_id", row.ID), zap.String("kind", string(row.Kind)))

	acquired, err := s.Failed.Acquire(ctx, row.ID, row.RetryCount, s.now())
	if err != nil {
		log.Error("acquire failed: %v", err)
		item.Outcome, item.Error, item.RetryCount = DrainSkipped, err.Error(), row.RetryCount
		return item
	}
	if !acquired {
		item.Outcome, item.RetryCount = DrainSkipped, row.RetryCount
		return item
	}
	count := row.RetryCount + 1
	item.RetryCount = count

	reward, err := s.retry(ctx, row)
	if err == nil {
		if err := s.Failed.Resolve(ctx, row.ID, s.now()); err != nil {
			log.Error("mark resolved: %v", err)
		}
		s.Metrics.Resolved()
		log.With(zap.String("event", "retry_resolved"), zap.Int("retry_count", count)).Info("failed attempt resolved")
		item.Outcome = DrainResolved
		return item
	}

	if txRef, ok := unrecordedTx(err); ok {
		if kerr := s.Failed.KeepTransactionRef(ctx, row.ID, txRef); kerr != nil {
			log.Error("keep tx ref %s: %v", txRef, kerr)
		}
	}
	kind := Classify(err)
	abandon := count >= opts.MaxAttempts || !kind.Retriable()
	item.Error = err.Error()
	if rerr := s.Failed.Release(ctx, row.ID, err.Error(), kind.String(), abandon, s.now()); rerr != nil {
		log.Error("release attempt: %v", rerr)
	}
	if !abandon {
		log.Warn("retry %d/%d failed: %v", count, opts.MaxAttempts, err)
		item.Outcome = DrainPending
		return item
	}

	item.Outcome = DrainAbandoned
	s.Metrics.Exhausted()
	log.With(zap.String("event", "retry_exhausted"), zap.Int("retry_count", count), zap.String("error_kind", kind.String())).
		Error("giving up after %d attempts: %v", count, err)
	if reward != nil {
		s.abandonReward(ctx, reward, log)
	}
	return item
}

// retry re-runs the failed step. It returns the originating reward when one
// was resolved so an abandonment can be reflected on it.
func (s *RetrySupervisor) retry(ctx context.Context, row models.FailedAttempt) (*models.RewardRecord, error) {
	switch row.Kind {
	case models.FailedKindSubmission:
		if row.GameSessionID == nil {
			return nil, newError(KindFatal, "resolve reward", ErrRewardGone)
		}
		reward, err := s.Rewards.FindBySession(ctx, *row.GameSessionID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindFatal, "resolve reward", ErrRewardGone)
		}
		if err != nil {
			return nil, newError(KindTransient, "resolve reward", err)
		}
		if reward.Confirmed {
			return reward, nil
		}
		// the ledger already took this one; only the local record is missing
		if row.TransactionRef != nil && *row.TransactionRef != "" {
			return reward, s.Submitter.Resume(ctx, reward, *row.TransactionRef)
		}
		return reward, s.Submitter.Submit(ctx, reward)
	case models.FailedKindReconciliation:
		if row.EventRecordID == nil {
			return nil, newError(KindFatal, "replay event", ErrNothingToReplay)
		}
		return nil, s.Reconciler.Replay(ctx, *row.EventRecordID)
	default:
		return nil, newError(KindFatal, "retry", fmt.Errorf("unknown attempt kind %q", row.Kind))
	}
}

// abandonReward keeps the pending amount but flags the reward and its entry
// so operators can see it will not confirm on its own.
func (s *RetrySupervisor) abandonReward(ctx context.Context, reward *models.RewardRecord, log *logger.Logger) {
	if err := s.Rewards.MarkAbandoned(ctx, reward.ID); err != nil {
		log.Error("mark reward abandoned: %v", err)
	}
	if err := s.Balances.SetEntryStatus(ctx, reward.WinnerID, reward.ID, models.PendingStatusAbandoned); err != nil {
		log.Error("mark pending entry abandoned: %v", err)
	}
}
