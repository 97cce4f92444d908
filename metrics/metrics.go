// metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reward_ledger"

// Recorder holds the settlement counters. A nil *Recorder records nothing.
type Recorder struct {
	RewardsCreated     *prometheus.CounterVec
	SettleSkipped      *prometheus.CounterVec
	BalanceUpdates     *prometheus.CounterVec
	RewardsConfirmed   *prometheus.CounterVec
	SettlementFailures *prometheus.CounterVec
	RetryResolved      prometheus.Counter
	RetryExhausted     prometheus.Counter
	OrphansRepaired    prometheus.Counter
	LastSyncedBlock    prometheus.Gauge
	SubmitDuration     prometheus.Histogram
}

// New registers all counters on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		RewardsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_created_total",
			Help:      "Reward records created, by match type.",
		}, []string{"match_type"}),
		SettleSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settle_skipped_total",
			Help:      "Settle calls that ended without a new reward, by reason.",
		}, []string{"reason"}),
		BalanceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_updates_total",
			Help:      "Balance cache mutations, by kind (pending, promoted, direct_credit).",
		}, []string{"kind"}),
		RewardsConfirmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_confirmed_total",
			Help:      "Ledger events applied, by path (live, replay).",
		}, []string{"path"}),
		SettlementFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Failed settlement steps, by error kind.",
		}, []string{"kind"}),
		RetryResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_resolved_total",
			Help:      "Failed attempts resolved by the retry supervisor.",
		}),
		RetryExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Failed attempts abandoned after the last retry.",
		}),
		OrphansRepaired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_repaired_total",
			Help:      "Rewards whose missing pending entry was restored.",
		}),
		LastSyncedBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_synced_block",
			Help:      "Highest ledger block applied by the reconciler.",
		}),
		SubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Latency of estimate+submit against the ledger gateway.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (r *Recorder) RewardCreated(matchType string) {
	if r == nil {
		return
	}
	r.RewardsCreated.WithLabelValues(matchType).Inc()
}

func (r *Recorder) Skipped(reason string) {
	if r == nil {
		return
	}
	r.SettleSkipped.WithLabelValues(reason).Inc()
}

func (r *Recorder) BalanceUpdated(kind string) {
	if r == nil {
		return
	}
	r.BalanceUpdates.WithLabelValues(kind).Inc()
}

func (r *Recorder) Confirmed(path string, block int64) {
	if r == nil {
		return
	}
	r.RewardsConfirmed.WithLabelValues(path).Inc()
	r.LastSyncedBlock.Set(float64(block))
}

func (r *Recorder) Failed(kind string) {
	if r == nil {
		return
	}
	r.SettlementFailures.WithLabelValues(kind).Inc()
}

func (r *Recorder) Resolved() {
	if r == nil {
		return
	}
	r.RetryResolved.Inc()
}

func (r *Recorder) Exhausted() {
	if r == nil {
		return
	}
	r.RetryExhausted.Inc()
}

func (r *Recorder) Repaired() {
	if r == nil {
		return
	}
	r.OrphansRepaired.Inc()
}

func (r *Recorder) ObserveSubmit(seconds float64) {
	if r == nil {
		return
	}
	r.SubmitDuration.Observe(seconds)
}
