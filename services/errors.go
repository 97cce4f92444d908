// services/errors.go
package services

import (
	"context"
	"errors"
	"fmt"

	"game-reward-ledger/models"
	"game-reward-ledger/repository"
)

// ErrorKind is the closed set of ways a settlement step can go wrong.
type ErrorKind int

const (
	// KindSkip is a normal outcome that produced no reward (duplicate, no wallet).
	KindSkip ErrorKind = iota
	// KindTransient covers store or ledger failures worth retrying.
	KindTransient
	// KindInconsistency means local bookkeeping disagrees with the ledger.
	KindInconsistency
	// KindFatal is a contract violation: bad input, malformed amounts.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindTransient:
		return "transient"
	case KindInconsistency:
		return "inconsistency"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Retriable reports whether the retry supervisor should try again.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindTransient, KindInconsistency:
		return true
	case KindSkip, KindFatal:
		return false
	default:
		return false
	}
}

var (
	ErrNoWallet          = errors.New("winner has no wallet")
	ErrInvalidOutcome    = errors.New("invalid match outcome")
	ErrRewardGone        = errors.New("originating reward no longer exists")
	ErrNothingToReplay   = errors.New("failed attempt has nothing to replay")
	ErrUnknownMatchType  = errors.New("no reward configured for match type")
	ErrSettlementStopped = errors.New("settlement service is shutting down")
)

// UnrecordedTxError means the ledger accepted a submission as TxRef but the
// reward row could not be updated. Whoever retries must reuse TxRef.
type UnrecordedTxError struct {
	TxRef string
	Err   error
}

func (e *UnrecordedTxError) Error() string {
	return fmt.Sprintf("tx %s not recorded: %v", e.TxRef, e.Err)
}

func (e *UnrecordedTxError) Unwrap() error { return e.Err }

// unrecordedTx returns the transaction ref carried by err, if any.
func unrecordedTx(err error) (string, bool) {
	var ute *UnrecordedTxError
	if errors.As(err, &ute) && ute.TxRef != "" {
		return ute.TxRef, true
	}
	return "", false
}

// SettlementError tags an error with its kind and the step that raised it.
type SettlementError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SettlementError{Kind: kind, Op: op, Err: err}
}

// Classify maps any error onto exactly one ErrorKind. An explicit
// SettlementError wins; otherwise well-known sentinels decide, and anything
// unrecognised is treated as transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindSkip
	}
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNoWallet),
		errors.Is(err, repository.ErrDuplicate):
		return KindSkip
	case errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrUnknownMatchType),
		errors.Is(err, ErrRewardGone),
		errors.Is(err, ErrNothingToReplay),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrNegativeAmount):
		return KindFatal
	case errors.Is(err, repository.ErrNotFound):
		return KindInconsistency
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, repository.ErrVersionConflict):
		return KindTransient
	default:
		return KindTransient
	}
}
