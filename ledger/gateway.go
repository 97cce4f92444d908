// Package ledger is the boundary to the external, append-only reward ledger.
package ledger

import (
	"context"
	"errors"

	"game-reward-ledger/models"
)

// ErrSubscriptionClosed is delivered on Err when a subscription ends because
// the caller unsubscribed or the context was cancelled.
var ErrSubscriptionClosed = errors.New("ledger subscription closed")

// Fee is the ledger's price for a submission, as quoted by EstimateFee.
type Fee struct {
	GasLimit uint64
	GasPrice models.Amount
	Total    models.Amount
}

// Receipt is what the ledger hands back for an accepted submission.
type Receipt struct {
	TxRef       string
	BlockHeight *int64 // set only if the ledger already included the transaction
}

// Event is a decoded ledger log. Player and Amount are lifted out of Args.
type Event struct {
	Name        string
	Contract    string
	TxRef       string
	BlockHeight int64
	LogIndex    uint
	Player      string
	Amount      models.Amount
	Args        map[string]string
}

// Subscription streams events in ledger order until it fails or is closed.
type Subscription interface {
	Events() <-chan Event
	Err() <-chan error
	Unsubscribe()
}

// Gateway is the whole surface the reward core uses from the ledger.
type Gateway interface {
	EstimateFee(ctx context.Context, method string, args ...interface{}) (Fee, error)
	Submit(ctx context.Context, method string, fee Fee, args ...interface{}) (Receipt, error)
	BalanceOf(ctx context.Context, address string) (models.Amount, error)
	Subscribe(ctx context.Context, eventName string, fromBlock int64) (Subscription, error)
}
