// Package ledgertest provides an in-memory ledger.Gateway for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"game-reward-ledger/ledger"
	"game-reward-ledger/models"
)

// ErrInjected is returned by scripted failures unless a custom error is set.
var ErrInjected = errors.New("ledgertest: injected failure")

// Submission is one recorded Submit call.
type Submission struct {
	Method string
	Fee    ledger.Fee
	Args   []interface{}
	TxRef  string
}

// Gateway is a scriptable fake. The zero value is not usable; call New.
type Gateway struct {
	mu sync.Mutex

	failEstimate int
	failSubmit   int
	failErr      error
	nextTx       uint64
	hold         chan struct{}

	submissions []Submission
	balances    map[string]models.Amount
	subs        []*subscription
	// events emitted before anybody subscribed are replayed to new subscribers
	backlog []ledger.Event
}

func New() *Gateway {
	return &Gateway{balances: make(map[string]models.Amount)}
}

// FailEstimate makes the next n EstimateFee calls fail.
func (g *Gateway) FailEstimate(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failEstimate = n
}

// FailSubmit makes the next n Submit calls fail.
func (g *Gateway) FailSubmit(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failSubmit = n
}

// FailWith overrides the error returned by scripted failures.
func (g *Gateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failErr = err
}

// HoldEstimates makes EstimateFee wait until the returned release is called
// or the caller's context ends, like a ledger node that stopped answering.
func (g *Gateway) HoldEstimates() (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.hold == ch {
				g.hold = nil
			}
			g.mu.Unlock()
			close(ch)
		})
	}
}

func (g *Gateway) injected() error {
	if g.failErr != nil {
		return g.failErr
	}
	return ErrInjected
}

func (g *Gateway) EstimateFee(ctx context.Context, method string, args ...interface{}) (ledger.Fee, error) {
	g.mu.Lock()
	hold := g.hold
	g.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ledger.Fee{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failEstimate > 0 {
		g.failEstimate--
		return ledger.Fee{}, g.injected()
	}
	return ledger.Fee{GasLimit: 21000, GasPrice: models.NewAmount(1), Total: models.NewAmount(21000)}, nil
}

func (g *Gateway) Submit(ctx context.Context, method string, fee ledger.Fee, args ...interface{}) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSubmit > 0 {
		g.failSubmit--
		return ledger.Receipt{}, g.injected()
	}
	g.nextTx++
	ref := fmt.Sprintf("0xdeadbeef%056x", g.nextTx)
	g.submissions = append(g.submissions, Submission{Method: method, Fee: fee, Args: args, TxRef: ref})
	return ledger.Receipt{TxRef: ref}, nil
}

// Submissions returns a copy of every successful Submit.
func (g *Gateway) Submissions() []Submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Submission(nil), g.submissions...)
}

// SetBalance scripts the value BalanceOf returns for address.
func (g *Gateway) SetBalance(address string, amount models.Amount) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[address] = amount
}

func (g *Gateway) BalanceOf(ctx context.Context, address string) (models.Amount, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[address], nil
}

func (g *Gateway) Subscribe(ctx context.Context, eventName string, fromBlock int64) (ledger.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub := &subscription{
		events: make(chan ledger.Event, 64),
		errs:   make(chan error, 1),
		name:   eventName,
		from:   fromBlock,
	}
	for _, ev := range g.backlog {
		sub.deliver(ev)
	}
	g.subs = append(g.subs, sub)
	return sub, nil
}

// Emit delivers ev to every live subscription whose start block it passes,
// and keeps it for later subscribers.
func (g *Gateway) Emit(ev ledger.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backlog = append(g.backlog, ev)
	for _, s := range g.subs {
		s.deliver(ev)
	}
}

// Break ends every live subscription with err, as a dropped connection would.
func (g *Gateway) Break(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.subs {
		s.fail(err)
	}
	g.subs = nil
}

// Subscribers reports how many subscriptions were opened and not broken.
func (g *Gateway) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.subs {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

type subscription struct {
	mu     sync.Mutex
	events chan ledger.Event
	errs   chan error
	name   string
	from   int64
	closed bool
}

func (s *subscription) Events() <-chan ledger.Event { return s.events }
func (s *subscription) Err() <-chan error           { return s.errs }

func (s *subscription) deliver(ev ledger.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ev.BlockHeight < s.from || (ev.Name != "" && ev.Name != s.name) {
		return
	}
	s.events <- ev
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.errs <- err
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
