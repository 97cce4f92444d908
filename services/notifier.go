// services/notifier.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"game-reward-ledger/logger"
	"game-reward-ledger/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BalanceChanged is pushed to observers whenever a player's balance moves.
type BalanceChanged struct {
	PlayerID     string        `json:"player_id"`
	Wallet       string        `json:"wallet"`
	Confirmed    models.Amount `json:"confirmed"`
	Pending      models.Amount `json:"pending"`
	Total        models.Amount `json:"total"`
	PendingCount int           `json:"pending_count"`
	Reason       string        `json:"reason"` // reward_created, reward_confirmed, direct_credit
	At           time.Time     `json:"at"`
}

func balanceChangedFrom(b *models.PlayerBalance, reason string, at time.Time) BalanceChanged {
	return BalanceChanged{
		PlayerID:     b.PlayerID,
		Wallet:       b.Wallet,
		Confirmed:    b.ConfirmedAmount,
		Pending:      b.PendingAmount,
		Total:        b.Total(),
		PendingCount: b.OutstandingCount(),
		Reason:       reason,
		At:           at,
	}
}

// Notifier delivers balance changes. Failures never affect settlement.
type Notifier interface {
	BalanceChanged(ctx context.Context, ev BalanceChanged) error
}

const notifyTimeout = 3 * time.Second

// notifyAsync fires ev at n without blocking the caller.
func notifyAsync(n Notifier, log *logger.Logger, ev BalanceChanged) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := n.BalanceChanged(ctx, ev); err != nil {
			log.With(zap.String("player_id", ev.PlayerID)).Warn("balance notification failed: %v", err)
		}
	}()
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) BalanceChanged(ctx context.Context, ev BalanceChanged) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.BalanceChanged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisNotifier publishes balance changes on a pub/sub channel so every
// replica (and any other consumer) sees them.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, log: log.Named("redis_notifier")}
}

func (r *RedisNotifier) BalanceChanged(ctx context.Context, ev BalanceChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode balance change: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Relay feeds every message on the channel into local until ctx ends. It is
// how SSE clients connected to one replica see rewards settled on another.
func (r *RedisNotifier) Relay(ctx context.Context, local Notifier) {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev BalanceChanged
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("dropping malformed balance change: %v", err)
				continue
			}
			if err := local.BalanceChanged(ctx, ev); err != nil {
				r.log.Warn("relay balance change: %v", err)
			}
		}
	}
}

// Broadcaster hands balance changes to in-process listeners, keyed by player.
// Slow listeners lose messages rather than block the sender.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]map[chan BalanceChanged]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[string]map[chan BalanceChanged]struct{})}
}

// Subscribe returns a channel of changes for playerID and a cancel func that
// must be called once the listener is done.
func (b *Broadcaster) Subscribe(playerID string) (<-chan BalanceChanged, func()) {
	ch := make(chan BalanceChanged, 8)
	b.mu.Lock()
	if b.listeners[playerID] == nil {
		b.listeners[playerID] = make(map[chan BalanceChanged]struct{})
	}
	b.listeners[playerID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[playerID], ch)
			if len(b.listeners[playerID]) == 0 {
				delete(b.listeners, playerID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) BalanceChanged(ctx context.Context, ev BalanceChanged) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.listeners[ev.PlayerID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Listeners reports how many channels are open for playerID.
func (b *Broadcaster) Listeners(playerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[playerID])
}
