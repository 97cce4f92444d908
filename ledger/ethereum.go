// ledger/ethereum.go
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"game-reward-ledger/config"
	"game-reward-ledger/logger"
	"game-reward-ledger/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// RewardTokenABI is the subset of the reward token contract the core calls.
const RewardTokenABI = `[
	{
		"type": "function",
		"name": "rewardPlayer",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "player", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "gameSessionId", "type": "string"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "balanceOf",
		"stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "event",
		"name": "RewardMinted",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "player", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"},
			{"indexed": false, "name": "gameSessionId", "type": "string"}
		]
	}
]`

// gasHeadroomPercent pads the node's gas estimate.
const gasHeadroomPercent = 120

// chainClient is the part of ethclient.Client the gateway uses.
type chainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EthereumGateway talks to an EVM chain hosting the reward token.
type EthereumGateway struct {
	client        chainClient
	abi           abi.ABI
	contract      common.Address
	chainID       *big.Int
	key           *ecdsa.PrivateKey
	from          common.Address
	confirmations uint64
	pollInterval  time.Duration
	batchSize     uint64
	log           *logger.Logger

	sendMu sync.Mutex // nonce allocation + send must not interleave
}

// NewEthereumGateway dials the RPC endpoint. A missing private key yields a
// read-only gateway whose Submit always fails.
func NewEthereumGateway(ctx context.Context, cfg config.ChainConfig, log *logger.Logger) (*EthereumGateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain.rpc_url is not configured")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ethereum rpc not reachable: %w", err)
	}
	return newEthereumGateway(client, cfg, log)
}

func newEthereumGateway(client chainClient, cfg config.ChainConfig, log *logger.Logger) (*EthereumGateway, error) {
	parsed, err := abi.JSON(strings.NewReader(RewardTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse reward token abi: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("chain.contract_address %q is not a hex address", cfg.ContractAddress)
	}

	g := &EthereumGateway{
		client:        client,
		abi:           parsed,
		contract:      common.HexToAddress(cfg.ContractAddress),
		chainID:       big.NewInt(cfg.ChainID),
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
		batchSize:     cfg.BatchSize,
		log:           log.Named("ledger"),
	}
	if g.pollInterval <= 0 {
		g.pollInterval = 15 * time.Second
	}
	if g.batchSize == 0 {
		g.batchSize = 500
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		g.key = key
		g.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return g, nil
}

// Close releases the RPC connection.
func (g *EthereumGateway) Close() {
	g.client.Close()
}

// ContractAddress is the reward token this gateway is bound to.
func (g *EthereumGateway) ContractAddress() string {
	return g.contract.Hex()
}

// packCall converts core values (hex strings, Amounts) into ABI types and packs them.
func (g *EthereumGateway) packCall(method string, args []interface{}) ([]byte, error) {
	m, ok := g.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("method %s not in reward token abi", method)
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("method %s takes %d args, got %d", method, len(m.Inputs), len(args))
	}
	converted := make([]interface{}, len(args))
	for i, in := range m.Inputs {
		v, err := toABIValue(in.Type, args[i])
		if err != nil {
			return nil, fmt.Errorf("%s arg %s: %w", method, in.Name, err)
		}
		converted[i] = v
	}
	return g.abi.Pack(method, converted...)
}

func toABIValue(t abi.Type, v interface{}) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		switch a := v.(type) {
		case common.Address:
			return a, nil
		case string:
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("%q is not a hex address", a)
			}
			return common.HexToAddress(a), nil
		}
	case abi.UintTy, abi.IntTy:
		switch n := v.(type) {
		case models.Amount:
			return n.Big(), nil
		case *big.Int:
			return n, nil
		}
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
}

func (g *EthereumGateway) EstimateFee(ctx context.Context, method string, args ...interface{}) (Fee, error) {
	data, err := g.packCall(method, args)
	if err != nil {
		return Fee{}, err
	}
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{From: g.from, To: &g.contract, Data: data})
	if err != nil {
		return Fee{}, fmt.Errorf("estimate gas for %s: %w", method, err)
	}
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return Fee{}, fmt.Errorf("suggest gas price: %w", err)
	}
	limit := gas * gasHeadroomPercent / 100
	gasPrice, err := models.AmountFromBig(price)
	if err != nil {
		return Fee{}, err
	}
	total, err := models.AmountFromBig(new(big.Int).Mul(new(big.Int).SetUint64(limit), price))
	if err != nil {
		return Fee{}, err
	}
	return Fee{GasLimit: limit, GasPrice: gasPrice, Total: total}, nil
}

func (g *EthereumGateway) Submit(ctx context.Context, method string, fee Fee, args ...interface{}) (Receipt, error) {
	if g.key == nil {
		return Receipt{}, fmt.Errorf("gateway has no signing key configured")
	}
	data, err := g.packCall(method, args)
	if err != nil {
		return Receipt{}, err
	}
	if fee.GasLimit == 0 || fee.GasPrice.IsZero() {
		if fee, err = g.EstimateFee(ctx, method, args...); err != nil {
			return Receipt{}, err
		}
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return Receipt{}, fmt.Errorf("pending nonce: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &g.contract,
		Value:    big.NewInt(0),
		Gas:      fee.GasLimit,
		GasPrice: fee.GasPrice.Big(),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, fmt.Errorf("send %s tx: %w", method, err)
	}
	g.log.With(zap.String("tx", signed.Hash().Hex()), zap.Uint64("nonce", nonce)).
		Info("submitted %s", method)
	return Receipt{TxRef: signed.Hash().Hex()}, nil
}

func (g *EthereumGateway) BalanceOf(ctx context.Context, address string) (models.Amount, error) {
	data, err := g.packCall("balanceOf", []interface{}{address})
	if err != nil {
		return models.Amount{}, err
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
	if err != nil {
		return models.Amount{}, fmt.Errorf("call balanceOf: %w", err)
	}
	vals, err := g.abi.Unpack("balanceOf", out)
	if err != nil {
		return models.Amount{}, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(vals) != 1 {
		return models.Amount{}, fmt.Errorf("balanceOf returned %d values", len(vals))
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return models.Amount{}, fmt.Errorf("balanceOf returned %T", vals[0])
	}
	return models.AmountFromBig(n)
}

// decodeLog turns a raw log of eventName into an Event.
func (g *EthereumGateway) decodeLog(eventName string, lg types.Log) (Event, error) {
	ev, ok := g.abi.Events[eventName]
	if !ok {
		return Event{}, fmt.Errorf("event %s not in reward token abi", eventName)
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return Event{}, fmt.Errorf("log %s:%d is not a %s event", lg.TxHash.Hex(), lg.Index, eventName)
	}

	values := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := g.abi.UnpackIntoMap(values, eventName, lg.Data); err != nil {
			return Event{}, fmt.Errorf("unpack %s data: %w", eventName, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return Event{}, fmt.Errorf("parse %s topics: %w", eventName, err)
	}

	out := Event{
		Name:        eventName,
		Contract:    lg.Address.Hex(),
		TxRef:       lg.TxHash.Hex(),
		BlockHeight: int64(lg.BlockNumber),
		LogIndex:    lg.Index,
		Args:        make(map[string]string, len(values)),
	}
	for k, v := range values {
		switch tv := v.(type) {
		case common.Address:
			out.Args[k] = tv.Hex()
		case *big.Int:
			out.Args[k] = tv.String()
		default:
			out.Args[k] = fmt.Sprint(tv)
		}
	}
	out.Player = firstArg(out.Args, "player", "to", "account")
	amount, err := models.ParseAmount(firstArg(out.Args, "amount", "value"))
	if err != nil {
		return Event{}, fmt.Errorf("%s amount: %w", eventName, err)
	}
	out.Amount = amount
	return out, nil
}

func firstArg(args map[string]string, names ...string) string {
	for _, n := range names {
		if v, ok := args[n]; ok {
			return v
		}
	}
	return ""
}

// Subscribe polls confirmed blocks from fromBlock onwards and emits matching
// events in (block, logIndex) order. Any RPC error ends the subscription; the
// caller resubscribes from its own checkpoint.
func (g *EthereumGateway) Subscribe(ctx context.Context, eventName string, fromBlock int64) (Subscription, error) {
	ev, ok := g.abi.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("event %s not in reward token abi", eventName)
	}
	if fromBlock < 0 {
		fromBlock = 0
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{
		events: make(chan Event),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go g.poll(subCtx, sub, eventName, ev.ID, uint64(fromBlock))
	return sub, nil
}

func (g *EthereumGateway) poll(ctx context.Context, sub *pollSubscription, eventName string, topic common.Hash, next uint64) {
	defer close(sub.done)
	defer close(sub.events)

	log := g.log.With(zap.String("event", eventName))
	log.Info("polling from block %d", next)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		caughtUp, err := g.pollOnce(ctx, sub, eventName, topic, &next)
		if err != nil {
			sub.fail(err)
			return
		}
		if caughtUp {
			select {
			case <-ctx.Done():
				sub.fail(ErrSubscriptionClosed)
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			sub.fail(ErrSubscriptionClosed)
			return
		}
	}
}

// pollOnce processes at most one batch and reports whether the head was reached.
func (g *EthereumGateway) pollOnce(ctx context.Context, sub *pollSubscription, eventName string, topic common.Hash, next *uint64) (bool, error) {
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("block number: %w", err)
	}
	if head < g.confirmations {
		return true, nil
	}
	safe := head - g.confirmations
	if *next > safe {
		return true, nil
	}
	to := *next + g.batchSize - 1
	if to > safe {
		to = safe
	}

	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(*next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return false, fmt.Errorf("filter logs %d-%d: %w", *next, to, err)
	}

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := g.decodeLog(eventName, lg)
		if err != nil {
			g.log.Warn("skipping undecodable log %s:%d: %v", lg.TxHash.Hex(), lg.Index, err)
			continue
		}
		select {
		case sub.events <- ev:
		case <-ctx.Done():
			return false, ErrSubscriptionClosed
		}
	}
	*next = to + 1
	return to == safe, nil
}

type pollSubscription struct {
	events chan Event
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSubscription) Events() <-chan Event { return s.events }
func (s *pollSubscription) Err() <-chan error    { return s.errs }

func (s *pollSubscription) fail(err error) {
	s.once.Do(func() { s.errs <- err })
}

func (s *pollSubscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
