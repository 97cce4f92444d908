package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"game-reward-ledger/config"
	"game-reward-ledger/logger"
	"game-reward-ledger/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

type fakeChain struct {
	mu    sync.Mutex
	head  uint64
	logs  []types.Log
	sent  []*types.Transaction
	calls []ethereum.FilterQuery
	nonce uint64
	out   []byte
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 50000, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.out, nil
}

func (f *fakeChain) Close() {}

func newTestGateway(t *testing.T, chain *fakeChain) *EthereumGateway {
	t.Helper()
	g, err := newEthereumGateway(chain, config.ChainConfig{
		ChainID:         31337,
		PrivateKey:      testKey,
		ContractAddress: testContract,
		Confirmations:   2,
		PollInterval:    10 * time.Millisecond,
		BatchSize:       10,
	}, logger.NewNop())
	require.NoError(t, err)
	return g
}

func rewardLog(t *testing.T, g *EthereumGateway, player common.Address, amount *big.Int, session string, block uint64, index uint) types.Log {
	t.Helper()
	ev := g.abi.Events["RewardMinted"]
	data, err := ev.Inputs.NonIndexed().Pack(amount, session)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{ev.ID, common.BytesToHash(player.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100 + uint64(index)))),
		Index:       index,
	}
}

func TestDecodeRewardMinted(t *testing.T) {
	g := newTestGateway(t, &fakeChain{})
	player := common.HexToAddress("0x00000000000000000000000000000000000000AB")
	amount, _ := new(big.Int).SetString("10000000000000000000", 10)

	ev, err := g.decodeLog("RewardMinted", rewardLog(t, g, player, amount, "g1", 7, 3))
	require.NoError(t, err)
	require.Equal(t, player.Hex(), ev.Player)
	require.Equal(t, "10000000000000000000", ev.Amount.String())
	require.Equal(t, int64(7), ev.BlockHeight)
	require.Equal(t, uint(3), ev.LogIndex)
	require.Equal(t, "g1", ev.Args["gameSessionId"])
}

func TestDecodeRejectsForeignTopic(t *testing.T) {
	g := newTestGateway(t, &fakeChain{})
	lg := rewardLog(t, g, common.Address{}, big.NewInt(1), "g1", 1, 0)
	lg.Topics[0] = common.HexToHash("0x01")

	_, err := g.decodeLog("RewardMinted", lg)
	require.Error(t, err)
}

func TestSubmitSignsForConfiguredChain(t *testing.T) {
	chain := &fakeChain{nonce: 4}
	g := newTestGateway(t, chain)

	fee, err := g.EstimateFee(context.Background(), "rewardPlayer",
		"0x00000000000000000000000000000000000000ab", models.NewAmount(5), "g1")
	require.NoError(t, err)
	require.Equal(t, uint64(60000), fee.GasLimit)
	require.Equal(t, "120000000000000", fee.Total.String())

	rcpt, err := g.Submit(context.Background(), "rewardPlayer", fee,
		"0x00000000000000000000000000000000000000ab", models.NewAmount(5), "g1")
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	require.Equal(t, rcpt.TxRef, tx.Hash().Hex())
	require.Equal(t, uint64(4), tx.Nonce())
	require.Equal(t, common.HexToAddress(testContract), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	key, _ := crypto.HexToECDSA(testKey)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
}

func TestSubmitRejectsBadArgs(t *testing.T) {
	g := newTestGateway(t, &fakeChain{})
	_, err := g.Submit(context.Background(), "rewardPlayer", Fee{}, "not-an-address", models.NewAmount(1), "g1")
	require.Error(t, err)
}

func TestBalanceOf(t *testing.T) {
	chain := &fakeChain{}
	g := newTestGateway(t, chain)
	out, err := g.abi.Methods["balanceOf"].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)
	chain.out = out

	bal, err := g.BalanceOf(context.Background(), "0x00000000000000000000000000000000000000ab")
	require.NoError(t, err)
	require.Equal(t, "42", bal.String())
}

func TestSubscribeHonoursConfirmations(t *testing.T) {
	chain := &fakeChain{head: 12}
	g := newTestGateway(t, chain)
	player := common.HexToAddress("0x00000000000000000000000000000000000000ab")
	chain.logs = []types.Log{
		rewardLog(t, g, player, big.NewInt(1), "a", 3, 0),
		rewardLog(t, g, player, big.NewInt(2), "b", 10, 1),
		rewardLog(t, g, player, big.NewInt(3), "c", 11, 0), // not yet confirmed at head 12
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := g.Subscribe(ctx, "RewardMinted", 2)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	require.Equal(t, "a", got[0].Args["gameSessionId"])
	require.Equal(t, "b", got[1].Args["gameSessionId"])

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event past the confirmation depth: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
