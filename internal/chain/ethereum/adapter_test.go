package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeBackend 模拟节点行为：记录广播的交易，按轮次给出回执。
type fakeBackend struct {
	mu           sync.Mutex
	nonce        uint64
	baseFee      *big.Int
	gasTip       *big.Int
	estimatedGas uint64
	callErr      error
	sent         []*coretypes.Transaction
	receipts     map[common.Hash]*coretypes.Receipt
	receiptAfter int
	receiptPolls int
	balance      *big.Int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nonce:        7,
		baseFee:      big.NewInt(100),
		gasTip:       big.NewInt(2),
		estimatedGas: 21000,
		receipts:     make(map[common.Hash]*coretypes.Receipt),
		balance:      big.NewInt(1_000_000),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasTip), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{BaseFee: new(big.Int).Set(f.baseFee)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return f.estimatedGas, nil
}

func (f *fakeBackend) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, txn *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, txn)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receiptPolls <= f.receiptAfter {
		return nil, gethcore.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func newTestAdapter(backend *fakeBackend) *Adapter {
	return NewAdapterWithBackend("testnet", big.NewInt(1337), backend, time.Millisecond)
}

func TestBuildTransaction(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	adapter := newTestAdapter(backend)

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	txn, err := adapter.BuildTransaction(ctx, chain.BuildRequest{
		From:  common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		To:    to,
		Value: big.NewInt(1000),
	})
	if err != nil {
		t.Fatalf("BuildTransaction: %v", err)
	}
	if txn.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", txn.Nonce())
	}
	if txn.Gas() != 21000 {
		t.Fatalf("gas = %d, want estimated 21000", txn.Gas())
	}
	// feeCap = 2*baseFee + tip = 202
	if txn.GasFeeCap().Int64() != 202 {
		t.Fatalf("feeCap = %s, want 202", txn.GasFeeCap())
	}
	if txn.To() == nil || *txn.To() != to {
		t.Fatalf("to = %v", txn.To())
	}
}

func TestSimulateTransactionFailure(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.callErr = errors.New("execution reverted")
	adapter := newTestAdapter(backend)

	txn, err := adapter.BuildTransaction(ctx, chain.BuildRequest{
		From:  common.HexToAddress("0xbb"),
		To:    common.HexToAddress("0xaa"),
		Value: big.NewInt(1),
	})
	if err != nil {
		t.Fatalf("BuildTransaction: %v", err)
	}
	err = adapter.SimulateTransaction(ctx, common.HexToAddress("0xbb"), txn)
	if err == nil {
		t.Fatal("simulation succeeded, want SIMULATION_FAILED")
	}
	if xerrors.CodeOf(err) != chain.CodeSimulationFailed {
		t.Fatalf("code = %s, want SIMULATION_FAILED", xerrors.CodeOf(err))
	}
}

func TestSignAndSubmit(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	adapter := newTestAdapter(backend)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	txn, err := adapter.BuildTransaction(ctx, chain.BuildRequest{
		From:  crypto.PubkeyToAddress(key.PublicKey),
		To:    common.HexToAddress("0xaa"),
		Value: big.NewInt(5),
	})
	if err != nil {
		t.Fatalf("BuildTransaction: %v", err)
	}

	signed, err := adapter.SignTransaction(ctx, txn, crypto.FromECDSA(key))
	if err != nil {
		t.Fatalf("SignTransaction: %v", err)
	}
	signer := coretypes.LatestSignerForChainID(big.NewInt(1337))
	sender, err := coretypes.Sender(signer, signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("sender = %s, want signer address", sender.Hex())
	}

	hash, err := adapter.SubmitTransaction(ctx, signed)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if hash != signed.Hash().Hex() {
		t.Fatalf("hash = %s, want %s", hash, signed.Hash().Hex())
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(backend.sent))
	}
}

func TestSignRejectsMalformedKey(t *testing.T) {
	backend := newFakeBackend()
	adapter := newTestAdapter(backend)
	txn := coretypes.NewTx(&coretypes.DynamicFeeTx{ChainID: big.NewInt(1337)})
	if _, err := adapter.SignTransaction(context.Background(), txn, []byte{0x01, 0x02}); err == nil {
		t.Fatal("signed with malformed key")
	}
}

func TestWaitForConfirmation(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	adapter := newTestAdapter(backend)

	hash := common.HexToHash("0xdead")
	backend.receiptAfter = 2
	backend.receipts[hash] = &coretypes.Receipt{
		Status:      coretypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
		GasUsed:     21000,
	}

	receipt, err := adapter.WaitForConfirmation(ctx, hash.Hex(), time.Second)
	if err != nil {
		t.Fatalf("WaitForConfirmation: %v", err)
	}
	if !receipt.Success || receipt.BlockNumber != 42 {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestWaitForConfirmationTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptAfter = 1 << 30
	adapter := newTestAdapter(backend)

	_, err := adapter.WaitForConfirmation(context.Background(), common.HexToHash("0xbeef").Hex(), 20*time.Millisecond)
	if err == nil {
		t.Fatal("confirmation succeeded, want timeout")
	}
	if xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("code = %s, want CHAIN_ERROR", xerrors.CodeOf(err))
	}
}

func TestERC20Calldata(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := ERC20TransferData(to, big.NewInt(1000))
	if err != nil {
		t.Fatalf("ERC20TransferData: %v", err)
	}
	// 4 字节方法选择子 + 两个 32 字节参数。
	if len(data) != 4+32+32 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	if common.Bytes2Hex(data[:4]) != "a9059cbb" {
		t.Fatalf("selector = %s, want a9059cbb", common.Bytes2Hex(data[:4]))
	}

	approve, err := ERC20ApproveData(to, big.NewInt(500))
	if err != nil {
		t.Fatalf("ERC20ApproveData: %v", err)
	}
	if common.Bytes2Hex(approve[:4]) != "095ea7b3" {
		t.Fatalf("selector = %s, want 095ea7b3", common.Bytes2Hex(approve[:4]))
	}
}
