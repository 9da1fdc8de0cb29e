package ethereum

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// defaultReceiptPollInterval 是确认轮询的回执查询间隔。
const defaultReceiptPollInterval = 2 * time.Second

// backend 是适配器依赖的节点访问子集，ethclient.Client 完整实现。
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, txn *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config describes how to construct an EVM compatible adapter.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
}

// Adapter 基于 go-ethereum 实现 chain.Adapter。
type Adapter struct {
	name         string
	rpcClient    *gethrpc.Client
	backend      backend
	chainID      *big.Int
	pollInterval time.Duration
}

// NewAdapter dials the configured RPC endpoint and returns a ready-to-use adapter.
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取链 ID 失败")
		}
	}

	return &Adapter{
		name:         cfg.Name,
		rpcClient:    rpcClient,
		backend:      eth,
		chainID:      chainID,
		pollInterval: defaultReceiptPollInterval,
	}, nil
}

// NewAdapterWithBackend 使用注入的后端构造适配器，用于测试。
func NewAdapterWithBackend(name string, chainID *big.Int, b backend, pollInterval time.Duration) *Adapter {
	if pollInterval <= 0 {
		pollInterval = defaultReceiptPollInterval
	}
	return &Adapter{
		name:         name,
		backend:      b,
		chainID:      new(big.Int).Set(chainID),
		pollInterval: pollInterval,
	}
}

// Close releases network connections held by the adapter.
func (a *Adapter) Close() {
	if a.rpcClient != nil {
		a.rpcClient.Close()
		a.rpcClient = nil
	}
}

// BuildTransaction 查询 nonce 与费率并组装 DynamicFeeTx。
// GasLimit 为零时通过 EstimateGas 估算。
func (a *Adapter) BuildTransaction(ctx context.Context, req chain.BuildRequest) (*coretypes.Transaction, error) {
	nonce, err := a.backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 nonce 失败")
	}
	gasTipCap, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询小费上限失败")
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询最新区块头失败")
	}

	// feeCap = 2*baseFee + tip，容忍两倍的基础费上涨。
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit, err = a.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:  req.From,
			To:    &req.To,
			Value: req.Value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, xerrors.Wrap(chain.CodeSimulationFailed, err, "估算 gas 失败")
		}
	}

	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &req.To,
		Value:     req.Value,
		Data:      req.Data,
	}), nil
}

// SimulateTransaction 以 eth_call 预演交易，revert 时返回 SIMULATION_FAILED。
func (a *Adapter) SimulateTransaction(ctx context.Context, from common.Address, txn *coretypes.Transaction) error {
	if txn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	_, err := a.backend.CallContract(ctx, gethcore.CallMsg{
		From:      from,
		To:        txn.To(),
		Gas:       txn.Gas(),
		GasFeeCap: txn.GasFeeCap(),
		GasTipCap: txn.GasTipCap(),
		Value:     txn.Value(),
		Data:      txn.Data(),
	}, nil)
	if err != nil {
		return xerrors.Wrap(chain.CodeSimulationFailed, err, "交易模拟执行失败")
	}
	return nil
}

// SignTransaction 使用裸私钥字节签名，不持有密钥引用。
func (a *Adapter) SignTransaction(_ context.Context, txn *coretypes.Transaction, privateKey []byte) (*coretypes.Transaction, error) {
	if txn == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "私钥格式不合法")
	}
	signed, err := coretypes.SignTx(txn, coretypes.LatestSignerForChainID(a.chainID), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	return signed, nil
}

// SubmitTransaction 广播已签名交易并返回交易哈希。
func (a *Adapter) SubmitTransaction(ctx context.Context, txn *coretypes.Transaction) (string, error) {
	if txn == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	if err := a.backend.SendTransaction(ctx, txn); err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "广播交易失败",
			xerrors.WithRetryable(true))
	}
	return txn.Hash().Hex(), nil
}

// WaitForConfirmation 轮询回执直到确认或超时。
func (a *Adapter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return &chain.Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == coretypes.ReceiptStatusSuccessful,
			}, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败")
		}

		select {
		case <-waitCtx.Done():
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, waitCtx.Err(), "等待交易确认超时",
				xerrors.WithRetryable(true))
		case <-ticker.C:
		}
	}
}

// GetBalance 查询最新区块的账户余额。
func (a *Adapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	balance, err := a.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败")
	}
	return balance, nil
}

var _ chain.Adapter = (*Adapter)(nil)
