package chain

import (
	"context"
	"math/big"
	"time"

	xerrors "AgentVault/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// BuildRequest 描述一笔待构建的链上交易。
// Data 为空时表示原生转账。
type BuildRequest struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// Receipt 是确认后的交易回执摘要。
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// Adapter 定义了统一的链访问接口，上层按网络名选取实现。
// SignTransaction 接收裸私钥字节，调用方负责密钥的获取与清零。
type Adapter interface {
	BuildTransaction(ctx context.Context, req BuildRequest) (*coretypes.Transaction, error)
	SimulateTransaction(ctx context.Context, from common.Address, txn *coretypes.Transaction) error
	SignTransaction(ctx context.Context, txn *coretypes.Transaction, privateKey []byte) (*coretypes.Transaction, error)
	SubmitTransaction(ctx context.Context, txn *coretypes.Transaction) (string, error)
	// WaitForConfirmation 轮询回执直到确认或超时。
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	Close()
}

const (
	CodeSimulationFailed xerrors.Code = "SIMULATION_FAILED"
	CodeChainNotFound    xerrors.Code = "CHAIN_NOT_FOUND"
)

// ErrChainNotFound 表示请求的网络未在注册表中配置。
var ErrChainNotFound = xerrors.New(CodeChainNotFound, "chain not configured")

func init() {
	xerrors.Register(CodeSimulationFailed, xerrors.Attributes{
		Message:   "transaction simulation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeChainNotFound, xerrors.Attributes{
		Message:   "chain not configured",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
