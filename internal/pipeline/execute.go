package pipeline

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"AgentVault/internal/chain"
	"AgentVault/internal/chain/ethereum"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/keystore"
	"AgentVault/internal/notify"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/tx"
	"AgentVault/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// executeAndConfirm 是第五、六阶段：构建、模拟、签名、提交、等待回执。
// 进入时交易必须已处于 EXECUTING，任何失败都写入终局状态。
func (p *Pipeline) executeAndConfirm(ctx context.Context, txn *tx.Transaction) error {
	adapter, err := p.chains.Adapter(txn.Chain)
	if err != nil {
		return p.failExecution(ctx, txn, err)
	}
	wallet, err := p.wallets.Get(ctx, txn.WalletID)
	if err != nil {
		return p.failExecution(ctx, txn, err)
	}
	from := common.HexToAddress(wallet.Address)

	req, err := buildRequest(from, txn)
	if err != nil {
		return p.failExecution(ctx, txn, err)
	}
	built, err := adapter.BuildTransaction(ctx, req)
	if err != nil {
		return p.failExecution(ctx, txn, err)
	}
	if err := adapter.SimulateTransaction(ctx, from, built); err != nil {
		return p.failExecution(ctx, txn, err)
	}

	secret, err := p.keys.DecryptPrivateKey(txn.WalletID, p.cfg.KeyPassphrase)
	if err != nil {
		return p.failExecution(ctx, txn, err)
	}
	// 签名后立即清零；defer 覆盖签名过程 panic 的退栈路径。
	defer keystore.ReleaseKey(secret)
	signed, signErr := adapter.SignTransaction(ctx, built, secret)
	keystore.ReleaseKey(secret)
	if signErr != nil {
		return p.failExecution(ctx, txn, signErr)
	}

	txHash, err := adapter.SubmitTransaction(ctx, signed)
	if err != nil {
		return p.failExecution(ctx, txn, err)
	}
	if err := p.txs.MarkSubmitted(ctx, txn.ID, txHash); err != nil {
		p.log.Error("记录提交状态出错", "tx_id", txn.ID, "error", err)
	}
	logger.Audit().Info("tx_submitted",
		slog.String("tx_id", txn.ID),
		slog.String("wallet_id", txn.WalletID),
		slog.String("tx_hash", txHash),
	)
	p.events.Publish(notify.NewEvent(notify.KindTxSubmitted, txn.WalletID, txn.ID, "transaction submitted").
		WithField("tx_hash", txHash))

	receipt, err := adapter.WaitForConfirmation(ctx, txHash, p.cfg.ConfirmTimeout)
	if err != nil {
		return p.failExecution(ctx, txn, err)
	}
	if !receipt.Success {
		return p.failExecution(ctx, txn, xerrors.New(xerrors.CodeChainFailure, "交易在链上回滚"))
	}

	executedAt := time.Now().Unix()
	if err := p.txs.MarkConfirmed(ctx, txn.ID, executedAt); err != nil {
		p.log.Error("记录确认状态出错", "tx_id", txn.ID, "error", err)
	}
	logger.Audit().Info("tx_confirmed",
		slog.String("tx_id", txn.ID),
		slog.String("wallet_id", txn.WalletID),
		slog.String("tx_hash", receipt.TxHash),
		slog.Uint64("block", receipt.BlockNumber),
	)
	p.events.Publish(notify.NewEvent(notify.KindTxConfirmed, txn.WalletID, txn.ID, "transaction confirmed").
		WithField("tx_hash", receipt.TxHash).
		WithField("block", receipt.BlockNumber))
	metrics.ObserveTransaction(string(tx.StatusConfirmed), string(txn.Tier))
	return nil
}

func (p *Pipeline) failExecution(ctx context.Context, txn *tx.Transaction, cause error) error {
	code := xerrors.CodeOf(cause)
	if err := p.txs.MarkFailed(ctx, txn.ID, code, cause.Error()); err != nil {
		p.log.Error("记录失败状态出错", "tx_id", txn.ID, "error", err)
	}
	logger.Audit().Warn("tx_failed",
		slog.String("tx_id", txn.ID),
		slog.String("wallet_id", txn.WalletID),
		slog.String("code", string(code)),
		slog.String("error", cause.Error()),
	)
	p.events.Publish(notify.NewEvent(notify.KindTxFailed, txn.WalletID, txn.ID, cause.Error()).
		WithField("code", string(code)))
	metrics.ObserveTransaction(string(tx.StatusFailed), string(txn.Tier))
	return cause
}

// buildRequest 把交易类型映射为链上调用。
func buildRequest(from common.Address, txn *tx.Transaction) (chain.BuildRequest, error) {
	switch txn.Type {
	case tx.TypeTransfer:
		return chain.BuildRequest{
			From:  from,
			To:    common.HexToAddress(txn.ToAddress),
			Value: txn.Amount,
		}, nil
	case tx.TypeTokenTransfer:
		data, err := ethereum.ERC20TransferData(common.HexToAddress(txn.ToAddress), txn.Amount)
		if err != nil {
			return chain.BuildRequest{}, err
		}
		return chain.BuildRequest{
			From: from,
			To:   common.HexToAddress(txn.TokenAddress),
			Data: data,
		}, nil
	case tx.TypeApprove:
		data, err := ethereum.ERC20ApproveData(common.HexToAddress(txn.SpenderAddress), txn.ApprovedAmount)
		if err != nil {
			return chain.BuildRequest{}, err
		}
		return chain.BuildRequest{
			From: from,
			To:   common.HexToAddress(txn.TokenAddress),
			Data: data,
		}, nil
	case tx.TypeContractCall:
		value := txn.Amount
		if value == nil {
			value = new(big.Int)
		}
		return chain.BuildRequest{
			From:  from,
			To:    common.HexToAddress(txn.ContractAddress),
			Value: value,
			Data:  common.FromHex(txn.Data),
		}, nil
	default:
		return chain.BuildRequest{}, xerrors.New(xerrors.CodeInvalidArgument, "不支持的交易类型 "+string(txn.Type))
	}
}
