package oracle

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
)

// PriceOracle 返回资产的美元单价。
// 获取失败时返回 ORACLE_UNAVAILABLE，由策略引擎决定升格或放行。
type PriceOracle interface {
	Price(ctx context.Context, asset string) (float64, error)
	Close() error
}

// StaticOracle 以固定价格表实现 PriceOracle，用于测试与离线部署。
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewStaticOracle 创建 StaticOracle。资产名不区分大小写。
func NewStaticOracle(prices map[string]float64) *StaticOracle {
	normalized := make(map[string]float64, len(prices))
	for asset, price := range prices {
		normalized[strings.ToUpper(asset)] = price
	}
	return &StaticOracle{prices: normalized}
}

// Price 实现 PriceOracle。
func (o *StaticOracle) Price(_ context.Context, asset string) (float64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[strings.ToUpper(asset)]
	if !ok {
		return 0, xerrors.New(xerrors.CodeOracleFailure, "未知资产 "+asset)
	}
	return price, nil
}

// SetPrice 更新价格表，用于测试。
func (o *StaticOracle) SetPrice(asset string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[strings.ToUpper(asset)] = price
}

// Close 实现 PriceOracle。
func (o *StaticOracle) Close() error { return nil }

var _ PriceOracle = (*StaticOracle)(nil)

// Valuer 把交易金额折算为美元，实现策略引擎的估值接口。
// 资产符号来自交易元数据 asset 字段，缺省按网络原生资产处理。
type Valuer struct {
	oracle        PriceOracle
	nativeSymbols map[string]string
	decimals      int
}

// NewValuer 创建 Valuer。nativeSymbols 以网络名映射原生资产符号。
// decimals 是金额的最小单位位数，EVM 原生资产为 18。
func NewValuer(oracle PriceOracle, nativeSymbols map[string]string, decimals int) *Valuer {
	if decimals <= 0 {
		decimals = 18
	}
	normalized := make(map[string]string, len(nativeSymbols))
	for network, symbol := range nativeSymbols {
		normalized[strings.ToLower(network)] = strings.ToUpper(symbol)
	}
	return &Valuer{oracle: oracle, nativeSymbols: normalized, decimals: decimals}
}

// ValueUSD 实现 policy.Valuer。
func (v *Valuer) ValueUSD(ctx context.Context, txn *tx.Transaction) (float64, error) {
	if txn == nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	amount := txn.EffectiveAmount()
	if amount == nil || amount.Sign() == 0 {
		return 0, nil
	}

	asset := v.assetOf(txn)
	if asset == "" {
		return 0, xerrors.New(xerrors.CodeOracleFailure, "无法确定交易资产")
	}
	price, err := v.oracle.Price(ctx, asset)
	if err != nil {
		return 0, err
	}
	return unitsToFloat(amount, v.decimals) * price, nil
}

func (v *Valuer) assetOf(txn *tx.Transaction) string {
	if symbol, ok := txn.Metadata["asset"].(string); ok && strings.TrimSpace(symbol) != "" {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	return v.nativeSymbols[strings.ToLower(txn.Chain)]
}

// unitsToFloat 把最小单位金额换算成整数量。大额损失精度可接受：
// 估值只用于层级分类与累计窗口，不参与链上金额。
func unitsToFloat(amount *big.Int, decimals int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetFloat64(math.Pow10(decimals)),
	).Float64()
	return f
}
