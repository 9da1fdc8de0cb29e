package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"AgentVault/internal/tx"
)

type staticValuer struct {
	value float64
	err   error
}

func (v *staticValuer) ValueUSD(_ context.Context, _ *tx.Transaction) (float64, error) {
	return v.value, v.err
}

func mustRules(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("编码规则失败: %v", err)
	}
	return raw
}

func newEngineFixture(t *testing.T, valuer Valuer, policies ...*Policy) (*Engine, *tx.MemoryStore, Store) {
	t.Helper()
	policyStore := NewMemoryStore()
	txStore := tx.NewMemoryStore()
	for _, p := range policies {
		if err := policyStore.Create(context.Background(), p); err != nil {
			t.Fatalf("创建策略失败: %v", err)
		}
	}
	return NewEngine(policyStore, txStore, valuer), txStore, policyStore
}

func transfer(id, wallet string, amount int64) *tx.Transaction {
	return &tx.Transaction{
		ID:        id,
		WalletID:  wallet,
		Chain:     "sepolia",
		Type:      tx.TypeTransfer,
		ToAddress: "0x00000000000000000000000000000000000000aa",
		Amount:    big.NewInt(amount),
	}
}

func TestEvaluateNoPoliciesPassthrough(t *testing.T) {
	engine, _, _ := newEngineFixture(t, nil)
	eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", 100))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if !eval.Allowed || eval.Tier != tx.TierInstant {
		t.Fatalf("无策略应 INSTANT 放行, 实际 %+v", eval)
	}
}

func TestEvaluateWhitelistDeny(t *testing.T) {
	engine, _, _ := newEngineFixture(t, nil, &Policy{
		ID:      "p-wl",
		Type:    TypeWhitelist,
		Enabled: true,
		Rules:   []byte(`{"addresses":["0x00000000000000000000000000000000000000bb"]}`),
	})
	eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", 100))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if eval.Allowed || eval.RuleType != TypeWhitelist {
		t.Fatalf("非白名单收款应被拒绝, 实际 %+v", eval)
	}
}

func TestEvaluateSpendingTiers(t *testing.T) {
	rules := SpendingLimitRules{
		InstantMax:   "100",
		NotifyMax:    "1000",
		DelayMax:     "10000",
		DelaySeconds: 300,
	}
	cases := []struct {
		amount    int64
		tier      tx.Tier
		delaySecs int64
	}{
		{100, tx.TierInstant, 0},
		{101, tx.TierNotify, 0},
		{1000, tx.TierNotify, 0},
		{1001, tx.TierDelay, 300},
		{10000, tx.TierDelay, 300},
		{10001, tx.TierApproval, 0},
	}
	for _, tc := range cases {
		engine, _, _ := newEngineFixture(t, nil, &Policy{
			ID:      "p-sl",
			Type:    TypeSpendingLimit,
			Enabled: true,
			Rules:   mustRules(t, rules),
		})
		eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", tc.amount))
		if err != nil {
			t.Fatalf("评估失败: %v", err)
		}
		if !eval.Allowed {
			t.Fatalf("分层不应拒绝: %+v", eval)
		}
		if eval.Tier != tc.tier {
			t.Fatalf("金额 %d 期望 %s, 实际 %s", tc.amount, tc.tier, eval.Tier)
		}
		if eval.DelaySeconds != tc.delaySecs {
			t.Fatalf("金额 %d 期望延迟 %d, 实际 %d", tc.amount, tc.delaySecs, eval.DelaySeconds)
		}
	}
}

func TestEvaluateUSDTierTakesStricter(t *testing.T) {
	rules := SpendingLimitRules{
		InstantMax:    "1000000",
		InstantMaxUSD: 10,
		NotifyMaxUSD:  50,
		DelayMaxUSD:   100,
	}
	engine, _, _ := newEngineFixture(t, &staticValuer{value: 60}, &Policy{
		ID:      "p-usd",
		Type:    TypeSpendingLimit,
		Enabled: true,
		Rules:   mustRules(t, rules),
	})
	eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", 10))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	// 原生层级 INSTANT，USD 层级 DELAY，取更严格者。
	if eval.Tier != tx.TierDelay {
		t.Fatalf("期望 DELAY, 实际 %s", eval.Tier)
	}
}

func TestEvaluateOracleUnavailableEscalates(t *testing.T) {
	rules := SpendingLimitRules{InstantMaxUSD: 10}
	engine, _, _ := newEngineFixture(t, &staticValuer{err: fmt.Errorf("oracle down")}, &Policy{
		ID:      "p-or",
		Type:    TypeSpendingLimit,
		Enabled: true,
		Rules:   mustRules(t, rules),
	})
	eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", 10))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if eval.Tier != tx.TierApproval || eval.EscalationReason != "oracle_unavailable" {
		t.Fatalf("预言机不可用应升格 APPROVAL, 实际 %+v", eval)
	}
}

func TestEvaluateOracleFailOpenSkips(t *testing.T) {
	rules := SpendingLimitRules{InstantMaxUSD: 10}
	policyStore := NewMemoryStore()
	txStore := tx.NewMemoryStore()
	if err := policyStore.Create(context.Background(), &Policy{
		ID:      "p-or2",
		Type:    TypeSpendingLimit,
		Enabled: true,
		Rules:   mustRules(t, rules),
	}); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}
	engine := NewEngine(policyStore, txStore, &staticValuer{err: fmt.Errorf("oracle down")},
		WithEngineConfig(EngineConfig{USDFailOpen: true}))
	eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", 10))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if eval.Tier != tx.TierInstant || eval.EscalationReason != "" {
		t.Fatalf("fail-open 应跳过 USD 检查, 实际 %+v", eval)
	}
}

func TestEvaluateApproveTierOverrideFinal(t *testing.T) {
	engine, _, _ := newEngineFixture(t, nil,
		&Policy{
			ID:      "p-at",
			Type:    TypeApproveTier,
			Enabled: true,
			Rules:   []byte(`{"tier":"APPROVAL"}`),
		},
		&Policy{
			ID:      "p-sl",
			Type:    TypeSpendingLimit,
			Enabled: true,
			Rules:   []byte(`{"instant_max":"1000000000"}`),
		},
	)
	txn := &tx.Transaction{
		ID:             "tx-ap",
		WalletID:       "wallet-1",
		Chain:          "sepolia",
		Type:           tx.TypeApprove,
		TokenAddress:   "0x00000000000000000000000000000000000000cc",
		SpenderAddress: "0x00000000000000000000000000000000000000dd",
		ApprovedAmount: big.NewInt(1),
	}
	eval, err := engine.Evaluate(context.Background(), txn)
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if eval.Tier != tx.TierApproval || eval.RuleType != TypeApproveTier {
		t.Fatalf("层级覆盖应为最终裁决, 实际 %+v", eval)
	}
}

func TestEvaluateTimeRestriction(t *testing.T) {
	policyStore := NewMemoryStore()
	txStore := tx.NewMemoryStore()
	if err := policyStore.Create(context.Background(), &Policy{
		ID:      "p-tr",
		Type:    TypeTimeRestriction,
		Enabled: true,
		Rules:   []byte(`{"start_hour":9,"end_hour":17}`),
	}); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}
	at := func(hour int) func() time.Time {
		return func() time.Time {
			return time.Date(2026, 1, 5, hour, 30, 0, 0, time.UTC)
		}
	}

	engine := NewEngine(policyStore, txStore, nil, WithClock(at(10)))
	eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", 1))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if !eval.Allowed {
		t.Fatalf("窗口内应放行, 实际 %+v", eval)
	}

	engine = NewEngine(policyStore, txStore, nil, WithClock(at(20)))
	eval, err = engine.Evaluate(context.Background(), transfer("tx-2", "wallet-1", 1))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if eval.Allowed || eval.RuleType != TypeTimeRestriction {
		t.Fatalf("窗口外应拒绝, 实际 %+v", eval)
	}
}

func TestOverrideResolutionPrefersWalletNetwork(t *testing.T) {
	global := &Policy{
		ID:        "p-g",
		Type:      TypeSpendingLimit,
		Enabled:   true,
		Rules:     []byte(`{"instant_max":"1"}`),
		CreatedAt: 100,
	}
	walletScoped := &Policy{
		ID:        "p-w",
		WalletID:  "wallet-1",
		Network:   "sepolia",
		Type:      TypeSpendingLimit,
		Enabled:   true,
		Rules:     []byte(`{"instant_max":"1000"}`),
		CreatedAt: 50,
	}
	engine, _, _ := newEngineFixture(t, nil, global, walletScoped)
	eval, err := engine.Evaluate(context.Background(), transfer("tx-1", "wallet-1", 500))
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	// 钱包+网络策略覆盖全局策略：500 <= 1000 应为 INSTANT。
	if eval.Tier != tx.TierInstant {
		t.Fatalf("期望 INSTANT, 实际 %s", eval.Tier)
	}
}

func TestEvaluateAndReserveDeniesAndCancels(t *testing.T) {
	engine, txStore, _ := newEngineFixture(t, nil, &Policy{
		ID:      "p-wl",
		Type:    TypeWhitelist,
		Enabled: true,
		Rules:   []byte(`{"addresses":["0x00000000000000000000000000000000000000bb"]}`),
	})
	ctx := context.Background()
	txn := transfer("tx-deny", "wallet-1", 10)
	if err := txStore.Create(ctx, txn); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}
	eval, err := engine.EvaluateAndReserve(ctx, txn)
	if err != nil {
		t.Fatalf("预留评估失败: %v", err)
	}
	if eval.Allowed {
		t.Fatalf("应被拒绝")
	}
	got, err := txStore.Get(ctx, "tx-deny")
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if got.Status != tx.StatusCancelled || got.ErrorCode != string(CodePolicyDenied) {
		t.Fatalf("拒绝后应 CANCELLED 并记录错误码, 实际 %+v", got)
	}
}

func TestEvaluateAndReserveCumulativeEscalation(t *testing.T) {
	rules := SpendingLimitRules{
		InstantMaxUSD: 1000,
		DailyLimitUSD: 100,
	}
	engine, txStore, _ := newEngineFixture(t, &staticValuer{value: 60}, &Policy{
		ID:      "p-cum",
		Type:    TypeSpendingLimit,
		Enabled: true,
		Rules:   mustRules(t, rules),
	})
	ctx := context.Background()

	first := transfer("tx-c1", "wallet-1", 10)
	if err := txStore.Create(ctx, first); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}
	eval, err := engine.EvaluateAndReserve(ctx, first)
	if err != nil {
		t.Fatalf("首笔预留失败: %v", err)
	}
	if eval.Tier != tx.TierInstant {
		t.Fatalf("首笔应 INSTANT, 实际 %+v", eval)
	}

	second := transfer("tx-c2", "wallet-1", 10)
	if err := txStore.Create(ctx, second); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}
	eval, err = engine.EvaluateAndReserve(ctx, second)
	if err != nil {
		t.Fatalf("第二笔预留失败: %v", err)
	}
	// 60 + 60 > 100：突破日累计限额升格 APPROVAL 而非拒绝。
	if !eval.Allowed || eval.Tier != tx.TierApproval || eval.EscalationReason != "cumulative_daily" {
		t.Fatalf("应升格 APPROVAL(cumulative_daily), 实际 %+v", eval)
	}
}

func TestEvaluateAndReserveWarningNearLimit(t *testing.T) {
	rules := SpendingLimitRules{
		InstantMaxUSD: 1000,
		DailyLimitUSD: 100,
	}
	engine, txStore, _ := newEngineFixture(t, &staticValuer{value: 85}, &Policy{
		ID:      "p-warn",
		Type:    TypeSpendingLimit,
		Enabled: true,
		Rules:   mustRules(t, rules),
	})
	ctx := context.Background()
	txn := transfer("tx-w1", "wallet-1", 10)
	if err := txStore.Create(ctx, txn); err != nil {
		t.Fatalf("创建交易失败: %v", err)
	}
	eval, err := engine.EvaluateAndReserve(ctx, txn)
	if err != nil {
		t.Fatalf("预留失败: %v", err)
	}
	if eval.Tier != tx.TierInstant || eval.Warning == "" {
		t.Fatalf("85%% 用量应产生预警, 实际 %+v", eval)
	}
}

// 并发预留不应共同突破累计限额：至多一笔保持 INSTANT。
func TestEvaluateAndReserveConcurrent(t *testing.T) {
	rules := SpendingLimitRules{
		InstantMaxUSD: 1000,
		DailyLimitUSD: 100,
	}
	engine, txStore, _ := newEngineFixture(t, &staticValuer{value: 60}, &Policy{
		ID:      "p-race",
		Type:    TypeSpendingLimit,
		Enabled: true,
		Rules:   mustRules(t, rules),
	})
	ctx := context.Background()

	ids := []string{"tx-p1", "tx-p2"}
	for _, id := range ids {
		if err := txStore.Create(ctx, transfer(id, "wallet-1", 10)); err != nil {
			t.Fatalf("创建交易失败: %v", err)
		}
	}

	results := make([]Evaluation, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(idx int, txID string) {
			defer wg.Done()
			txn := transfer(txID, "wallet-1", 10)
			eval, err := engine.EvaluateAndReserve(ctx, txn)
			if err != nil {
				t.Errorf("预留失败: %v", err)
				return
			}
			results[idx] = eval
		}(i, id)
	}
	wg.Wait()

	instant := 0
	for _, eval := range results {
		if eval.Tier == tx.TierInstant {
			instant++
		}
	}
	if instant != 1 {
		t.Fatalf("并发预留应恰好一笔 INSTANT, 实际 %d (%+v)", instant, results)
	}
}
