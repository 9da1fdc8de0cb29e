package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
	"AgentVault/pkg/logger"
)

// Valuer 将交易金额折算为 USD。
type Valuer interface {
	ValueUSD(ctx context.Context, txn *tx.Transaction) (float64, error)
}

// Evaluation 是一次策略评估的结果。
// Allowed 为假时 Reason 记录拒绝原因；
// EscalationReason 记录层级被升格的原因（如 cumulative_daily）。
type Evaluation struct {
	Allowed          bool    `json:"allowed"`
	Tier             tx.Tier `json:"tier"`
	Reason           string  `json:"reason,omitempty"`
	RuleType         Type    `json:"rule_type,omitempty"`
	EscalationReason string  `json:"escalation_reason,omitempty"`
	Warning          string  `json:"warning,omitempty"`
	DelaySeconds     int64   `json:"delay_seconds,omitempty"`
	ApprovalTimeout  int64   `json:"approval_timeout,omitempty"`
	AmountUSD        float64 `json:"amount_usd,omitempty"`
}

const (
	escalationOracleUnavailable = "oracle_unavailable"
	escalationCumulativeDaily   = "cumulative_daily"
	escalationCumulativeMonthly = "cumulative_monthly"

	cumulativeWarnRatio = 0.8
)

// EngineConfig 控制评估行为。
type EngineConfig struct {
	// USDFailOpen 为真时，USD 限额在预言机不可用时被跳过（原始行为）。
	// 默认保守升格为 APPROVAL。
	USDFailOpen bool
}

// Engine 执行策略评估与带预留的授权。
type Engine struct {
	policies Store
	txs      tx.Store
	valuer   Valuer
	cfg      EngineConfig
	log      *slog.Logger
	now      func() time.Time
}

// EngineOption 配置 Engine。
type EngineOption func(*Engine)

// WithEngineConfig 覆盖默认评估配置。
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock 注入时间源，用于测试时间窗口规则。
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建策略引擎。valuer 可以为 nil，此时 USD 相关检查
// 按预言机不可用处理。
func NewEngine(policies Store, txs tx.Store, valuer Valuer, opts ...EngineOption) *Engine {
	engine := &Engine{
		policies: policies,
		txs:      txs,
		valuer:   valuer,
		log:      logger.Named("policy"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Evaluate 执行只读评估：拒绝优先规则加分层，不含累计限额
// （累计限额依赖预留快照，仅在 EvaluateAndReserve 中强制执行）。
func (e *Engine) Evaluate(ctx context.Context, txn *tx.Transaction) (Evaluation, error) {
	eval, _, err := e.staticEvaluate(ctx, txn)
	return eval, err
}

// EvaluateAndReserve 在钱包级预留事务内完成授权：
// 评估通过时原子写入预留额，被拒绝时交易转入 CANCELLED。
// 并发提交无法共同突破累计限额。
func (e *Engine) EvaluateAndReserve(ctx context.Context, txn *tx.Transaction) (Evaluation, error) {
	eval, spendRules, err := e.staticEvaluate(ctx, txn)
	if err != nil {
		return Evaluation{}, err
	}

	reserveErr := e.txs.WithReservation(ctx, txn.WalletID, txn.ID, func(snap tx.SpendSnapshot) (tx.ReserveDecision, error) {
		if eval.Allowed && spendRules != nil {
			e.applyCumulative(&eval, spendRules, snap)
		}
		if !eval.Allowed {
			return tx.ReserveDecision{
				Approve:  false,
				Reason:   eval.Reason,
				DenyCode: CodePolicyDenied,
			}, nil
		}
		return tx.ReserveDecision{
			Approve:     true,
			Tier:        eval.Tier,
			Reserved:    txn.EffectiveAmount(),
			ReservedUSD: eval.AmountUSD,
			AmountUSD:   eval.AmountUSD,
		}, nil
	})
	if reserveErr != nil {
		return Evaluation{}, reserveErr
	}

	if !eval.Allowed {
		e.log.Warn("交易被策略拒绝",
			"tx_id", txn.ID,
			"wallet_id", txn.WalletID,
			"rule_type", string(eval.RuleType),
			"reason", eval.Reason,
		)
	}
	logger.Audit().Info("policy_decision",
		"tx_id", txn.ID,
		"wallet_id", txn.WalletID,
		"allowed", eval.Allowed,
		"tier", string(eval.Tier),
		"reason", eval.Reason,
		"escalation", eval.EscalationReason,
		"amount_usd", eval.AmountUSD,
	)
	return eval, nil
}

// staticEvaluate 运行全部拒绝优先规则与分层，返回评估结果
// 与待做累计检查的消费限额规则（未配置时为 nil）。
func (e *Engine) staticEvaluate(ctx context.Context, txn *tx.Transaction) (Evaluation, *SpendingLimitRules, error) {
	if txn == nil {
		return Evaluation{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}

	active, err := e.policies.ListActive(ctx, txn.WalletID, txn.Chain)
	if err != nil {
		return Evaluation{}, nil, err
	}
	// 无策略即放行：受管钱包的默认姿态由部署方通过全局策略决定。
	if len(active) == 0 {
		return Evaluation{Allowed: true, Tier: tx.TierInstant}, nil, nil
	}

	resolved := resolveOverrides(active)

	for _, ruleType := range evaluationOrder {
		p, ok := resolved[ruleType]
		if !ok {
			continue
		}
		switch ruleType {
		case TypeWhitelist:
			if eval, deny := e.checkWhitelist(p, txn); deny {
				return eval, nil, nil
			}
		case TypeAllowedNetworks:
			if eval, deny := e.checkAllowedNetworks(p, txn); deny {
				return eval, nil, nil
			}
		case TypeAllowedTokens:
			if eval, deny := e.checkAllowedTokens(p, txn); deny {
				return eval, nil, nil
			}
		case TypeContractWhitelist:
			if eval, deny := e.checkContractWhitelist(p, txn); deny {
				return eval, nil, nil
			}
		case TypeMethodWhitelist:
			if eval, deny := e.checkMethodWhitelist(p, txn); deny {
				return eval, nil, nil
			}
		case TypeApprovedSpenders:
			if eval, deny := e.checkApprovedSpenders(p, txn); deny {
				return eval, nil, nil
			}
		case TypeApproveAmountLimit:
			if eval, deny := e.checkApproveAmountLimit(p, txn); deny {
				return eval, nil, nil
			}
		case TypeRateLimit:
			eval, deny, err := e.checkRateLimit(ctx, p, txn)
			if err != nil {
				return Evaluation{}, nil, err
			}
			if deny {
				return eval, nil, nil
			}
		case TypeTimeRestriction:
			if eval, deny := e.checkTimeRestriction(p); deny {
				return eval, nil, nil
			}
		case TypeX402Domain:
			if eval, deny := e.checkX402Domain(p, txn); deny {
				return eval, nil, nil
			}
		case TypeApproveTier:
			// APPROVE 的层级覆盖为最终裁决，跳过消费分层。
			if txn.Type == tx.TypeApprove {
				var rules ApproveTierRules
				if err := decodeRules(p.Rules, &rules); err != nil {
					return Evaluation{}, nil, err
				}
				return Evaluation{Allowed: true, Tier: rules.Tier, RuleType: TypeApproveTier}, nil, nil
			}
		case TypeSpendingLimit:
			var rules SpendingLimitRules
			if err := decodeRules(p.Rules, &rules); err != nil {
				return Evaluation{}, nil, err
			}
			eval, err := e.classify(ctx, txn, &rules)
			if err != nil {
				return Evaluation{}, nil, err
			}
			return eval, &rules, nil
		}
	}

	// 有策略但没有消费限额规则：通过全部拒绝检查后按 INSTANT 放行。
	return Evaluation{Allowed: true, Tier: tx.TierInstant}, nil, nil
}

func deny(ruleType Type, reason string) (Evaluation, bool) {
	return Evaluation{Allowed: false, Reason: reason, RuleType: ruleType}, true
}

func (e *Engine) checkWhitelist(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	if txn.Type != tx.TypeTransfer && txn.Type != tx.TypeTokenTransfer {
		return Evaluation{}, false
	}
	var rules WhitelistRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeWhitelist, "whitelist rules malformed")
	}
	if !containsFold(rules.Addresses, txn.ToAddress) {
		return deny(TypeWhitelist, "recipient not whitelisted")
	}
	return Evaluation{}, false
}

func (e *Engine) checkAllowedNetworks(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	var rules AllowedNetworksRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeAllowedNetworks, "allowed networks rules malformed")
	}
	if !containsFold(rules.Networks, txn.Chain) {
		return deny(TypeAllowedNetworks, "network not allowed")
	}
	return Evaluation{}, false
}

func (e *Engine) checkAllowedTokens(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	if txn.Type != tx.TypeTokenTransfer && txn.Type != tx.TypeApprove {
		return Evaluation{}, false
	}
	var rules AllowedTokensRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeAllowedTokens, "allowed tokens rules malformed")
	}
	if !containsFold(rules.Tokens, txn.TokenAddress) {
		return deny(TypeAllowedTokens, "token not allowed")
	}
	return Evaluation{}, false
}

func (e *Engine) checkContractWhitelist(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	if txn.Type != tx.TypeContractCall {
		return Evaluation{}, false
	}
	var rules ContractWhitelistRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeContractWhitelist, "contract whitelist rules malformed")
	}
	if !containsFold(rules.Contracts, txn.ContractAddress) {
		return deny(TypeContractWhitelist, "contract not whitelisted")
	}
	return Evaluation{}, false
}

func (e *Engine) checkMethodWhitelist(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	if txn.Type != tx.TypeContractCall {
		return Evaluation{}, false
	}
	var rules MethodWhitelistRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeMethodWhitelist, "method whitelist rules malformed")
	}
	if txn.MethodSignature == "" || !containsFold(rules.Methods, txn.MethodSignature) {
		return deny(TypeMethodWhitelist, "method not whitelisted")
	}
	return Evaluation{}, false
}

func (e *Engine) checkApprovedSpenders(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	if txn.Type != tx.TypeApprove {
		return Evaluation{}, false
	}
	var rules ApprovedSpendersRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeApprovedSpenders, "approved spenders rules malformed")
	}
	if !containsFold(rules.Spenders, txn.SpenderAddress) {
		return deny(TypeApprovedSpenders, "spender not approved")
	}
	return Evaluation{}, false
}

func (e *Engine) checkApproveAmountLimit(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	if txn.Type != tx.TypeApprove {
		return Evaluation{}, false
	}
	var rules ApproveAmountLimitRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeApproveAmountLimit, "approve amount limit rules malformed")
	}
	max, err := parseAmount(rules.MaxAmount)
	if err != nil {
		return deny(TypeApproveAmountLimit, "approve amount limit rules malformed")
	}
	if txn.ApprovedAmount == nil || txn.ApprovedAmount.Cmp(max) > 0 {
		return deny(TypeApproveAmountLimit, "approve amount exceeds limit")
	}
	return Evaluation{}, false
}

func (e *Engine) checkRateLimit(ctx context.Context, p *Policy, txn *tx.Transaction) (Evaluation, bool, error) {
	var rules RateLimitRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		eval, _ := deny(TypeRateLimit, "rate limit rules malformed")
		return eval, true, nil
	}
	since := e.now().Add(-time.Duration(rules.WindowSeconds) * time.Second)
	stats, err := e.txs.Stats(ctx, tx.WithWallet(txn.WalletID), tx.WithCreatedSince(since))
	if err != nil {
		return Evaluation{}, false, err
	}
	// 取消、过期、失败的交易不计入窗口。
	count := stats.Total - stats.Cancelled - stats.Expired - stats.Failed
	if count >= int64(rules.MaxCount) {
		eval, _ := deny(TypeRateLimit, fmt.Sprintf("rate limit exceeded: %d in window", count))
		return eval, true, nil
	}
	return Evaluation{}, false, nil
}

func (e *Engine) checkTimeRestriction(p *Policy) (Evaluation, bool) {
	var rules TimeRestrictionRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeTimeRestriction, "time restriction rules malformed")
	}
	hour := e.now().UTC().Hour()
	allowed := false
	if rules.StartHour < rules.EndHour {
		allowed = hour >= rules.StartHour && hour < rules.EndHour
	} else {
		allowed = hour >= rules.StartHour || hour < rules.EndHour
	}
	if !allowed {
		return deny(TypeTimeRestriction, "outside allowed time window")
	}
	return Evaluation{}, false
}

func (e *Engine) checkX402Domain(p *Policy, txn *tx.Transaction) (Evaluation, bool) {
	domain, _ := txn.Metadata["x402_domain"].(string)
	if domain == "" {
		return Evaluation{}, false
	}
	var rules X402DomainRules
	if err := decodeRules(p.Rules, &rules); err != nil {
		return deny(TypeX402Domain, "x402 domain rules malformed")
	}
	if !containsFold(rules.Domains, domain) {
		return deny(TypeX402Domain, "payment domain not allowed")
	}
	return Evaluation{}, false
}

// classify 按原生与 USD 阈值分层，取两者中更严格的层级。
func (e *Engine) classify(ctx context.Context, txn *tx.Transaction, rules *SpendingLimitRules) (Evaluation, error) {
	eval := Evaluation{
		Allowed:         true,
		RuleType:        TypeSpendingLimit,
		ApprovalTimeout: rules.ApprovalTimeoutSeconds,
	}

	nativeTier := classifyNative(txn.EffectiveAmount(), rules)
	eval.Tier = nativeTier

	if rules.usdConfigured() {
		value, err := e.valueUSD(ctx, txn)
		if err != nil {
			if e.cfg.USDFailOpen {
				e.log.Warn("预言机不可用，跳过 USD 限额检查", "tx_id", txn.ID, "error", err)
			} else {
				eval.Tier = tx.TierApproval
				eval.EscalationReason = escalationOracleUnavailable
			}
		} else {
			eval.AmountUSD = value
			usdTier := classifyUSD(value, rules)
			eval.Tier = tx.MaxTier(eval.Tier, usdTier)
		}
	}

	if eval.Tier == tx.TierDelay {
		eval.DelaySeconds = rules.DelaySeconds
	}
	return eval, nil
}

func (e *Engine) valueUSD(ctx context.Context, txn *tx.Transaction) (float64, error) {
	if e.valuer == nil {
		return 0, xerrors.New(xerrors.CodeOracleFailure, "未配置价格预言机")
	}
	return e.valuer.ValueUSD(ctx, txn)
}

func (r *SpendingLimitRules) usdConfigured() bool {
	return r.InstantMaxUSD > 0 || r.NotifyMaxUSD > 0 || r.DelayMaxUSD > 0 ||
		r.DailyLimitUSD > 0 || r.MonthlyLimitUSD > 0
}

func classifyNative(amount *big.Int, rules *SpendingLimitRules) tx.Tier {
	instant, _ := parseOptionalAmount(rules.InstantMax)
	notify, _ := parseOptionalAmount(rules.NotifyMax)
	delay, _ := parseOptionalAmount(rules.DelayMax)
	if instant == nil && notify == nil && delay == nil {
		return tx.TierInstant
	}
	if instant != nil && amount.Cmp(instant) <= 0 {
		return tx.TierInstant
	}
	if notify != nil && amount.Cmp(notify) <= 0 {
		return tx.TierNotify
	}
	if delay != nil && amount.Cmp(delay) <= 0 {
		return tx.TierDelay
	}
	return tx.TierApproval
}

func classifyUSD(value float64, rules *SpendingLimitRules) tx.Tier {
	if rules.InstantMaxUSD <= 0 && rules.NotifyMaxUSD <= 0 && rules.DelayMaxUSD <= 0 {
		return tx.TierInstant
	}
	if rules.InstantMaxUSD > 0 && value <= rules.InstantMaxUSD {
		return tx.TierInstant
	}
	if rules.NotifyMaxUSD > 0 && value <= rules.NotifyMaxUSD {
		return tx.TierNotify
	}
	if rules.DelayMaxUSD > 0 && value <= rules.DelayMaxUSD {
		return tx.TierDelay
	}
	return tx.TierApproval
}

// applyCumulative 在预留快照上强制执行 24 小时与 30 天累计限额。
// 突破限额升格为 APPROVAL 而非拒绝；达到 80% 产生预警。
func (e *Engine) applyCumulative(eval *Evaluation, rules *SpendingLimitRules, snap tx.SpendSnapshot) {
	if rules.DailyLimitUSD <= 0 && rules.MonthlyLimitUSD <= 0 {
		return
	}
	projectedDaily := snap.DailyUSD + snap.OpenReservedUSD + eval.AmountUSD
	projectedMonthly := snap.MonthlyUSD + snap.OpenReservedUSD + eval.AmountUSD

	if rules.DailyLimitUSD > 0 {
		if projectedDaily > rules.DailyLimitUSD {
			eval.Tier = tx.TierApproval
			eval.EscalationReason = escalationCumulativeDaily
		} else if projectedDaily >= cumulativeWarnRatio*rules.DailyLimitUSD {
			eval.Warning = fmt.Sprintf("daily spend at %.0f%% of limit", 100*projectedDaily/rules.DailyLimitUSD)
		}
	}
	if rules.MonthlyLimitUSD > 0 {
		if projectedMonthly > rules.MonthlyLimitUSD {
			eval.Tier = tx.TierApproval
			if eval.EscalationReason == "" {
				eval.EscalationReason = escalationCumulativeMonthly
			}
		} else if eval.Warning == "" && projectedMonthly >= cumulativeWarnRatio*rules.MonthlyLimitUSD {
			eval.Warning = fmt.Sprintf("monthly spend at %.0f%% of limit", 100*projectedMonthly/rules.MonthlyLimitUSD)
		}
	}
}
