package policy

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
)

// Type 表示策略类型，决定 Rules 载荷的结构。
type Type string

const (
	TypeWhitelist          Type = "WHITELIST"
	TypeAllowedNetworks    Type = "ALLOWED_NETWORKS"
	TypeAllowedTokens      Type = "ALLOWED_TOKENS"
	TypeContractWhitelist  Type = "CONTRACT_WHITELIST"
	TypeMethodWhitelist    Type = "METHOD_WHITELIST"
	TypeApprovedSpenders   Type = "APPROVED_SPENDERS"
	TypeApproveAmountLimit Type = "APPROVE_AMOUNT_LIMIT"
	TypeApproveTier        Type = "APPROVE_TIER_OVERRIDE"
	TypeRateLimit          Type = "RATE_LIMIT"
	TypeTimeRestriction    Type = "TIME_RESTRICTION"
	TypeX402Domain         Type = "X402_DOMAIN"
	TypeSpendingLimit      Type = "SPENDING_LIMIT"
)

// evaluationOrder 是拒绝优先规则的固定执行顺序，SPENDING_LIMIT 永远最后分层。
var evaluationOrder = []Type{
	TypeWhitelist,
	TypeAllowedNetworks,
	TypeAllowedTokens,
	TypeContractWhitelist,
	TypeMethodWhitelist,
	TypeApprovedSpenders,
	TypeApproveAmountLimit,
	TypeRateLimit,
	TypeTimeRestriction,
	TypeX402Domain,
	TypeApproveTier,
	TypeSpendingLimit,
}

// Policy 描述一条授权策略。WalletID 为空表示全局策略，
// Network 为空表示适用于所有网络。
type Policy struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id,omitempty"`
	Network   string          `json:"network,omitempty"`
	Type      Type            `json:"type"`
	Name      string          `json:"name,omitempty"`
	Enabled   bool            `json:"enabled"`
	Rules     json.RawMessage `json:"rules"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// WhitelistRules 限定原生转账与代币转账的收款地址。
type WhitelistRules struct {
	Addresses []string `json:"addresses"`
}

// AllowedNetworksRules 限定可用网络。
type AllowedNetworksRules struct {
	Networks []string `json:"networks"`
}

// AllowedTokensRules 限定可操作的代币合约。
type AllowedTokensRules struct {
	Tokens []string `json:"tokens"`
}

// ContractWhitelistRules 限定可调用的合约地址。
type ContractWhitelistRules struct {
	Contracts []string `json:"contracts"`
}

// MethodWhitelistRules 限定可调用的合约方法签名。
type MethodWhitelistRules struct {
	Methods []string `json:"methods"`
}

// ApprovedSpendersRules 限定 ERC-20 授权的 spender 地址。
type ApprovedSpendersRules struct {
	Spenders []string `json:"spenders"`
}

// ApproveAmountLimitRules 限定单笔授权额度上限（最小单位十进制字符串）。
type ApproveAmountLimitRules struct {
	MaxAmount string `json:"max_amount"`
}

// ApproveTierRules 对 APPROVE 交易强制指定最终层级。
type ApproveTierRules struct {
	Tier tx.Tier `json:"tier"`
}

// RateLimitRules 限定窗口内的交易笔数。
type RateLimitRules struct {
	MaxCount      int   `json:"max_count"`
	WindowSeconds int64 `json:"window_seconds"`
}

// TimeRestrictionRules 限定允许发起交易的 UTC 小时区间 [StartHour, EndHour)。
// StartHour > EndHour 表示跨午夜区间。
type TimeRestrictionRules struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// X402DomainRules 限定 x402 付款可达的域名。
type X402DomainRules struct {
	Domains []string `json:"domains"`
}

// SpendingLimitRules 定义四档分层阈值与累计限额。
// 原生阈值为最小单位十进制字符串，空串表示该档未设置。
// 阈值语义：amount <= InstantMax → INSTANT；<= NotifyMax → NOTIFY；
// <= DelayMax → DELAY；否则 APPROVAL。
type SpendingLimitRules struct {
	InstantMax string `json:"instant_max,omitempty"`
	NotifyMax  string `json:"notify_max,omitempty"`
	DelayMax   string `json:"delay_max,omitempty"`

	InstantMaxUSD float64 `json:"instant_max_usd,omitempty"`
	NotifyMaxUSD  float64 `json:"notify_max_usd,omitempty"`
	DelayMaxUSD   float64 `json:"delay_max_usd,omitempty"`

	DailyLimitUSD   float64 `json:"daily_limit_usd,omitempty"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd,omitempty"`

	DelaySeconds           int64 `json:"delay_seconds,omitempty"`
	ApprovalTimeoutSeconds int64 `json:"approval_timeout_seconds,omitempty"`
}

var (
	// ErrPolicyNotFound 表示指定策略不存在。
	ErrPolicyNotFound = xerrors.New(CodePolicyNotFound, "policy not found")
	// ErrPolicyDenied 表示交易被策略拒绝。
	ErrPolicyDenied = xerrors.New(CodePolicyDenied, "transaction denied by policy", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodePolicyNotFound   xerrors.Code = "POLICY_NOT_FOUND"
	CodePolicyDenied     xerrors.Code = "POLICY_DENIED"
	CodePolicyValidation xerrors.Code = "POLICY_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodePolicyNotFound, xerrors.Attributes{
		Message:   "policy not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePolicyDenied, xerrors.Attributes{
		Message:   "transaction denied by policy",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePolicyValidation, xerrors.Attributes{
		Message:   "policy validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidType 检查策略类型是否受支持。
func IsValidType(t Type) bool {
	for _, known := range evaluationOrder {
		if t == known {
			return true
		}
	}
	return false
}

// Validate 在写入前校验策略载荷。未知类型、空列表、
// 阈值次序倒挂都在这里被拒绝，而不是留到评估时。
func (p *Policy) Validate() error {
	if p == nil {
		return xerrors.New(CodePolicyValidation, "策略不能为空")
	}
	if !IsValidType(p.Type) {
		return xerrors.New(CodePolicyValidation, "不支持的策略类型",
			xerrors.WithMetadata("type", string(p.Type)))
	}
	if len(p.Rules) == 0 {
		return xerrors.New(CodePolicyValidation, "策略规则不能为空")
	}

	switch p.Type {
	case TypeWhitelist:
		var rules WhitelistRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if len(rules.Addresses) == 0 {
			return xerrors.New(CodePolicyValidation, "白名单地址列表不能为空")
		}
	case TypeAllowedNetworks:
		var rules AllowedNetworksRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if len(rules.Networks) == 0 {
			return xerrors.New(CodePolicyValidation, "网络列表不能为空")
		}
	case TypeAllowedTokens:
		var rules AllowedTokensRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if len(rules.Tokens) == 0 {
			return xerrors.New(CodePolicyValidation, "代币列表不能为空")
		}
	case TypeContractWhitelist:
		var rules ContractWhitelistRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if len(rules.Contracts) == 0 {
			return xerrors.New(CodePolicyValidation, "合约列表不能为空")
		}
	case TypeMethodWhitelist:
		var rules MethodWhitelistRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if len(rules.Methods) == 0 {
			return xerrors.New(CodePolicyValidation, "方法列表不能为空")
		}
	case TypeApprovedSpenders:
		var rules ApprovedSpendersRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if len(rules.Spenders) == 0 {
			return xerrors.New(CodePolicyValidation, "spender 列表不能为空")
		}
	case TypeApproveAmountLimit:
		var rules ApproveAmountLimitRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if _, err := parseAmount(rules.MaxAmount); err != nil {
			return xerrors.New(CodePolicyValidation, "授权额度上限不合法",
				xerrors.WithMetadata("max_amount", rules.MaxAmount))
		}
	case TypeApproveTier:
		var rules ApproveTierRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if !tx.IsValidTier(rules.Tier) {
			return xerrors.New(CodePolicyValidation, "层级取值不合法",
				xerrors.WithMetadata("tier", string(rules.Tier)))
		}
	case TypeRateLimit:
		var rules RateLimitRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if rules.MaxCount <= 0 || rules.WindowSeconds <= 0 {
			return xerrors.New(CodePolicyValidation, "限频窗口参数必须为正数")
		}
	case TypeTimeRestriction:
		var rules TimeRestrictionRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if rules.StartHour < 0 || rules.StartHour > 23 || rules.EndHour < 0 || rules.EndHour > 23 {
			return xerrors.New(CodePolicyValidation, "时间窗口小时取值必须在 0-23 之间")
		}
		if rules.StartHour == rules.EndHour {
			return xerrors.New(CodePolicyValidation, "时间窗口不能为空区间")
		}
	case TypeX402Domain:
		var rules X402DomainRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if len(rules.Domains) == 0 {
			return xerrors.New(CodePolicyValidation, "域名列表不能为空")
		}
	case TypeSpendingLimit:
		var rules SpendingLimitRules
		if err := decodeRules(p.Rules, &rules); err != nil {
			return err
		}
		if err := rules.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *SpendingLimitRules) validate() error {
	instant, err := parseOptionalAmount(r.InstantMax)
	if err != nil {
		return xerrors.New(CodePolicyValidation, "instant_max 不合法")
	}
	notify, err := parseOptionalAmount(r.NotifyMax)
	if err != nil {
		return xerrors.New(CodePolicyValidation, "notify_max 不合法")
	}
	delay, err := parseOptionalAmount(r.DelayMax)
	if err != nil {
		return xerrors.New(CodePolicyValidation, "delay_max 不合法")
	}
	if instant != nil && notify != nil && instant.Cmp(notify) > 0 {
		return xerrors.New(CodePolicyValidation, "阈值必须满足 instant_max <= notify_max")
	}
	if notify != nil && delay != nil && notify.Cmp(delay) > 0 {
		return xerrors.New(CodePolicyValidation, "阈值必须满足 notify_max <= delay_max")
	}
	if instant != nil && delay != nil && instant.Cmp(delay) > 0 {
		return xerrors.New(CodePolicyValidation, "阈值必须满足 instant_max <= delay_max")
	}
	if r.InstantMaxUSD < 0 || r.NotifyMaxUSD < 0 || r.DelayMaxUSD < 0 {
		return xerrors.New(CodePolicyValidation, "USD 阈值不能为负数")
	}
	if r.InstantMaxUSD > 0 && r.NotifyMaxUSD > 0 && r.InstantMaxUSD > r.NotifyMaxUSD {
		return xerrors.New(CodePolicyValidation, "USD 阈值必须满足 instant <= notify")
	}
	if r.NotifyMaxUSD > 0 && r.DelayMaxUSD > 0 && r.NotifyMaxUSD > r.DelayMaxUSD {
		return xerrors.New(CodePolicyValidation, "USD 阈值必须满足 notify <= delay")
	}
	if r.InstantMaxUSD > 0 && r.DelayMaxUSD > 0 && r.InstantMaxUSD > r.DelayMaxUSD {
		return xerrors.New(CodePolicyValidation, "USD 阈值必须满足 instant <= delay")
	}
	if r.DailyLimitUSD < 0 || r.MonthlyLimitUSD < 0 {
		return xerrors.New(CodePolicyValidation, "累计限额不能为负数")
	}
	if r.DelaySeconds < 0 || r.ApprovalTimeoutSeconds < 0 {
		return xerrors.New(CodePolicyValidation, "等待时长不能为负数")
	}
	return nil
}

func decodeRules(raw json.RawMessage, dst any) error {
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return xerrors.Wrap(CodePolicyValidation, err, "解析策略规则失败")
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, err := parseOptionalAmount(raw)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("金额不能为空")
	}
	return value, nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("非法的金额字符串 %q", raw)
	}
	return value, nil
}

// specificity 返回策略的覆盖优先级：
// 钱包+网络 > 钱包 > 全局+网络 > 全局。
func specificity(p *Policy) int {
	score := 0
	if p.WalletID != "" {
		score += 2
	}
	if p.Network != "" {
		score++
	}
	return score
}

// resolveOverrides 对每个类型仅保留优先级最高的一条策略。
// 同级冲突时保留创建时间更晚的。
func resolveOverrides(policies []*Policy) map[Type]*Policy {
	resolved := make(map[Type]*Policy, len(policies))
	for _, p := range policies {
		current, ok := resolved[p.Type]
		if !ok {
			resolved[p.Type] = p
			continue
		}
		if specificity(p) > specificity(current) ||
			(specificity(p) == specificity(current) && p.CreatedAt > current.CreatedAt) {
			resolved[p.Type] = p
		}
	}
	return resolved
}

func containsFold(list []string, target string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(target)) {
			return true
		}
	}
	return false
}
