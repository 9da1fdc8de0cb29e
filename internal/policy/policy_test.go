package policy

import (
	"testing"

	"AgentVault/internal/tx"
)

func TestValidateRejectsUnknownType(t *testing.T) {
	p := &Policy{ID: "p-1", Type: Type("BOGUS"), Rules: []byte(`{}`)}
	if err := p.Validate(); err == nil {
		t.Fatalf("未知类型应校验失败")
	}
}

func TestValidateRejectsEmptyLists(t *testing.T) {
	cases := []struct {
		ptype Type
		rules string
	}{
		{TypeWhitelist, `{"addresses":[]}`},
		{TypeAllowedNetworks, `{"networks":[]}`},
		{TypeAllowedTokens, `{"tokens":[]}`},
		{TypeContractWhitelist, `{"contracts":[]}`},
		{TypeMethodWhitelist, `{"methods":[]}`},
		{TypeApprovedSpenders, `{"spenders":[]}`},
		{TypeX402Domain, `{"domains":[]}`},
	}
	for _, tc := range cases {
		p := &Policy{ID: "p-1", Type: tc.ptype, Rules: []byte(tc.rules)}
		if err := p.Validate(); err == nil {
			t.Fatalf("%s 空列表应校验失败", tc.ptype)
		}
	}
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	p := &Policy{ID: "p-1", Type: TypeWhitelist, Rules: []byte(`{"addresses":["0xaa"],"bogus":1}`)}
	if err := p.Validate(); err == nil {
		t.Fatalf("未知字段应校验失败")
	}
}

func TestValidateSpendingLimitOrdering(t *testing.T) {
	bad := &Policy{ID: "p-1", Type: TypeSpendingLimit,
		Rules: []byte(`{"instant_max":"1000","notify_max":"100"}`)}
	if err := bad.Validate(); err == nil {
		t.Fatalf("instant_max > notify_max 应校验失败")
	}
	badUSD := &Policy{ID: "p-2", Type: TypeSpendingLimit,
		Rules: []byte(`{"notify_max_usd":100,"delay_max_usd":10}`)}
	if err := badUSD.Validate(); err == nil {
		t.Fatalf("notify_max_usd > delay_max_usd 应校验失败")
	}
	good := &Policy{ID: "p-3", Type: TypeSpendingLimit,
		Rules: []byte(`{"instant_max":"100","notify_max":"1000","delay_max":"10000"}`)}
	if err := good.Validate(); err != nil {
		t.Fatalf("合法阈值不应校验失败: %v", err)
	}
}

func TestValidateSpendingLimitMalformedAmount(t *testing.T) {
	p := &Policy{ID: "p-1", Type: TypeSpendingLimit, Rules: []byte(`{"instant_max":"12.5"}`)}
	if err := p.Validate(); err == nil {
		t.Fatalf("非整数金额应校验失败")
	}
	neg := &Policy{ID: "p-2", Type: TypeSpendingLimit, Rules: []byte(`{"instant_max":"-1"}`)}
	if err := neg.Validate(); err == nil {
		t.Fatalf("负数金额应校验失败")
	}
}

func TestValidateTimeRestrictionBounds(t *testing.T) {
	bad := &Policy{ID: "p-1", Type: TypeTimeRestriction, Rules: []byte(`{"start_hour":25,"end_hour":3}`)}
	if err := bad.Validate(); err == nil {
		t.Fatalf("越界小时应校验失败")
	}
	empty := &Policy{ID: "p-2", Type: TypeTimeRestriction, Rules: []byte(`{"start_hour":9,"end_hour":9}`)}
	if err := empty.Validate(); err == nil {
		t.Fatalf("空区间应校验失败")
	}
	overnight := &Policy{ID: "p-3", Type: TypeTimeRestriction, Rules: []byte(`{"start_hour":22,"end_hour":6}`)}
	if err := overnight.Validate(); err != nil {
		t.Fatalf("跨午夜区间应合法: %v", err)
	}
}

func TestValidateApproveTier(t *testing.T) {
	bad := &Policy{ID: "p-1", Type: TypeApproveTier, Rules: []byte(`{"tier":"TURBO"}`)}
	if err := bad.Validate(); err == nil {
		t.Fatalf("非法层级应校验失败")
	}
	good := &Policy{ID: "p-2", Type: TypeApproveTier, Rules: []byte(`{"tier":"DELAY"}`)}
	if err := good.Validate(); err != nil {
		t.Fatalf("合法层级不应校验失败: %v", err)
	}
}

func TestSpecificityOrdering(t *testing.T) {
	cases := []struct {
		policy *Policy
		score  int
	}{
		{&Policy{}, 0},
		{&Policy{Network: "sepolia"}, 1},
		{&Policy{WalletID: "w"}, 2},
		{&Policy{WalletID: "w", Network: "sepolia"}, 3},
	}
	for _, tc := range cases {
		if got := specificity(tc.policy); got != tc.score {
			t.Fatalf("期望优先级 %d, 实际 %d", tc.score, got)
		}
	}
}

func TestTierRankMonotonic(t *testing.T) {
	order := []tx.Tier{tx.TierInstant, tx.TierNotify, tx.TierDelay, tx.TierApproval}
	for i := 1; i < len(order); i++ {
		if tx.TierRank(order[i-1]) >= tx.TierRank(order[i]) {
			t.Fatalf("层级严格程度应单调递增")
		}
	}
	if tx.MaxTier(tx.TierNotify, tx.TierDelay) != tx.TierDelay {
		t.Fatalf("MaxTier 应返回更严格层级")
	}
}
