package owner

import (
	"context"
	stdErrors "errors"
	"testing"

	"AgentVault/internal/tx"
)

func newWalletFixture(t *testing.T) (*Lifecycle, Store) {
	t.Helper()
	store := NewMemoryStore()
	if err := store.Create(context.Background(), &Wallet{
		ID:      "wallet-1",
		Address: "0x00000000000000000000000000000000000000ee",
	}); err != nil {
		t.Fatalf("创建钱包失败: %v", err)
	}
	return NewLifecycle(store, nil), store
}

func TestResolveState(t *testing.T) {
	cases := []struct {
		wallet *Wallet
		state  State
	}{
		{nil, StateNone},
		{&Wallet{}, StateNone},
		{&Wallet{OwnerAddress: "0xaa"}, StateGrace},
		{&Wallet{OwnerAddress: "0xaa", OwnerVerified: true}, StateLocked},
	}
	for _, tc := range cases {
		if got := ResolveState(tc.wallet); got != tc.state {
			t.Fatalf("期望 %s, 实际 %s", tc.state, got)
		}
	}
}

func TestDowngradeIfNoOwner(t *testing.T) {
	tier, downgraded := DowngradeIfNoOwner(StateNone, tx.TierApproval)
	if tier != tx.TierDelay || !downgraded {
		t.Fatalf("无所有者时 APPROVAL 应降级 DELAY, 实际 %s/%v", tier, downgraded)
	}
	for _, state := range []State{StateGrace, StateLocked} {
		tier, downgraded = DowngradeIfNoOwner(state, tx.TierApproval)
		if tier != tx.TierApproval || downgraded {
			t.Fatalf("%s 状态不应降级, 实际 %s/%v", state, tier, downgraded)
		}
	}
	tier, downgraded = DowngradeIfNoOwner(StateNone, tx.TierDelay)
	if tier != tx.TierDelay || downgraded {
		t.Fatalf("非 APPROVAL 层级不应降级, 实际 %s/%v", tier, downgraded)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	lifecycle, _ := newWalletFixture(t)
	ctx := context.Background()

	if err := lifecycle.SetOwner(ctx, "wallet-1", "0xOwner"); err != nil {
		t.Fatalf("绑定所有者失败: %v", err)
	}
	state, err := lifecycle.State(ctx, "wallet-1")
	if err != nil || state != StateGrace {
		t.Fatalf("绑定后应为 GRACE, 实际 %s (%v)", state, err)
	}

	if err := lifecycle.MarkVerified(ctx, "wallet-1"); err != nil {
		t.Fatalf("验证失败: %v", err)
	}
	state, err = lifecycle.State(ctx, "wallet-1")
	if err != nil || state != StateLocked {
		t.Fatalf("验证后应为 LOCKED, 实际 %s (%v)", state, err)
	}
}

func TestLifecycleLockedRejectsChanges(t *testing.T) {
	lifecycle, _ := newWalletFixture(t)
	ctx := context.Background()

	if err := lifecycle.SetOwner(ctx, "wallet-1", "0xOwner"); err != nil {
		t.Fatalf("绑定所有者失败: %v", err)
	}
	if err := lifecycle.MarkVerified(ctx, "wallet-1"); err != nil {
		t.Fatalf("验证失败: %v", err)
	}

	if err := lifecycle.SetOwner(ctx, "wallet-1", "0xOther"); !stdErrors.Is(err, ErrOwnerAlreadyConnected) {
		t.Fatalf("LOCKED 后绑定应失败, 实际 %v", err)
	}
	if err := lifecycle.RemoveOwner(ctx, "wallet-1"); !stdErrors.Is(err, ErrOwnerAlreadyConnected) {
		t.Fatalf("LOCKED 后解绑应失败, 实际 %v", err)
	}
	// LOCKED 后重复验证为幂等空操作。
	if err := lifecycle.MarkVerified(ctx, "wallet-1"); err != nil {
		t.Fatalf("重复验证应幂等: %v", err)
	}
}

func TestLifecycleVerifyWithoutOwner(t *testing.T) {
	lifecycle, _ := newWalletFixture(t)
	if err := lifecycle.MarkVerified(context.Background(), "wallet-1"); !stdErrors.Is(err, ErrOwnerNotConnected) {
		t.Fatalf("未绑定时验证应失败, 实际 %v", err)
	}
}

func TestLifecycleIdempotentOps(t *testing.T) {
	lifecycle, _ := newWalletFixture(t)
	ctx := context.Background()

	// NONE 状态下解绑为幂等空操作。
	if err := lifecycle.RemoveOwner(ctx, "wallet-1"); err != nil {
		t.Fatalf("NONE 状态解绑应幂等: %v", err)
	}
	if err := lifecycle.SetOwner(ctx, "wallet-1", "0xOwner"); err != nil {
		t.Fatalf("绑定所有者失败: %v", err)
	}
	// GRACE 状态重复绑定同一地址为幂等空操作。
	if err := lifecycle.SetOwner(ctx, "wallet-1", "0xowner"); err != nil {
		t.Fatalf("重复绑定同一地址应幂等: %v", err)
	}
	// GRACE 状态可以换绑到新地址。
	if err := lifecycle.SetOwner(ctx, "wallet-1", "0xAnother"); err != nil {
		t.Fatalf("GRACE 状态换绑失败: %v", err)
	}
}
